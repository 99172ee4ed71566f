package pricing

import "time"

// ChangeType classifies a price movement.
type ChangeType string

const (
	// ChangeIncrease marks a price going up.
	ChangeIncrease ChangeType = "increase"
	// ChangeDecrease marks a price going down.
	ChangeDecrease ChangeType = "decrease"
)

// Record is an immutable price-history entry. Records are append-only; the
// core never mutates or deletes them.
type Record struct {
	ID            int64
	ProductID     int64
	Unit          string
	OldPrice      float64
	NewPrice      float64
	ChangeType    ChangeType
	ChangePercent *float64
	Actor         string
	At            time.Time
}

// ChangeInput describes a price change to append.
type ChangeInput struct {
	ProductID int64
	Unit      string
	OldPrice  float64
	NewPrice  float64
	Actor     string
	At        time.Time
}

// Filter narrows price-history listings.
type Filter struct {
	ProductID int64
	Limit     int
}
