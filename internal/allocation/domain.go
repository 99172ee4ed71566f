package allocation

import "time"

// Line records how much was drawn from one batch, in FEFO order. Callers
// persist lines as sale-line provenance and use them to credit the exact
// batch on returns.
type Line struct {
	BatchID    int64     `json:"batch_id"`
	Quantity   int64     `json:"quantity"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// AllocateInput describes one allocation request.
type AllocateInput struct {
	ProductID int64
	Quantity  int64
	RefModule string
	RefID     string
	Actor     string
}

// ReverseInput credits quantity back to the exact batch it was drawn from.
type ReverseInput struct {
	BatchID   int64
	Quantity  int64
	RefModule string
	RefID     string
	Actor     string
}
