package batch

import (
	"time"

	"github.com/fresco-retail/fresco/internal/shared"
)

// Status enumerates batch lifecycle states.
type Status string

const (
	// StatusActive marks a sellable batch.
	StatusActive Status = "active"
	// StatusInactive marks a batch withheld by an operator.
	StatusInactive Status = "inactive"
	// StatusExpired marks a batch whose expiry date has passed, any quantity.
	StatusExpired Status = "expired"
	// StatusSoldOut marks a batch drawn down to zero quantity.
	StatusSoldOut Status = "sold_out"
)

// DiscountType enumerates supported markdown kinds.
type DiscountType string

const (
	// DiscountPercentage reduces the price by a percentage of the base price.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixedAmount reduces the price by an absolute amount.
	DiscountFixedAmount DiscountType = "fixed_amount"
)

// DiscountReason records where a markdown came from.
type DiscountReason string

const (
	// ReasonCampaign marks a discount applied by a campaign pass.
	ReasonCampaign DiscountReason = "campaign"
	// ReasonManual marks a discount set by an operator.
	ReasonManual DiscountReason = "manual"
)

// Discount describes the markdown currently applied to a batch.
type Discount struct {
	Type      DiscountType
	Value     float64
	StartDate time.Time
	EndDate   time.Time
	Reason    DiscountReason
}

// Validate checks discount invariants.
func (d *Discount) Validate() error {
	switch d.Type {
	case DiscountPercentage:
		if d.Value < 0 || d.Value > 100 {
			return shared.Invalid("percentage discount must be within [0,100], got %.2f", d.Value)
		}
	case DiscountFixedAmount:
		if d.Value < 0 {
			return shared.Invalid("fixed amount discount must be non-negative, got %.2f", d.Value)
		}
	default:
		return shared.Invalid("unknown discount type %q", d.Type)
	}
	if !d.EndDate.After(d.StartDate) {
		return shared.Invalid("discount end date must be after start date")
	}
	switch d.Reason {
	case ReasonCampaign, ReasonManual:
	default:
		return shared.Invalid("unknown discount reason %q", d.Reason)
	}
	return nil
}

// ActiveAt reports whether the discount window covers the given instant.
func (d *Discount) ActiveAt(now time.Time) bool {
	return !now.Before(d.StartDate) && now.Before(d.EndDate)
}

// Batch is a physically distinct, dated quantity of one product. Batches are
// never physically deleted; a zero-quantity batch is retained for history.
type Batch struct {
	ID              int64
	ProductID       int64
	Quantity        int64
	ManufactureDate time.Time
	ExpiryDate      time.Time
	Status          Status
	Discount        *Discount
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsExpired reports whether the batch's expiry date has passed. Expiry is a
// calendar date; a batch expiring today remains sellable until the day ends.
func (b *Batch) IsExpired(now time.Time) bool {
	return dateOf(now).After(dateOf(b.ExpiryDate))
}

// RefreshStatus recomputes the time-driven expired transition. Returns true
// when the status changed and the batch needs persisting. Pure status
// recompute, no quantity side effects.
func (b *Batch) RefreshStatus(now time.Time) bool {
	if b.Status == StatusExpired {
		return false
	}
	if b.IsExpired(now) {
		b.Status = StatusExpired
		return true
	}
	return false
}

// ApplyDelta mutates quantity by delta and recomputes the quantity-driven
// status transitions. Fails when the result would be negative.
func (b *Batch) ApplyDelta(delta int64, now time.Time) error {
	newQty := b.Quantity + delta
	if newQty < 0 {
		return &shared.InsufficientStockError{Requested: -delta, Available: b.Quantity}
	}
	b.RefreshStatus(now)
	b.Quantity = newQty
	if b.Status == StatusExpired || b.Status == StatusInactive {
		return nil
	}
	if newQty == 0 {
		b.Status = StatusSoldOut
	} else if b.Status == StatusSoldOut {
		// A reversal credited stock back onto a sold-out batch.
		b.Status = StatusActive
	}
	return nil
}

// EffectivePrice returns the sale price after the currently active discount,
// floored at zero for fixed-amount markdowns.
func (b *Batch) EffectivePrice(basePrice float64, now time.Time) float64 {
	if b.Discount == nil || !b.Discount.ActiveAt(now) {
		return basePrice
	}
	switch b.Discount.Type {
	case DiscountPercentage:
		return basePrice * (1 - b.Discount.Value/100)
	case DiscountFixedAmount:
		price := basePrice - b.Discount.Value
		if price < 0 {
			return 0
		}
		return price
	}
	return basePrice
}

// MovementType enumerates recorded quantity movements.
type MovementType string

const (
	// MovementReceipt is a goods-receipt intake.
	MovementReceipt MovementType = "receipt"
	// MovementSale is a FEFO allocation draw.
	MovementSale MovementType = "sale"
	// MovementReversal is a return-to-stock credit.
	MovementReversal MovementType = "reversal"
	// MovementAdjust is a manual correction.
	MovementAdjust MovementType = "adjust"
)

// Movement is the audit trail row written for every quantity change.
type Movement struct {
	ID        int64
	BatchID   int64
	ProductID int64
	Type      MovementType
	Qty       int64
	RefModule string
	RefID     string
	Actor     string
	At        time.Time
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
