package campaign

import (
	"time"

	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/shared"
)

// TargetType enumerates the bounded set of campaign targeting strategies.
type TargetType string

const (
	// TargetAllProducts matches every currently active batch.
	TargetAllProducts TargetType = "all_products"
	// TargetSpecificProducts matches active batches of an explicit product set.
	TargetSpecificProducts TargetType = "specific_products"
	// TargetNearExpiry matches active batches expiring within a look-ahead window.
	TargetNearExpiry TargetType = "near_expiry"
	// TargetSpecificCategories matches products resolved from a category set.
	TargetSpecificCategories TargetType = "specific_categories"
)

// Campaign is a time-bounded markdown policy. A campaign does not own
// batches; it is evaluated against the live batch population at apply time.
type Campaign struct {
	ID               int64
	Name             string
	Description      string
	DiscountType     batch.DiscountType
	DiscountValue    float64
	StartDate        time.Time
	EndDate          time.Time
	TargetType       TargetType
	ProductIDs       []int64
	CategoryIDs      []int64
	DaysBeforeExpiry int
	MinPercent       *float64
	MaxPercent       *float64
	Active           bool
	AutoApply        bool
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks campaign invariants.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return shared.Invalid("campaign name required")
	}
	if !c.EndDate.After(c.StartDate) {
		return shared.Invalid("campaign end date must be after start date")
	}
	switch c.DiscountType {
	case batch.DiscountPercentage:
		if c.DiscountValue < 0 || c.DiscountValue > 100 {
			return shared.Invalid("percentage discount must be within [0,100], got %.2f", c.DiscountValue)
		}
	case batch.DiscountFixedAmount:
		if c.DiscountValue < 0 {
			return shared.Invalid("fixed amount discount must be non-negative, got %.2f", c.DiscountValue)
		}
	default:
		return shared.Invalid("unknown discount type %q", c.DiscountType)
	}
	switch c.TargetType {
	case TargetAllProducts:
	case TargetSpecificProducts:
		if len(c.ProductIDs) == 0 {
			return shared.Invalid("specific_products campaign requires a product set")
		}
	case TargetSpecificCategories:
		if len(c.CategoryIDs) == 0 {
			return shared.Invalid("specific_categories campaign requires a category set")
		}
	case TargetNearExpiry:
		if c.DaysBeforeExpiry < 1 {
			return shared.Invalid("near_expiry campaign requires days before expiry >= 1")
		}
	default:
		return shared.Invalid("unknown target type %q", c.TargetType)
	}
	if c.MinPercent != nil && c.MaxPercent != nil && *c.MaxPercent < *c.MinPercent {
		return shared.Invalid("max discount percent must be >= min discount percent")
	}
	if c.DiscountType == batch.DiscountPercentage {
		if c.MinPercent != nil && c.DiscountValue < *c.MinPercent {
			return shared.Invalid("discount value %.2f below allowed minimum %.2f", c.DiscountValue, *c.MinPercent)
		}
		if c.MaxPercent != nil && c.DiscountValue > *c.MaxPercent {
			return shared.Invalid("discount value %.2f above allowed maximum %.2f", c.DiscountValue, *c.MaxPercent)
		}
	}
	return nil
}

// InWindow reports whether the campaign's active window covers now.
// The window is [startDate, endDate).
func (c *Campaign) InWindow(now time.Time) bool {
	return !now.Before(c.StartDate) && now.Before(c.EndDate)
}

// ShouldOverride decides whether this campaign's discount replaces the
// batch's existing one. Greedy best-discount-wins: apply when the batch has
// no discount, or when both are percentages and the campaign's is strictly
// larger. A fixed-amount discount is never overridden, and campaigns never
// reduce an existing markdown.
func (c *Campaign) ShouldOverride(existing *batch.Discount) bool {
	if existing == nil {
		return true
	}
	if existing.Type != batch.DiscountPercentage {
		return false
	}
	return c.DiscountType == batch.DiscountPercentage && c.DiscountValue > existing.Value
}

// Discount builds the discount the campaign stamps onto a batch. The window
// mirrors the campaign's own dates and the reason is always "campaign".
func (c *Campaign) Discount() *batch.Discount {
	return &batch.Discount{
		Type:      c.DiscountType,
		Value:     c.DiscountValue,
		StartDate: c.StartDate,
		EndDate:   c.EndDate,
		Reason:    batch.ReasonCampaign,
	}
}

// ApplyReport summarises one evaluator pass.
type ApplyReport struct {
	CampaignID int64 `json:"campaign_id"`
	Matched    int   `json:"matched"`
	Applied    int   `json:"applied"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
}
