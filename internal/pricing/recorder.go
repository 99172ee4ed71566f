package pricing

import (
	"context"
	"log/slog"
	"time"

	"github.com/fresco-retail/fresco/internal/shared"
)

// RepositoryPort abstracts price-history persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// Recorder appends immutable price-change records. It is a passive sink
// invoked by the campaign evaluator and by manual price edits.
type Recorder struct {
	repo   RepositoryPort
	logger *slog.Logger
	clock  func() time.Time
}

// NewRecorder builds Recorder. clock may be nil, defaulting to time.Now.
func NewRecorder(repo RepositoryPort, logger *slog.Logger, clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger, clock: clock}
}

// RecordChange appends one record. No record is created when the price did
// not move; the returned pointer is nil in that case. The change percentage
// is omitted when the old price is zero rather than dividing by zero.
func (r *Recorder) RecordChange(ctx context.Context, input ChangeInput) (*Record, error) {
	if input.ProductID == 0 {
		return nil, shared.Invalid("product required")
	}
	if input.OldPrice == input.NewPrice {
		return nil, nil
	}
	rec := Record{
		ProductID: input.ProductID,
		Unit:      input.Unit,
		OldPrice:  input.OldPrice,
		NewPrice:  input.NewPrice,
		Actor:     input.Actor,
		At:        input.At,
	}
	if rec.At.IsZero() {
		rec.At = r.clock()
	}
	if input.NewPrice > input.OldPrice {
		rec.ChangeType = ChangeIncrease
	} else {
		rec.ChangeType = ChangeDecrease
	}
	if input.OldPrice != 0 {
		pct := (input.NewPrice - input.OldPrice) / input.OldPrice * 100
		rec.ChangePercent = &pct
	}
	stored, err := r.repo.Insert(ctx, rec)
	if err != nil {
		return nil, err
	}
	r.logger.Info("price change recorded",
		slog.Int64("product_id", stored.ProductID),
		slog.Float64("old_price", stored.OldPrice),
		slog.Float64("new_price", stored.NewPrice),
		slog.String("change_type", string(stored.ChangeType)))
	return &stored, nil
}

// List returns price-history entries for reporting consumers.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]Record, error) {
	return r.repo.List(ctx, filter)
}
