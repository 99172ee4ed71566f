package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fresco-retail/fresco/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the batch ledger: the single source of truth for batch state.
// It enforces the lifecycle state machine and quantity invariants for every
// mutation requested by the other components.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	clock  func() time.Time
}

// NewService builds Service. clock may be nil, defaulting to time.Now.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, clock: clock}
}

// CreateInput describes a goods-receipt line creating one batch.
type CreateInput struct {
	ProductID       int64
	Quantity        int64
	ManufactureDate time.Time
	ExpiryDate      time.Time
	RefModule       string
	RefID           string
	Actor           string
}

// Create registers a new batch from goods receipt. The batch starts active
// with no discount.
func (s *Service) Create(ctx context.Context, input CreateInput) (Batch, error) {
	if input.ProductID == 0 {
		return Batch{}, shared.Invalid("product required")
	}
	if input.Quantity <= 0 {
		return Batch{}, shared.Invalid("quantity must be positive, got %d", input.Quantity)
	}
	if !dateOf(input.ExpiryDate).After(dateOf(input.ManufactureDate)) {
		return Batch{}, shared.Invalid("expiry date must be after manufacture date")
	}
	var created Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		b, err := tx.InsertBatch(ctx, Batch{
			ProductID:       input.ProductID,
			Quantity:        input.Quantity,
			ManufactureDate: input.ManufactureDate,
			ExpiryDate:      input.ExpiryDate,
			Status:          StatusActive,
		})
		if err != nil {
			return err
		}
		created = b
		return tx.InsertMovement(ctx, Movement{
			BatchID:   b.ID,
			ProductID: b.ProductID,
			Type:      MovementReceipt,
			Qty:       input.Quantity,
			RefModule: input.RefModule,
			RefID:     input.RefID,
			Actor:     input.Actor,
		})
	})
	if err != nil {
		return Batch{}, err
	}
	s.recordAudit(ctx, input.Actor, "batch:create", created, map[string]any{
		"product_id": created.ProductID,
		"quantity":   created.Quantity,
		"expiry":     created.ExpiryDate.Format("2006-01-02"),
	})
	return created, nil
}

// Get loads one batch, lazily persisting the expired transition when the
// expiry date has passed.
func (s *Service) Get(ctx context.Context, id int64) (Batch, error) {
	var result Batch
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			b, err := tx.GetBatchForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if b.RefreshStatus(s.clock()) {
				if b, err = tx.UpdateBatch(ctx, b); err != nil {
					return err
				}
			}
			result = b
			return nil
		})
	})
	return result, err
}

// ActiveBatches returns a product's active batches in FEFO order (expiry
// ascending, creation order breaking ties). Expiry is re-evaluated on each
// batch touched; lapsed batches are flipped to expired, persisted, and
// excluded from the result.
func (s *Service) ActiveBatches(ctx context.Context, productID int64) ([]Batch, error) {
	if productID == 0 {
		return nil, shared.Invalid("product required")
	}
	var result []Batch
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		result = result[:0]
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			batches, err := tx.ListActiveForUpdate(ctx, productID)
			if err != nil {
				return err
			}
			now := s.clock()
			for _, b := range batches {
				if b.RefreshStatus(now) {
					if _, err := tx.UpdateBatch(ctx, b); err != nil {
						return err
					}
					continue
				}
				result = append(result, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdjustInput describes a quantity mutation on one batch.
type AdjustInput struct {
	BatchID   int64
	Delta     int64
	Type      MovementType
	RefModule string
	RefID     string
	Actor     string
}

// AdjustQuantity applies delta to a batch's quantity-on-hand as a single
// atomic operation. Positive deltas are returns and receipt corrections,
// negative deltas are sales and transfers. Reaching exactly zero flips the
// batch to sold_out unless it already expired. Returns the post-mutation
// snapshot.
func (s *Service) AdjustQuantity(ctx context.Context, input AdjustInput) (Batch, error) {
	if input.Delta == 0 {
		return Batch{}, shared.Invalid("delta must be non-zero")
	}
	if input.Type == "" {
		input.Type = MovementAdjust
	}
	var result Batch
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			b, err := tx.GetBatchForUpdate(ctx, input.BatchID)
			if err != nil {
				return err
			}
			if err := b.ApplyDelta(input.Delta, s.clock()); err != nil {
				return err
			}
			if b, err = tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			result = b
			return tx.InsertMovement(ctx, Movement{
				BatchID:   b.ID,
				ProductID: b.ProductID,
				Type:      input.Type,
				Qty:       input.Delta,
				RefModule: input.RefModule,
				RefID:     input.RefID,
				Actor:     input.Actor,
			})
		})
	})
	if err != nil {
		return Batch{}, err
	}
	s.recordAudit(ctx, input.Actor, fmt.Sprintf("batch:%s", input.Type), result, map[string]any{
		"delta":    input.Delta,
		"quantity": result.Quantity,
		"status":   string(result.Status),
	})
	return result, nil
}

// SetDiscount atomically replaces the batch's discount fields. Passing nil
// clears an existing discount. No side effect on status.
func (s *Service) SetDiscount(ctx context.Context, batchID int64, discount *Discount, actor string) (Batch, error) {
	if discount != nil {
		if err := discount.Validate(); err != nil {
			return Batch{}, err
		}
	}
	var result Batch
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			b, err := tx.GetBatchForUpdate(ctx, batchID)
			if err != nil {
				return err
			}
			b.RefreshStatus(s.clock())
			b.Discount = discount
			if b, err = tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			result = b
			return nil
		})
	})
	if err != nil {
		return Batch{}, err
	}
	meta := map[string]any{"discounted": discount != nil}
	if discount != nil {
		meta["discount_type"] = string(discount.Type)
		meta["discount_value"] = discount.Value
		meta["reason"] = string(discount.Reason)
	}
	s.recordAudit(ctx, actor, "batch:set_discount", result, meta)
	return result, nil
}

// SetActive toggles the operator-facing inactive status. Expired batches are
// never revived.
func (s *Service) SetActive(ctx context.Context, batchID int64, active bool, actor string) (Batch, error) {
	var result Batch
	err := s.withConflictRetry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			b, err := tx.GetBatchForUpdate(ctx, batchID)
			if err != nil {
				return err
			}
			b.RefreshStatus(s.clock())
			switch {
			case b.Status == StatusExpired:
				return shared.Invalid("batch %d is expired", batchID)
			case active && b.Status == StatusInactive:
				if b.Quantity > 0 {
					b.Status = StatusActive
				} else {
					b.Status = StatusSoldOut
				}
			case !active && (b.Status == StatusActive || b.Status == StatusSoldOut):
				b.Status = StatusInactive
			default:
				result = b
				return nil
			}
			if b, err = tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			result = b
			return nil
		})
	})
	if err != nil {
		return Batch{}, err
	}
	s.recordAudit(ctx, actor, "batch:set_active", result, map[string]any{"status": string(result.Status)})
	return result, nil
}

// ListActive returns every active batch across products, FEFO order. Expired
// stragglers are excluded and flipped individually.
func (s *Service) ListActive(ctx context.Context) ([]Batch, error) {
	batches, err := s.repo.ListActive(ctx)
	return s.filterLive(ctx, batches, err)
}

// ListActiveByProducts returns active batches limited to a product set.
func (s *Service) ListActiveByProducts(ctx context.Context, productIDs []int64) ([]Batch, error) {
	batches, err := s.repo.ListActiveByProducts(ctx, productIDs)
	return s.filterLive(ctx, batches, err)
}

// ListActiveExpiringWithin returns active batches whose expiry date lies in
// [from, to] inclusive.
func (s *Service) ListActiveExpiringWithin(ctx context.Context, from, to time.Time) ([]Batch, error) {
	batches, err := s.repo.ListActiveExpiringWithin(ctx, from, to)
	return s.filterLive(ctx, batches, err)
}

// SweepExpired recomputes the expired status for every lapsed batch in one
// idempotent pass, so reporting queries that never touch individual batches
// still see accurate status. Returns the number of batches flipped.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	flipped, err := s.repo.SweepExpired(ctx, s.clock())
	if err != nil {
		return 0, err
	}
	if flipped > 0 {
		s.logger.Info("expired batches swept", slog.Int64("count", flipped))
	}
	return flipped, nil
}

// filterLive drops batches whose expiry lapsed since the listing query ran,
// persisting each flip through the regular locked path.
func (s *Service) filterLive(ctx context.Context, batches []Batch, listErr error) ([]Batch, error) {
	if listErr != nil {
		return nil, listErr
	}
	now := s.clock()
	live := batches[:0]
	for _, b := range batches {
		if b.IsExpired(now) {
			if _, err := s.Get(ctx, b.ID); err != nil {
				s.logger.Warn("lazy expiry flip failed", slog.Int64("batch_id", b.ID), slog.Any("error", err))
			}
			continue
		}
		live = append(live, b)
	}
	return live, nil
}

func (s *Service) withConflictRetry(ctx context.Context, fn func(context.Context) error) error {
	return shared.RetryOnConflict(ctx, shared.ConflictRetryAttempts, fn)
}

func (s *Service) recordAudit(ctx context.Context, actor, action string, b Batch, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if actor == "" {
		actor = shared.ActorFromContext(ctx)
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "batch",
		EntityID: fmt.Sprintf("%d", b.ID),
		Meta:     meta,
	})
}
