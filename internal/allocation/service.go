// Package allocation implements the first-expire-first-out deduction
// allocator: given a product and a quantity to remove it decides exactly
// which batches supply that quantity and performs the ledger mutations as an
// all-or-nothing unit.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/shared"
)

// IdempotencyPort guards against double-posting retried allocation calls.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service coordinates FEFO allocations against the batch ledger.
type Service struct {
	repo        batch.RepositoryPort
	ledger      *batch.Service
	idempotency IdempotencyPort
	logger      *slog.Logger
	clock       func() time.Time
}

// NewService builds Service. clock may be nil, defaulting to time.Now.
func NewService(repo batch.RepositoryPort, ledger *batch.Service, idem IdempotencyPort, logger *slog.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, idempotency: idem, logger: logger, clock: clock}
}

// Allocate selects batches for a product in strict first-expire-first-out
// order (expiry ascending, creation order breaking ties) and decrements them
// until the requested quantity is covered. All-or-nothing: when the sum of
// available active quantity is short, nothing is deducted and the error
// carries the available total. Returns the ordered (batch, quantity) pairs.
func (s *Service) Allocate(ctx context.Context, input AllocateInput) ([]Line, error) {
	if input.ProductID == 0 {
		return nil, shared.Invalid("product required")
	}
	if input.Quantity <= 0 {
		return nil, shared.Invalid("quantity must be positive, got %d", input.Quantity)
	}
	key, err := s.reserveKey(ctx, "alloc", input.RefID)
	if err != nil {
		return nil, err
	}

	var lines []Line
	err = shared.RetryOnConflict(ctx, shared.ConflictRetryAttempts, func(ctx context.Context) error {
		lines = lines[:0]
		return s.repo.WithTx(ctx, func(ctx context.Context, tx batch.TxRepository) error {
			batches, err := tx.ListActiveForUpdate(ctx, input.ProductID)
			if err != nil {
				return err
			}
			now := s.clock()
			live := batches[:0]
			var available int64
			for _, b := range batches {
				if b.RefreshStatus(now) {
					if _, err := tx.UpdateBatch(ctx, b); err != nil {
						return err
					}
					continue
				}
				available += b.Quantity
				live = append(live, b)
			}
			if available < input.Quantity {
				return &shared.InsufficientStockError{Requested: input.Quantity, Available: available}
			}
			remaining := input.Quantity
			for _, b := range live {
				if remaining == 0 {
					break
				}
				take := b.Quantity
				if take > remaining {
					take = remaining
				}
				if err := b.ApplyDelta(-take, now); err != nil {
					return err
				}
				if _, err := tx.UpdateBatch(ctx, b); err != nil {
					return err
				}
				if err := tx.InsertMovement(ctx, batch.Movement{
					BatchID:   b.ID,
					ProductID: b.ProductID,
					Type:      batch.MovementSale,
					Qty:       -take,
					RefModule: input.RefModule,
					RefID:     input.RefID,
					Actor:     input.Actor,
				}); err != nil {
					return err
				}
				lines = append(lines, Line{BatchID: b.ID, Quantity: take, ExpiryDate: b.ExpiryDate})
				remaining -= take
			}
			return nil
		})
	})
	if err != nil {
		s.releaseKey(ctx, key)
		return nil, err
	}
	s.logger.Info("allocation committed",
		slog.Int64("product_id", input.ProductID),
		slog.Int64("quantity", input.Quantity),
		slog.Int("batches", len(lines)))
	return lines, nil
}

// Reverse credits quantity back to the named batch. Returns must restore the
// exact batch they came from, so this never re-runs FEFO selection.
func (s *Service) Reverse(ctx context.Context, input ReverseInput) (batch.Batch, error) {
	if input.Quantity <= 0 {
		return batch.Batch{}, shared.Invalid("quantity must be positive, got %d", input.Quantity)
	}
	key, err := s.reserveKey(ctx, "reverse", input.RefID)
	if err != nil {
		return batch.Batch{}, err
	}
	restored, err := s.ledger.AdjustQuantity(ctx, batch.AdjustInput{
		BatchID:   input.BatchID,
		Delta:     input.Quantity,
		Type:      batch.MovementReversal,
		RefModule: input.RefModule,
		RefID:     input.RefID,
		Actor:     input.Actor,
	})
	if err != nil {
		s.releaseKey(ctx, key)
		return batch.Batch{}, err
	}
	return restored, nil
}

// reserveKey claims the caller's reference as an idempotency key. Empty refs
// skip the guard; malformed refs are rejected before touching stock.
func (s *Service) reserveKey(ctx context.Context, op, refID string) (string, error) {
	if refID == "" {
		return "", nil
	}
	if _, err := uuid.Parse(refID); err != nil {
		return "", shared.Invalid("invalid ref id %q", refID)
	}
	if s.idempotency == nil {
		return "", nil
	}
	key := fmt.Sprintf("%s:%s", op, refID)
	if err := s.idempotency.CheckAndInsert(ctx, key, "allocation"); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Delete(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}
