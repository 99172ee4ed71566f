// Package campaign implements the discount campaign evaluator: targeting,
// matching, and conflict resolution when multiple campaigns could mark down
// the same batch.
package campaign

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/catalog"
	"github.com/fresco-retail/fresco/internal/pricing"
	"github.com/fresco-retail/fresco/internal/shared"
)

// ErrApplyInProgress signals another evaluator pass currently holds the
// campaign's lock. Transient; callers retry later.
var ErrApplyInProgress = errors.New("campaign apply already in progress")

// LedgerPort is the slice of the batch ledger the evaluator needs.
type LedgerPort interface {
	ListActive(ctx context.Context) ([]batch.Batch, error)
	ListActiveByProducts(ctx context.Context, productIDs []int64) ([]batch.Batch, error)
	ListActiveExpiringWithin(ctx context.Context, from, to time.Time) ([]batch.Batch, error)
	SetDiscount(ctx context.Context, batchID int64, discount *batch.Discount, actor string) (batch.Batch, error)
}

// CatalogPort resolves products for category targeting and base prices.
type CatalogPort interface {
	GetProducts(ctx context.Context, ids []int64) (map[int64]catalog.Product, error)
	ProductIDsByCategories(ctx context.Context, categoryIDs []int64) ([]int64, error)
}

// RecorderPort is the price change sink.
type RecorderPort interface {
	RecordChange(ctx context.Context, input pricing.ChangeInput) (*pricing.Record, error)
}

// Service persists campaigns and runs evaluator passes.
type Service struct {
	repo     RepositoryPort
	ledger   LedgerPort
	catalog  CatalogPort
	recorder RecorderPort
	locker   LockerPort
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService builds Service. clock may be nil, defaulting to time.Now.
func NewService(repo RepositoryPort, ledger LedgerPort, cat CatalogPort, recorder RecorderPort, locker LockerPort, logger *slog.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, catalog: cat, recorder: recorder, locker: locker, logger: logger, clock: clock}
}

// Save validates and persists a new campaign. Persist-only: applying is the
// caller's explicit second step, keeping the side effect visible and
// independently retryable.
func (s *Service) Save(ctx context.Context, c Campaign) (Campaign, error) {
	if err := c.Validate(); err != nil {
		return Campaign{}, err
	}
	return s.repo.Insert(ctx, c)
}

// Update validates and persists campaign edits.
func (s *Service) Update(ctx context.Context, c Campaign) (Campaign, error) {
	if err := c.Validate(); err != nil {
		return Campaign{}, err
	}
	return s.repo.Update(ctx, c)
}

// Get loads one campaign.
func (s *Service) Get(ctx context.Context, id int64) (Campaign, error) {
	return s.repo.GetByID(ctx, id)
}

// ListDueAutoApply returns the campaigns a scheduler tick should re-apply.
func (s *Service) ListDueAutoApply(ctx context.Context) ([]Campaign, error) {
	return s.repo.ListDueAutoApply(ctx, s.clock())
}

// Apply runs one evaluator pass: resolve the target batch set, then decide
// per batch whether to apply, skip, or override against any existing
// discount. Each batch update is atomic individually; a failure on one batch
// is logged and skipped so one bad batch cannot block markdowns on the rest.
func (s *Service) Apply(ctx context.Context, campaignID int64) (ApplyReport, error) {
	c, err := s.repo.GetByID(ctx, campaignID)
	if err != nil {
		return ApplyReport{}, err
	}
	return s.ApplyCampaign(ctx, c)
}

// ApplyCampaign is Apply for an already-loaded campaign.
func (s *Service) ApplyCampaign(ctx context.Context, c Campaign) (ApplyReport, error) {
	report := ApplyReport{CampaignID: c.ID}
	if !c.Active {
		return report, shared.Invalid("campaign %d is not active", c.ID)
	}
	now := s.clock()
	if !c.InWindow(now) {
		return report, shared.Invalid("campaign %d is outside its active window", c.ID)
	}
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, c.ID)
		if err != nil {
			return report, err
		}
		if !ok {
			return report, ErrApplyInProgress
		}
		defer func() {
			if err := s.locker.Release(ctx, c.ID); err != nil {
				s.logger.Warn("release apply lock", slog.Int64("campaign_id", c.ID), slog.Any("error", err))
			}
		}()
	}

	targets, err := s.resolveTargets(ctx, c, now)
	if err != nil {
		return report, err
	}
	report.Matched = len(targets)
	if len(targets) == 0 {
		return report, nil
	}

	products, err := s.productsFor(ctx, targets)
	if err != nil {
		return report, err
	}

	for _, b := range targets {
		if !c.ShouldOverride(b.Discount) {
			report.Skipped++
			continue
		}
		product, ok := products[b.ProductID]
		if !ok {
			report.Failed++
			s.logger.Warn("campaign target has no catalog product",
				slog.Int64("campaign_id", c.ID), slog.Int64("batch_id", b.ID), slog.Int64("product_id", b.ProductID))
			continue
		}
		oldPrice := b.EffectivePrice(product.SalePrice, now)
		updated, err := s.applyToBatch(ctx, c, b.ID)
		if err != nil {
			report.Failed++
			s.logger.Warn("campaign batch update failed",
				slog.Int64("campaign_id", c.ID), slog.Int64("batch_id", b.ID), slog.Any("error", err))
			continue
		}
		report.Applied++
		newPrice := updated.EffectivePrice(product.SalePrice, now)
		if _, err := s.recorder.RecordChange(ctx, pricing.ChangeInput{
			ProductID: product.ID,
			Unit:      product.Unit,
			OldPrice:  oldPrice,
			NewPrice:  newPrice,
			Actor:     c.CreatedBy,
			At:        now,
		}); err != nil {
			s.logger.Warn("record price change",
				slog.Int64("campaign_id", c.ID), slog.Int64("batch_id", b.ID), slog.Any("error", err))
		}
	}
	s.logger.Info("campaign pass finished",
		slog.Int64("campaign_id", c.ID),
		slog.Int("matched", report.Matched),
		slog.Int("applied", report.Applied),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	return report, nil
}

// applyToBatch stamps the campaign discount on one batch with a bounded
// conflict retry around the ledger's atomic update.
func (s *Service) applyToBatch(ctx context.Context, c Campaign, batchID int64) (batch.Batch, error) {
	var updated batch.Batch
	err := shared.RetryOnConflict(ctx, shared.ConflictRetryAttempts, func(ctx context.Context) error {
		var err error
		updated, err = s.ledger.SetDiscount(ctx, batchID, c.Discount(), c.CreatedBy)
		return err
	})
	return updated, err
}

func (s *Service) resolveTargets(ctx context.Context, c Campaign, now time.Time) ([]batch.Batch, error) {
	switch c.TargetType {
	case TargetAllProducts:
		return s.ledger.ListActive(ctx)
	case TargetSpecificProducts:
		if len(c.ProductIDs) == 0 {
			return nil, nil
		}
		return s.ledger.ListActiveByProducts(ctx, c.ProductIDs)
	case TargetSpecificCategories:
		productIDs, err := s.catalog.ProductIDsByCategories(ctx, c.CategoryIDs)
		if err != nil {
			return nil, err
		}
		if len(productIDs) == 0 {
			return nil, nil
		}
		return s.ledger.ListActiveByProducts(ctx, productIDs)
	case TargetNearExpiry:
		// Both bounds inclusive: a batch expiring today is near-expiry too.
		to := now.AddDate(0, 0, c.DaysBeforeExpiry)
		return s.ledger.ListActiveExpiringWithin(ctx, now, to)
	}
	return nil, shared.Invalid("unknown target type %q", c.TargetType)
}

func (s *Service) productsFor(ctx context.Context, batches []batch.Batch) (map[int64]catalog.Product, error) {
	seen := make(map[int64]struct{}, len(batches))
	ids := make([]int64, 0, len(batches))
	for _, b := range batches {
		if _, ok := seen[b.ProductID]; ok {
			continue
		}
		seen[b.ProductID] = struct{}{}
		ids = append(ids, b.ProductID)
	}
	return s.catalog.GetProducts(ctx, ids)
}
