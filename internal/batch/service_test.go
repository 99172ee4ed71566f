package batch

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fresco-retail/fresco/internal/shared"
)

type memoryRepo struct {
	batches   map[int64]Batch
	movements []Movement
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{batches: make(map[int64]Batch)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetBatch(ctx context.Context, id int64) (Batch, error) {
	b, ok := r.batches[id]
	if !ok {
		return Batch{}, shared.ErrNotFound
	}
	return b, nil
}

func (r *memoryRepo) activeSorted(keep func(Batch) bool) []Batch {
	var out []Batch
	for _, b := range r.batches {
		if b.Status == StatusActive && keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memoryRepo) ListActive(ctx context.Context) ([]Batch, error) {
	return r.activeSorted(func(Batch) bool { return true }), nil
}

func (r *memoryRepo) ListActiveByProduct(ctx context.Context, productID int64) ([]Batch, error) {
	return r.activeSorted(func(b Batch) bool { return b.ProductID == productID }), nil
}

func (r *memoryRepo) ListActiveByProducts(ctx context.Context, productIDs []int64) ([]Batch, error) {
	set := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		set[id] = true
	}
	return r.activeSorted(func(b Batch) bool { return set[b.ProductID] }), nil
}

func (r *memoryRepo) ListActiveExpiringWithin(ctx context.Context, from, to time.Time) ([]Batch, error) {
	return r.activeSorted(func(b Batch) bool {
		d := dateOf(b.ExpiryDate)
		return !d.Before(dateOf(from)) && !d.After(dateOf(to))
	}), nil
}

func (r *memoryRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	var flipped int64
	for id, b := range r.batches {
		if b.Status != StatusExpired && dateOf(b.ExpiryDate).Before(dateOf(now)) {
			b.Status = StatusExpired
			b.Version++
			r.batches[id] = b
			flipped++
		}
	}
	return flipped, nil
}

func (tx *memoryTx) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	tx.repo.nextID++
	b.ID = tx.repo.nextID
	b.Version = 1
	tx.repo.batches[b.ID] = b
	return b, nil
}

func (tx *memoryTx) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	b, ok := tx.repo.batches[id]
	if !ok {
		return Batch{}, shared.ErrNotFound
	}
	return b, nil
}

func (tx *memoryTx) ListActiveForUpdate(ctx context.Context, productID int64) ([]Batch, error) {
	return tx.repo.ListActiveByProduct(ctx, productID)
}

func (tx *memoryTx) UpdateBatch(ctx context.Context, b Batch) (Batch, error) {
	stored, ok := tx.repo.batches[b.ID]
	if !ok {
		return Batch{}, shared.ErrNotFound
	}
	if stored.Version != b.Version {
		return Batch{}, shared.ErrConcurrentUpdate
	}
	b.Version++
	tx.repo.batches[b.ID] = b
	return b, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) error {
	tx.repo.movements = append(tx.repo.movements, m)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func day(offset int) time.Time {
	return testNow.AddDate(0, 0, offset)
}

func TestCreateValidatesInput(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 0, ManufactureDate: day(-1), ExpiryDate: day(5)})
	require.True(t, shared.IsInvalidState(err))

	_, err = svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 10, ManufactureDate: day(5), ExpiryDate: day(5)})
	require.True(t, shared.IsInvalidState(err))

	_, err = svc.Create(ctx, CreateInput{Quantity: 10, ManufactureDate: day(-1), ExpiryDate: day(5)})
	require.True(t, shared.IsInvalidState(err))
}

func TestCreateRecordsReceipt(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))

	b, err := svc.Create(context.Background(), CreateInput{
		ProductID: 7, Quantity: 40, ManufactureDate: day(-1), ExpiryDate: day(5),
		RefModule: "receiving", RefID: "GRN-1", Actor: "alice",
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, b.Status)
	require.EqualValues(t, 40, b.Quantity)
	require.Nil(t, b.Discount)

	require.Len(t, repo.movements, 1)
	require.Equal(t, MovementReceipt, repo.movements[0].Type)
	require.EqualValues(t, 40, repo.movements[0].Qty)
	require.Equal(t, "GRN-1", repo.movements[0].RefID)
}

func TestActiveBatchesFEFOOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	// Inserted out of expiry order on purpose.
	late, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 5, ManufactureDate: day(-1), ExpiryDate: day(10)})
	require.NoError(t, err)
	early, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 3, ManufactureDate: day(-1), ExpiryDate: day(5)})
	require.NoError(t, err)

	batches, err := svc.ActiveBatches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, early.ID, batches[0].ID)
	require.Equal(t, late.ID, batches[1].ID)
}

func TestAdjustQuantitySoldOutAndRevive(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 4, ManufactureDate: day(-1), ExpiryDate: day(5)})
	require.NoError(t, err)

	b, err = svc.AdjustQuantity(ctx, AdjustInput{BatchID: b.ID, Delta: -4, Type: MovementSale})
	require.NoError(t, err)
	require.EqualValues(t, 0, b.Quantity)
	require.Equal(t, StatusSoldOut, b.Status)

	// A reversal onto a sold-out batch brings it back.
	b, err = svc.AdjustQuantity(ctx, AdjustInput{BatchID: b.ID, Delta: 2, Type: MovementReversal})
	require.NoError(t, err)
	require.EqualValues(t, 2, b.Quantity)
	require.Equal(t, StatusActive, b.Status)
}

func TestAdjustQuantityInsufficientStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 3, ManufactureDate: day(-1), ExpiryDate: day(5)})
	require.NoError(t, err)

	_, err = svc.AdjustQuantity(ctx, AdjustInput{BatchID: b.ID, Delta: -5, Type: MovementSale})
	require.True(t, shared.IsInsufficientStock(err))

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, got.Quantity)
	require.Equal(t, StatusActive, got.Status)
}

func TestAdjustQuantityUnknownBatch(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, fixedClock(testNow))
	_, err := svc.AdjustQuantity(context.Background(), AdjustInput{BatchID: 99, Delta: -1})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestLazyExpiryFlipOnRead(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 5, ManufactureDate: day(-10), ExpiryDate: day(-1)})
	require.NoError(t, err)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.EqualValues(t, 5, got.Quantity)

	// Persisted, not just computed on read.
	require.Equal(t, StatusExpired, repo.batches[b.ID].Status)
}

func TestBatchExpiringTodayStillSellable(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 5, ManufactureDate: day(-3), ExpiryDate: day(0)})
	require.NoError(t, err)

	got, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	batches, err := svc.ActiveBatches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, b.ID, batches[0].ID)
}

func TestSweepExpiredIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 5, ManufactureDate: day(-10), ExpiryDate: day(-2)})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{ProductID: 2, Quantity: 8, ManufactureDate: day(-10), ExpiryDate: day(-1)})
	require.NoError(t, err)
	fresh, err := svc.Create(ctx, CreateInput{ProductID: 3, Quantity: 2, ManufactureDate: day(-1), ExpiryDate: day(4)})
	require.NoError(t, err)

	flipped, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, flipped)

	flipped, err = svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, flipped)

	require.Equal(t, StatusActive, repo.batches[fresh.ID].Status)
}

func TestSetDiscountValidatesAndClears(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 5, ManufactureDate: day(-1), ExpiryDate: day(5)})
	require.NoError(t, err)

	_, err = svc.SetDiscount(ctx, b.ID, &Discount{
		Type: DiscountPercentage, Value: 120, StartDate: testNow, EndDate: day(3), Reason: ReasonManual,
	}, "alice")
	require.True(t, shared.IsInvalidState(err))

	b, err = svc.SetDiscount(ctx, b.ID, &Discount{
		Type: DiscountPercentage, Value: 25, StartDate: testNow, EndDate: day(3), Reason: ReasonManual,
	}, "alice")
	require.NoError(t, err)
	require.NotNil(t, b.Discount)
	require.InDelta(t, 75.0, b.EffectivePrice(100, testNow), 0.0001)

	b, err = svc.SetDiscount(ctx, b.ID, nil, "alice")
	require.NoError(t, err)
	require.Nil(t, b.Discount)
	require.InDelta(t, 100.0, b.EffectivePrice(100, testNow), 0.0001)
}

func TestSetActiveLifecycle(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, fixedClock(testNow))
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 5, ManufactureDate: day(-1), ExpiryDate: day(5)})
	require.NoError(t, err)

	b, err = svc.SetActive(ctx, b.ID, false, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusInactive, b.Status)

	batches, err := svc.ActiveBatches(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, batches)

	b, err = svc.SetActive(ctx, b.ID, true, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusActive, b.Status)

	expired, err := svc.Create(ctx, CreateInput{ProductID: 1, Quantity: 5, ManufactureDate: day(-10), ExpiryDate: day(-1)})
	require.NoError(t, err)
	_, err = svc.SetActive(ctx, expired.ID, true, "alice")
	require.True(t, shared.IsInvalidState(err))
}

func TestFixedAmountDiscountFloorsAtZero(t *testing.T) {
	b := Batch{Discount: &Discount{
		Type: DiscountFixedAmount, Value: 150, StartDate: day(-1), EndDate: day(1), Reason: ReasonManual,
	}}
	require.InDelta(t, 0.0, b.EffectivePrice(100, testNow), 0.0001)
	require.InDelta(t, 50.0, b.EffectivePrice(200, testNow), 0.0001)
}

func TestDiscountOutsideWindowIgnored(t *testing.T) {
	b := Batch{Discount: &Discount{
		Type: DiscountPercentage, Value: 50, StartDate: day(1), EndDate: day(3), Reason: ReasonCampaign,
	}}
	require.InDelta(t, 100.0, b.EffectivePrice(100, testNow), 0.0001)
}
