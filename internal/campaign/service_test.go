package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/catalog"
	"github.com/fresco-retail/fresco/internal/pricing"
	"github.com/fresco-retail/fresco/internal/shared"
)

type fakeRepo struct {
	campaigns map[int64]Campaign
	nextID    int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{campaigns: make(map[int64]Campaign)}
}

func (r *fakeRepo) Insert(ctx context.Context, c Campaign) (Campaign, error) {
	r.nextID++
	c.ID = r.nextID
	r.campaigns[c.ID] = c
	return c, nil
}

func (r *fakeRepo) Update(ctx context.Context, c Campaign) (Campaign, error) {
	if _, ok := r.campaigns[c.ID]; !ok {
		return Campaign{}, shared.ErrNotFound
	}
	r.campaigns[c.ID] = c
	return c, nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id int64) (Campaign, error) {
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, shared.ErrNotFound
	}
	return c, nil
}

func (r *fakeRepo) ListDueAutoApply(ctx context.Context, now time.Time) ([]Campaign, error) {
	var due []Campaign
	for _, c := range r.campaigns {
		if c.Active && c.AutoApply && !now.Before(c.StartDate) && now.Before(c.EndDate) {
			due = append(due, c)
		}
	}
	return due, nil
}

type fakeLedger struct {
	batches     map[int64]*batch.Batch
	discountErr map[int64]error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{batches: make(map[int64]*batch.Batch), discountErr: make(map[int64]error)}
}

func (l *fakeLedger) add(b batch.Batch) *batch.Batch {
	stored := b
	l.batches[b.ID] = &stored
	return &stored
}

func (l *fakeLedger) active() []batch.Batch {
	var out []batch.Batch
	for _, b := range l.batches {
		if b.Status == batch.StatusActive {
			out = append(out, *b)
		}
	}
	return out
}

func (l *fakeLedger) ListActive(ctx context.Context) ([]batch.Batch, error) {
	return l.active(), nil
}

func (l *fakeLedger) ListActiveByProducts(ctx context.Context, productIDs []int64) ([]batch.Batch, error) {
	set := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		set[id] = true
	}
	var out []batch.Batch
	for _, b := range l.active() {
		if set[b.ProductID] {
			out = append(out, b)
		}
	}
	return out, nil
}

func (l *fakeLedger) ListActiveExpiringWithin(ctx context.Context, from, to time.Time) ([]batch.Batch, error) {
	trunc := func(t time.Time) time.Time {
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	var out []batch.Batch
	for _, b := range l.active() {
		d := trunc(b.ExpiryDate)
		if !d.Before(trunc(from)) && !d.After(trunc(to)) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (l *fakeLedger) SetDiscount(ctx context.Context, batchID int64, discount *batch.Discount, actor string) (batch.Batch, error) {
	if err := l.discountErr[batchID]; err != nil {
		return batch.Batch{}, err
	}
	b, ok := l.batches[batchID]
	if !ok {
		return batch.Batch{}, shared.ErrNotFound
	}
	b.Discount = discount
	return *b, nil
}

type fakeCatalog struct {
	products   map[int64]catalog.Product
	categories map[int64][]int64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: make(map[int64]catalog.Product), categories: make(map[int64][]int64)}
}

func (c *fakeCatalog) GetProducts(ctx context.Context, ids []int64) (map[int64]catalog.Product, error) {
	out := make(map[int64]catalog.Product, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (c *fakeCatalog) ProductIDsByCategories(ctx context.Context, categoryIDs []int64) ([]int64, error) {
	var out []int64
	for _, catID := range categoryIDs {
		out = append(out, c.categories[catID]...)
	}
	return out, nil
}

type fakeRecorder struct {
	changes []pricing.ChangeInput
}

func (r *fakeRecorder) RecordChange(ctx context.Context, input pricing.ChangeInput) (*pricing.Record, error) {
	r.changes = append(r.changes, input)
	return &pricing.Record{ProductID: input.ProductID}, nil
}

type fakeLocker struct {
	held     map[int64]bool
	acquires int
	releases int
}

func (l *fakeLocker) Acquire(ctx context.Context, campaignID int64) (bool, error) {
	l.acquires++
	if l.held == nil {
		l.held = make(map[int64]bool)
	}
	if l.held[campaignID] {
		return false, nil
	}
	l.held[campaignID] = true
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context, campaignID int64) error {
	l.releases++
	delete(l.held, campaignID)
	return nil
}

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func day(offset int) time.Time {
	return testNow.AddDate(0, 0, offset)
}

func fixedClock() func() time.Time {
	return func() time.Time { return testNow }
}

type fixture struct {
	repo     *fakeRepo
	ledger   *fakeLedger
	catalog  *fakeCatalog
	recorder *fakeRecorder
	locker   *fakeLocker
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newFakeRepo(),
		ledger:   newFakeLedger(),
		catalog:  newFakeCatalog(),
		recorder: &fakeRecorder{},
		locker:   &fakeLocker{},
	}
	f.svc = NewService(f.repo, f.ledger, f.catalog, f.recorder, f.locker, nil, fixedClock())
	return f
}

func (f *fixture) addProduct(id int64, price float64) {
	f.catalog.products[id] = catalog.Product{ID: id, Unit: "pcs", SalePrice: price}
}

func percentageCampaign(value float64) Campaign {
	return Campaign{
		Name:          "flash sale",
		DiscountType:  batch.DiscountPercentage,
		DiscountValue: value,
		StartDate:     day(-1),
		EndDate:       day(7),
		TargetType:    TargetAllProducts,
		Active:        true,
		CreatedBy:     "merch",
	}
}

func activeBatch(id, productID int64, expiryOffset int, discount *batch.Discount) batch.Batch {
	return batch.Batch{
		ID:         id,
		ProductID:  productID,
		Quantity:   10,
		ExpiryDate: day(expiryOffset),
		Status:     batch.StatusActive,
		Discount:   discount,
	}
}

func TestApplyStampsUndiscountedBatch(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	f.ledger.add(activeBatch(10, 1, 5, nil))

	report, err := f.svc.ApplyCampaign(context.Background(), percentageCampaign(30))
	require.NoError(t, err)
	require.Equal(t, 1, report.Matched)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 0, report.Skipped)

	d := f.ledger.batches[10].Discount
	require.NotNil(t, d)
	require.Equal(t, batch.DiscountPercentage, d.Type)
	require.InDelta(t, 30, d.Value, 0.0001)
	require.Equal(t, batch.ReasonCampaign, d.Reason)

	require.Len(t, f.recorder.changes, 1)
	require.InDelta(t, 100, f.recorder.changes[0].OldPrice, 0.0001)
	require.InDelta(t, 70, f.recorder.changes[0].NewPrice, 0.0001)
}

func TestApplyOverridesSmallerPercentage(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	existing := &batch.Discount{Type: batch.DiscountPercentage, Value: 20, StartDate: day(-2), EndDate: day(5), Reason: batch.ReasonCampaign}
	f.ledger.add(activeBatch(10, 1, 5, existing))

	report, err := f.svc.ApplyCampaign(context.Background(), percentageCampaign(30))
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.InDelta(t, 30, f.ledger.batches[10].Discount.Value, 0.0001)

	// Old effective price reflects the replaced 20% markdown.
	require.Len(t, f.recorder.changes, 1)
	require.InDelta(t, 80, f.recorder.changes[0].OldPrice, 0.0001)
	require.InDelta(t, 70, f.recorder.changes[0].NewPrice, 0.0001)
}

func TestApplyNeverWeakensExistingPercentage(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	existing := &batch.Discount{Type: batch.DiscountPercentage, Value: 20, StartDate: day(-2), EndDate: day(5), Reason: batch.ReasonManual}
	f.ledger.add(activeBatch(10, 1, 5, existing))

	report, err := f.svc.ApplyCampaign(context.Background(), percentageCampaign(10))
	require.NoError(t, err)
	require.Equal(t, 0, report.Applied)
	require.Equal(t, 1, report.Skipped)
	require.InDelta(t, 20, f.ledger.batches[10].Discount.Value, 0.0001)
	require.Empty(t, f.recorder.changes)

	// Equal percentages do not churn the discount either.
	report, err = f.svc.ApplyCampaign(context.Background(), percentageCampaign(20))
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
}

func TestApplyNeverOverridesFixedAmount(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	existing := &batch.Discount{Type: batch.DiscountFixedAmount, Value: 5, StartDate: day(-2), EndDate: day(5), Reason: batch.ReasonManual}
	f.ledger.add(activeBatch(10, 1, 5, existing))

	report, err := f.svc.ApplyCampaign(context.Background(), percentageCampaign(90))
	require.NoError(t, err)
	require.Equal(t, 0, report.Applied)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, batch.DiscountFixedAmount, f.ledger.batches[10].Discount.Type)
}

func TestNearExpiryWindowInclusive(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	f.ledger.add(activeBatch(10, 1, 0, nil)) // expires today
	f.ledger.add(activeBatch(11, 1, 7, nil)) // boundary day
	f.ledger.add(activeBatch(12, 1, 8, nil)) // outside

	c := percentageCampaign(25)
	c.TargetType = TargetNearExpiry
	c.DaysBeforeExpiry = 7

	report, err := f.svc.ApplyCampaign(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 2, report.Matched)
	require.Equal(t, 2, report.Applied)
	require.NotNil(t, f.ledger.batches[10].Discount)
	require.NotNil(t, f.ledger.batches[11].Discount)
	require.Nil(t, f.ledger.batches[12].Discount)
}

func TestApplyTargetsSpecificProducts(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	f.addProduct(2, 50)
	f.ledger.add(activeBatch(10, 1, 5, nil))
	f.ledger.add(activeBatch(11, 2, 5, nil))

	c := percentageCampaign(15)
	c.TargetType = TargetSpecificProducts
	c.ProductIDs = []int64{2}

	report, err := f.svc.ApplyCampaign(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 1, report.Matched)
	require.Nil(t, f.ledger.batches[10].Discount)
	require.NotNil(t, f.ledger.batches[11].Discount)
}

func TestApplyTargetsCategories(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	f.addProduct(2, 50)
	f.catalog.categories[4] = []int64{2}
	f.ledger.add(activeBatch(10, 1, 5, nil))
	f.ledger.add(activeBatch(11, 2, 5, nil))

	c := percentageCampaign(15)
	c.TargetType = TargetSpecificCategories
	c.CategoryIDs = []int64{4}

	report, err := f.svc.ApplyCampaign(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 1, report.Matched)
	require.NotNil(t, f.ledger.batches[11].Discount)
}

func TestApplyRejectsInactiveOrOutOfWindow(t *testing.T) {
	f := newFixture(t)

	c := percentageCampaign(10)
	c.Active = false
	_, err := f.svc.ApplyCampaign(context.Background(), c)
	require.True(t, shared.IsInvalidState(err))

	c = percentageCampaign(10)
	c.StartDate = day(1)
	c.EndDate = day(5)
	_, err = f.svc.ApplyCampaign(context.Background(), c)
	require.True(t, shared.IsInvalidState(err))
}

func TestApplyContinuesPastFailedBatches(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	f.ledger.add(activeBatch(10, 1, 5, nil))
	f.ledger.add(activeBatch(11, 1, 5, nil))
	f.ledger.add(activeBatch(12, 9, 5, nil)) // product 9 missing from catalog
	f.ledger.discountErr[11] = errors.New("storage down")

	report, err := f.svc.ApplyCampaign(context.Background(), percentageCampaign(30))
	require.NoError(t, err)
	require.Equal(t, 3, report.Matched)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, 2, report.Failed)
	require.NotNil(t, f.ledger.batches[10].Discount)
}

func TestApplyLockSerialisesPasses(t *testing.T) {
	f := newFixture(t)
	f.addProduct(1, 100)
	f.ledger.add(activeBatch(10, 1, 5, nil))

	c := percentageCampaign(30)
	c.ID = 42
	f.locker.held = map[int64]bool{42: true}

	_, err := f.svc.ApplyCampaign(context.Background(), c)
	require.ErrorIs(t, err, ErrApplyInProgress)

	delete(f.locker.held, 42)
	_, err = f.svc.ApplyCampaign(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 2, f.locker.acquires)
	require.Equal(t, 1, f.locker.releases)
}

func TestSaveValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := percentageCampaign(30)
	saved, err := f.svc.Save(ctx, c)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	c.Name = ""
	_, err = f.svc.Save(ctx, c)
	require.True(t, shared.IsInvalidState(err))

	c = percentageCampaign(120)
	_, err = f.svc.Save(ctx, c)
	require.True(t, shared.IsInvalidState(err))

	c = percentageCampaign(30)
	c.EndDate = c.StartDate
	_, err = f.svc.Save(ctx, c)
	require.True(t, shared.IsInvalidState(err))

	c = percentageCampaign(30)
	c.TargetType = TargetNearExpiry
	_, err = f.svc.Save(ctx, c)
	require.True(t, shared.IsInvalidState(err))

	c = percentageCampaign(30)
	c.TargetType = TargetSpecificProducts
	_, err = f.svc.Save(ctx, c)
	require.True(t, shared.IsInvalidState(err))

	min, max := 10.0, 20.0
	c = percentageCampaign(30)
	c.MinPercent = &min
	c.MaxPercent = &max
	_, err = f.svc.Save(ctx, c)
	require.True(t, shared.IsInvalidState(err))
}

func TestListDueAutoApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due := percentageCampaign(10)
	due.AutoApply = true
	_, err := f.svc.Save(ctx, due)
	require.NoError(t, err)

	manual := percentageCampaign(10)
	_, err = f.svc.Save(ctx, manual)
	require.NoError(t, err)

	lapsed := percentageCampaign(10)
	lapsed.AutoApply = true
	lapsed.StartDate = day(-10)
	lapsed.EndDate = day(-5)
	_, err = f.svc.Save(ctx, lapsed)
	require.NoError(t, err)

	got, err := f.svc.ListDueAutoApply(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].AutoApply)
}
