package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	ids []int64
	err error
}

func (e *fakeEnqueuer) EnqueueCampaignReapply(ctx context.Context, campaignID int64) (*asynq.TaskInfo, error) {
	e.ids = append(e.ids, campaignID)
	return nil, e.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandlerFixture(t *testing.T) (*fixture, *fakeEnqueuer, *chi.Mux) {
	t.Helper()
	f := newFixture(t)
	enq := &fakeEnqueuer{}
	h := NewHandler(testLogger(), f.svc, enq)
	router := chi.NewRouter()
	h.MountRoutes(router)
	return f, enq, router
}

func postCampaign(t *testing.T, router http.Handler, autoApply bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"name":           "clearance",
		"discount_type":  "percentage",
		"discount_value": 30,
		"start_date":     day(-1).Format(time.RFC3339),
		"end_date":       day(7).Format(time.RFC3339),
		"target_type":    "all_products",
		"active":         true,
		"auto_apply":     autoApply,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAppliesInline(t *testing.T) {
	f, enq, router := newHandlerFixture(t)
	f.addProduct(1, 100)
	f.ledger.add(activeBatch(10, 1, 5, nil))

	rec := postCampaign(t, router, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp campaignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Applied)
	require.Equal(t, 1, resp.Applied.Applied)
	require.Empty(t, enq.ids)
}

func TestCreateDefersApplyToQueueWhenLocked(t *testing.T) {
	f, enq, router := newHandlerFixture(t)
	f.addProduct(1, 100)
	f.ledger.add(activeBatch(10, 1, 5, nil))

	// The saved campaign gets id 1; a scheduler pass already holds its lock.
	f.locker.held = map[int64]bool{1: true}

	rec := postCampaign(t, router, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp campaignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Applied)
	require.Equal(t, []int64{1}, enq.ids)
	require.Nil(t, f.ledger.batches[10].Discount)
}

func TestCreateWithoutAutoApplyNeverEnqueues(t *testing.T) {
	f, enq, router := newHandlerFixture(t)
	f.addProduct(1, 100)
	f.ledger.add(activeBatch(10, 1, 5, nil))

	rec := postCampaign(t, router, false)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp campaignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Applied)
	require.Empty(t, enq.ids)
	require.Nil(t, f.ledger.batches[10].Discount)
}
