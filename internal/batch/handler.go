package batch

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/fresco-retail/fresco/internal/platform/httpx"
	"github.com/fresco-retail/fresco/internal/shared"
)

// SweepEnqueuer hands an expiry sweep to the worker queue.
type SweepEnqueuer interface {
	EnqueueExpirySweep(ctx context.Context, at time.Time) (*asynq.TaskInfo, error)
}

// Handler wires HTTP endpoints for the batch ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	sweeper  SweepEnqueuer
	validate *validator.Validate
}

// NewHandler constructs the batch handler. sweeper may be nil; without it the
// sweep endpoint runs the pass inline.
func NewHandler(logger *slog.Logger, service *Service, sweeper SweepEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, sweeper: sweeper, validate: validator.New()}
}

// MountRoutes registers batch routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Post("/sweep", h.handleSweep)
	r.Get("/{batchID}", h.handleGet)
	r.Get("/product/{productID}", h.handleActiveByProduct)
	r.Put("/{batchID}/discount", h.handleSetDiscount)
	r.Delete("/{batchID}/discount", h.handleClearDiscount)
	r.Post("/{batchID}/deactivate", h.handleSetActive(false))
	r.Post("/{batchID}/reactivate", h.handleSetActive(true))
}

type createBatchRequest struct {
	ProductID       int64  `json:"product_id" validate:"required,gt=0"`
	Quantity        int64  `json:"quantity" validate:"required,gt=0"`
	ManufactureDate string `json:"manufacture_date" validate:"required"`
	ExpiryDate      string `json:"expiry_date" validate:"required"`
	RefModule       string `json:"ref_module"`
	RefID           string `json:"ref_id"`
}

type discountResponse struct {
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Reason    string    `json:"reason"`
}

type batchResponse struct {
	ID              int64             `json:"id"`
	ProductID       int64             `json:"product_id"`
	Quantity        int64             `json:"quantity"`
	ManufactureDate string            `json:"manufacture_date"`
	ExpiryDate      string            `json:"expiry_date"`
	Status          string            `json:"status"`
	Discount        *discountResponse `json:"discount,omitempty"`
}

func toBatchResponse(b Batch) batchResponse {
	resp := batchResponse{
		ID:              b.ID,
		ProductID:       b.ProductID,
		Quantity:        b.Quantity,
		ManufactureDate: b.ManufactureDate.Format("2006-01-02"),
		ExpiryDate:      b.ExpiryDate.Format("2006-01-02"),
		Status:          string(b.Status),
	}
	if b.Discount != nil {
		resp.Discount = &discountResponse{
			Type:      string(b.Discount.Type),
			Value:     b.Discount.Value,
			StartDate: b.Discount.StartDate,
			EndDate:   b.Discount.EndDate,
			Reason:    string(b.Discount.Reason),
		}
	}
	return resp
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	manufacture, err := time.Parse("2006-01-02", req.ManufactureDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid manufacture_date")
		return
	}
	expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid expiry_date")
		return
	}
	created, err := h.service.Create(r.Context(), CreateInput{
		ProductID:       req.ProductID,
		Quantity:        req.Quantity,
		ManufactureDate: manufacture,
		ExpiryDate:      expiry,
		RefModule:       req.RefModule,
		RefID:           req.RefID,
		Actor:           shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Error("create batch failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toBatchResponse(created))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid batch id")
		return
	}
	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchResponse(b))
}

func (h *Handler) handleActiveByProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid product id")
		return
	}
	batches, err := h.service.ActiveBatches(r.Context(), productID)
	if err != nil {
		h.logger.Error("list active batches failed", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		resp = append(resp, toBatchResponse(b))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type setDiscountRequest struct {
	Type      string  `json:"type" validate:"required,oneof=percentage fixed_amount"`
	Value     float64 `json:"value" validate:"gte=0"`
	StartDate string  `json:"start_date" validate:"required"`
	EndDate   string  `json:"end_date" validate:"required"`
}

// handleSetDiscount applies an operator markdown to one batch.
func (h *Handler) handleSetDiscount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid batch id")
		return
	}
	var req setDiscountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid start_date")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid end_date")
		return
	}
	b, err := h.service.SetDiscount(r.Context(), id, &Discount{
		Type:      DiscountType(req.Type),
		Value:     req.Value,
		StartDate: start,
		EndDate:   end,
		Reason:    ReasonManual,
	}, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchResponse(b))
}

func (h *Handler) handleClearDiscount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid batch id")
		return
	}
	b, err := h.service.SetDiscount(r.Context(), id, nil, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchResponse(b))
}

func (h *Handler) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid batch id")
			return
		}
		b, err := h.service.SetActive(r.Context(), id, active, shared.ActorFromContext(r.Context()))
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toBatchResponse(b))
	}
}

// handleSweep triggers the expiry pass. With a queue client wired the sweep
// runs on the worker; otherwise it runs inline and reports the flip count.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper != nil {
		if _, err := h.sweeper.EnqueueExpirySweep(r.Context(), time.Now().UTC()); err != nil {
			h.logger.Error("enqueue expiry sweep failed", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]bool{"enqueued": true})
		return
	}
	flipped, err := h.service.SweepExpired(r.Context())
	if err != nil {
		h.logger.Error("expiry sweep failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"expired": flipped})
}
