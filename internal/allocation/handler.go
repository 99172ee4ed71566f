package allocation

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/fresco-retail/fresco/internal/catalog"
	"github.com/fresco-retail/fresco/internal/platform/httpx"
	"github.com/fresco-retail/fresco/internal/shared"
)

// ProductDirectory resolves product details for allocation responses.
type ProductDirectory interface {
	GetProduct(ctx context.Context, id int64) (catalog.Product, error)
}

// Handler wires HTTP endpoints for allocations and reversals.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	products ProductDirectory
	validate *validator.Validate
}

// NewHandler constructs the allocation handler. products may be nil; without
// it responses carry lines only.
func NewHandler(logger *slog.Logger, service *Service, products ProductDirectory) *Handler {
	return &Handler{logger: logger, service: service, products: products, validate: validator.New()}
}

// MountRoutes registers allocation routes. Order processing hammers these, so
// they carry their own rate limit on top of the global one.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	r.Group(func(r chi.Router) {
		r.Use(limiter)
		r.Post("/", h.handleAllocate)
		r.Post("/reverse", h.handleReverse)
	})
}

type allocateRequest struct {
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	RefModule string `json:"ref_module"`
	RefID     string `json:"ref_id" validate:"omitempty,uuid"`
}

type reverseRequest struct {
	BatchID   int64  `json:"batch_id" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
	RefModule string `json:"ref_module"`
	RefID     string `json:"ref_id" validate:"omitempty,uuid"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines, err := h.service.Allocate(r.Context(), AllocateInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		RefModule: req.RefModule,
		RefID:     req.RefID,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		if !shared.IsInsufficientStock(err) {
			h.logger.Error("allocation failed", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	resp := map[string]any{"lines": lines}
	if h.products != nil {
		p, err := h.products.GetProduct(r.Context(), req.ProductID)
		if err != nil {
			h.logger.Warn("resolve allocated product", slog.Int64("product_id", req.ProductID), slog.Any("error", err))
		} else {
			resp["product"] = map[string]any{"id": p.ID, "sku": p.SKU, "name": p.Name, "unit": p.Unit}
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	restored, err := h.service.Reverse(r.Context(), ReverseInput{
		BatchID:   req.BatchID,
		Quantity:  req.Quantity,
		RefModule: req.RefModule,
		RefID:     req.RefID,
		Actor:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch_id": restored.ID,
		"quantity": restored.Quantity,
		"status":   string(restored.Status),
	})
}
