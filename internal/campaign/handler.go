package campaign

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/fresco-retail/fresco/internal/batch"
	"github.com/fresco-retail/fresco/internal/platform/httpx"
	"github.com/fresco-retail/fresco/internal/shared"
)

// ReapplyEnqueuer hands a campaign evaluator pass to the worker queue.
type ReapplyEnqueuer interface {
	EnqueueCampaignReapply(ctx context.Context, campaignID int64) (*asynq.TaskInfo, error)
}

// Handler wires HTTP endpoints for campaign management.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer ReapplyEnqueuer
	validate *validator.Validate
}

// NewHandler constructs the campaign handler. enqueuer may be nil; without it
// a failed post-save pass waits for the scheduler's next tick.
func NewHandler(logger *slog.Logger, service *Service, enqueuer ReapplyEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer, validate: validator.New()}
}

// MountRoutes registers campaign routes. Apply scans the whole batch
// population, so it gets a tight rate limit.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{campaignID}", h.handleGet)
	r.Put("/{campaignID}", h.handleUpdate)
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/{campaignID}/apply", h.handleApply)
	})
}

type campaignRequest struct {
	Name             string   `json:"name" validate:"required"`
	Description      string   `json:"description"`
	DiscountType     string   `json:"discount_type" validate:"required,oneof=percentage fixed_amount"`
	DiscountValue    float64  `json:"discount_value" validate:"gte=0"`
	StartDate        string   `json:"start_date" validate:"required"`
	EndDate          string   `json:"end_date" validate:"required"`
	TargetType       string   `json:"target_type" validate:"required,oneof=all_products specific_products near_expiry specific_categories"`
	ProductIDs       []int64  `json:"product_ids"`
	CategoryIDs      []int64  `json:"category_ids"`
	DaysBeforeExpiry int      `json:"days_before_expiry"`
	MinPercent       *float64 `json:"min_percent"`
	MaxPercent       *float64 `json:"max_percent"`
	Active           bool     `json:"active"`
	AutoApply        bool     `json:"auto_apply"`
}

type campaignView struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	DiscountType     string   `json:"discount_type"`
	DiscountValue    float64  `json:"discount_value"`
	StartDate        string   `json:"start_date"`
	EndDate          string   `json:"end_date"`
	TargetType       string   `json:"target_type"`
	ProductIDs       []int64  `json:"product_ids,omitempty"`
	CategoryIDs      []int64  `json:"category_ids,omitempty"`
	DaysBeforeExpiry int      `json:"days_before_expiry,omitempty"`
	MinPercent       *float64 `json:"min_percent,omitempty"`
	MaxPercent       *float64 `json:"max_percent,omitempty"`
	Active           bool     `json:"active"`
	AutoApply        bool     `json:"auto_apply"`
}

func toCampaignView(c Campaign) campaignView {
	return campaignView{
		ID:               c.ID,
		Name:             c.Name,
		Description:      c.Description,
		DiscountType:     string(c.DiscountType),
		DiscountValue:    c.DiscountValue,
		StartDate:        c.StartDate.Format(time.RFC3339),
		EndDate:          c.EndDate.Format(time.RFC3339),
		TargetType:       string(c.TargetType),
		ProductIDs:       c.ProductIDs,
		CategoryIDs:      c.CategoryIDs,
		DaysBeforeExpiry: c.DaysBeforeExpiry,
		MinPercent:       c.MinPercent,
		MaxPercent:       c.MaxPercent,
		Active:           c.Active,
		AutoApply:        c.AutoApply,
	}
}

type campaignResponse struct {
	Campaign campaignView `json:"campaign"`
	Applied  *ApplyReport `json:"applied,omitempty"`
}

func (h *Handler) decodeCampaign(r *http.Request) (Campaign, error) {
	var req campaignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return Campaign{}, shared.Invalid("malformed JSON body")
	}
	if err := h.validate.Struct(req); err != nil {
		return Campaign{}, shared.Invalid("%s", err.Error())
	}
	start, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		return Campaign{}, shared.Invalid("invalid start_date")
	}
	end, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		return Campaign{}, shared.Invalid("invalid end_date")
	}
	return Campaign{
		Name:             req.Name,
		Description:      req.Description,
		DiscountType:     batch.DiscountType(req.DiscountType),
		DiscountValue:    req.DiscountValue,
		StartDate:        start,
		EndDate:          end,
		TargetType:       TargetType(req.TargetType),
		ProductIDs:       req.ProductIDs,
		CategoryIDs:      req.CategoryIDs,
		DaysBeforeExpiry: req.DaysBeforeExpiry,
		MinPercent:       req.MinPercent,
		MaxPercent:       req.MaxPercent,
		Active:           req.Active,
		AutoApply:        req.AutoApply,
		CreatedBy:        shared.ActorFromContext(r.Context()),
	}, nil
}

// handleCreate persists the campaign, then runs the evaluator as an explicit
// second step when the campaign is active with auto-apply enabled.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	c, err := h.decodeCampaign(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	saved, err := h.service.Save(r.Context(), c)
	if err != nil {
		h.logger.Error("save campaign failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := campaignResponse{Campaign: toCampaignView(saved)}
	if saved.Active && saved.AutoApply {
		resp.Applied = h.applyAfterSave(r, saved)
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "campaignID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid campaign id")
		return
	}
	c, err := h.decodeCampaign(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c.ID = id
	saved, err := h.service.Update(r.Context(), c)
	if err != nil {
		h.logger.Error("update campaign failed", slog.Int64("campaign_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := campaignResponse{Campaign: toCampaignView(saved)}
	if saved.Active && saved.AutoApply {
		resp.Applied = h.applyAfterSave(r, saved)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// applyAfterSave runs the post-save evaluator pass. A failed or locked pass
// never fails the save itself: with a queue client wired the pass is handed to
// the worker, otherwise the scheduler re-applies on its next tick.
func (h *Handler) applyAfterSave(r *http.Request, c Campaign) *ApplyReport {
	report, err := h.service.ApplyCampaign(r.Context(), c)
	if err == nil {
		return &report
	}
	if h.enqueuer == nil {
		h.logger.Warn("post-save campaign apply failed", slog.Int64("campaign_id", c.ID), slog.Any("error", err))
		return nil
	}
	if _, qerr := h.enqueuer.EnqueueCampaignReapply(r.Context(), c.ID); qerr != nil {
		h.logger.Warn("post-save campaign apply failed",
			slog.Int64("campaign_id", c.ID), slog.Any("error", err), slog.Any("enqueue_error", qerr))
		return nil
	}
	h.logger.Info("post-save campaign apply deferred to worker",
		slog.Int64("campaign_id", c.ID), slog.Any("error", err))
	return nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "campaignID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid campaign id")
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, campaignResponse{Campaign: toCampaignView(c)})
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "campaignID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid campaign id")
		return
	}
	report, err := h.service.Apply(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrApplyInProgress) {
			httpx.Problem(w, http.StatusConflict, "Apply In Progress", err.Error())
			return
		}
		h.logger.Error("apply campaign failed", slog.Int64("campaign_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
