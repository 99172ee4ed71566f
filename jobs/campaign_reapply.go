package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fresco-retail/fresco/internal/campaign"
	jobmetrics "github.com/fresco-retail/fresco/internal/jobs"
)

// CampaignReapplyPayload configures the scope of the reapply run.
type CampaignReapplyPayload struct {
	CampaignID int64 `json:"campaign_id"`
}

// CampaignEvaluator describes the behaviour required to re-run auto-apply campaigns.
type CampaignEvaluator interface {
	ListDueAutoApply(ctx context.Context) ([]campaign.Campaign, error)
	ApplyCampaign(ctx context.Context, c campaign.Campaign) (campaign.ApplyReport, error)
	Get(ctx context.Context, id int64) (campaign.Campaign, error)
}

// CampaignReapplyJob re-runs active auto-apply campaigns so batches received
// after the last pass pick up their discounts.
type CampaignReapplyJob struct {
	Evaluator CampaignEvaluator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewCampaignReapplyJob constructs the job handler.
func NewCampaignReapplyJob(evaluator CampaignEvaluator, logger *slog.Logger, metrics *jobmetrics.Metrics) *CampaignReapplyJob {
	return &CampaignReapplyJob{Evaluator: evaluator, Logger: logger, Metrics: metrics}
}

// NewCampaignReapplyTask creates an Asynq task. A zero campaign ID means every
// due campaign is reapplied.
func NewCampaignReapplyTask(campaignID int64) (*asynq.Task, error) {
	body, err := json.Marshal(CampaignReapplyPayload{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCampaignReapply, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the reapply run. A failure on one campaign does not abort
// the rest; a locked campaign is skipped and picked up on the next tick.
func (j *CampaignReapplyJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Evaluator == nil {
		return errors.New("campaign reapply: dependencies not configured")
	}
	var payload CampaignReapplyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCampaignReapply)

	campaigns, err := j.resolveCampaigns(ctx, payload.CampaignID)
	if err != nil {
		j.log().Error("resolve campaigns", slog.Int64("campaign_id", payload.CampaignID), slog.Any("error", err))
		return tracker.End(err)
	}

	start := time.Now()
	var lastErr error
	applied := 0
	for _, c := range campaigns {
		report, err := j.Evaluator.ApplyCampaign(ctx, c)
		if err != nil {
			if errors.Is(err, campaign.ErrApplyInProgress) {
				j.log().Info("campaign apply already running", slog.Int64("campaign_id", c.ID))
				continue
			}
			lastErr = err
			j.log().Error("reapply campaign", slog.Int64("campaign_id", c.ID), slog.Any("error", err))
			continue
		}
		applied++
		j.log().Info("reapplied campaign",
			slog.Int64("campaign_id", c.ID),
			slog.Int("matched", report.Matched),
			slog.Int("applied", report.Applied),
			slog.Int("skipped", report.Skipped),
			slog.Int("failed", report.Failed))
	}
	j.log().Info("campaign reapply finished", slog.Int("campaigns", applied), slog.Duration("duration", time.Since(start)))
	return tracker.End(lastErr)
}

func (j *CampaignReapplyJob) resolveCampaigns(ctx context.Context, campaignID int64) ([]campaign.Campaign, error) {
	if campaignID > 0 {
		c, err := j.Evaluator.Get(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return []campaign.Campaign{c}, nil
	}
	return j.Evaluator.ListDueAutoApply(ctx)
}

func (j *CampaignReapplyJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CampaignReapplyJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCampaignReapply))
	}
	return slog.Default().With(slog.String("job", TaskCampaignReapply))
}
