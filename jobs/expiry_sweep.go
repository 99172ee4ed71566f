package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fresco-retail/fresco/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ExpirySweepPayload carries scheduling metadata for the sweep.
type ExpirySweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// BatchLedger describes the behaviour required to expire stale batches.
type BatchLedger interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// ExpirySweepJob flips batches past their expiry date to expired status.
type ExpirySweepJob struct {
	Ledger  BatchLedger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewExpirySweepJob constructs the job handler.
func NewExpirySweepJob(ledger BatchLedger, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// NewExpirySweepTask constructs an Asynq task for the expiry sweep.
func NewExpirySweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ExpirySweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the sweep. The underlying update is idempotent, so a retried
// task never double-counts.
func (j *ExpirySweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("expiry sweep: dependencies not configured")
	}
	var payload ExpirySweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskExpirySweep)
	swept, err := j.Ledger.SweepExpired(ctx)
	if err != nil {
		j.log().Error("sweep expired batches", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddSweptBatches(swept)
	j.log().Info("swept expired batches", slog.Int64("swept", swept))
	return tracker.End(nil)
}

func (j *ExpirySweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ExpirySweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskExpirySweep))
	}
	return slog.Default().With(slog.String("job", TaskExpirySweep))
}
