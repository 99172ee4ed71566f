package jobs

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpirySweep is the task type for the nightly expired-batch sweep.
	TaskExpirySweep = "batch:sweep_expired"
	// TaskCampaignReapply is the task type for re-running auto-apply campaigns.
	TaskCampaignReapply = "campaign:reapply"
	// TaskIdempotencyCleanup is the task type for pruning aged idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)
