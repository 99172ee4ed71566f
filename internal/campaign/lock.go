package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockerPort serialises evaluator passes per campaign.
type LockerPort interface {
	Acquire(ctx context.Context, campaignID int64) (bool, error)
	Release(ctx context.Context, campaignID int64) error
}

// ApplyLock is a redis-backed mutex keyed by campaign id so a scheduler tick
// and a manual save never run the same campaign's pass concurrently.
type ApplyLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewApplyLock constructs ApplyLock. ttl bounds how long a crashed pass can
// keep the campaign locked.
func NewApplyLock(client *redis.Client, ttl time.Duration) *ApplyLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ApplyLock{client: client, ttl: ttl}
}

func applyLockKey(campaignID int64) string {
	return fmt.Sprintf("campaign:%d:apply_lock", campaignID)
}

// Acquire claims the campaign's lock. Returns false when another pass holds it.
func (l *ApplyLock) Acquire(ctx context.Context, campaignID int64) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, applyLockKey(campaignID), 1, l.ttl).Result()
}

// Release frees the campaign's lock.
func (l *ApplyLock) Release(ctx context.Context, campaignID int64) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Del(ctx, applyLockKey(campaignID)).Err()
}
