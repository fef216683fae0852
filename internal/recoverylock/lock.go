// Package recoverylock provides an optional cross-process lease on top
// of the Progress Store's in-row recovery_started timestamp, for
// deployments running more than one orchestrator process against the
// same store. A single process can rely on the store-level lock alone;
// this package exists so a multi-process Health Sweeper deployment
// doesn't double-dispatch the same Job.
package recoverylock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "storyforge:recovery:"

// Lock leases a Job for the duration of a recovery attempt via a Redis
// SET NX PX. A nil *Lock (constructed with no client) is a no-op that
// always succeeds, for single-process deployments with no Redis.
type Lock struct {
	client *redis.Client
}

// New wraps an existing redis client. Pass nil to get a no-op lock.
func New(client *redis.Client) *Lock {
	return &Lock{client: client}
}

// Acquire attempts to take the lease for jobID for the given duration.
// Returns true if the lease was acquired (or if there is no backing
// Redis client, in which case the store-level recovery_started field is
// the only lock in effect).
func (l *Lock) Acquire(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	ok, err := l.client.SetNX(ctx, keyPrefix+jobID, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops the lease early, on both the success and failure exit
// paths of a dispatched recovery.
func (l *Lock) Release(ctx context.Context, jobID string) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Del(ctx, keyPrefix+jobID).Err()
}
