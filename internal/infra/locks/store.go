package locks

import (
	"context"
	"time"
)

// InstanceLock records which scheduler currently owns a process instance.
type InstanceLock struct {
	InstanceID string    `json:"instance_id"`
	LockedBy   string    `json:"locked_by"`
	LockedAt   time.Time `json:"locked_at"`
}

// Store manages process instance locks and singleton job leases.
type Store interface {
	Acquire(ctx context.Context, instanceID, owner string) (bool, error)
	Release(ctx context.Context, instanceID, owner string) error
	Get(ctx context.Context, instanceID string) (*InstanceLock, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int64) ([]InstanceLock, error)
	RemoveStale(ctx context.Context, olderThan time.Duration, limit int64) ([]string, error)
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseKey(ctx context.Context, key, owner string) error
}
