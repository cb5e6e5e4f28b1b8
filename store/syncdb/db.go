package syncdb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist, or when a cached
	// resource has expired. Callers cannot distinguish "never cached" from
	// "expired": both require a network refresh.
	ErrNotFound = errors.New("syncdb: not found")

	// ErrNotInitialized is returned when an operation runs before Open.
	ErrNotInitialized = errors.New("syncdb: not initialized")
)

// Store is the durable local store shared by the cache router and the sync
// scheduler. It is the only mutable resource the two components share.
type Store interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Cached resources
	PutCached(ctx context.Context, namespace, key string, payload []byte, ttl time.Duration) error
	GetCached(ctx context.Context, namespace, key string) ([]byte, error)
	DeleteCached(ctx context.Context, namespace, key string) error
	ListCachedKeys(ctx context.Context, namespace string) ([]string, error)
	// DeleteCachedPrefix removes every cached entry in the namespace whose
	// key starts with prefix. Used by the router's activation cleanup.
	DeleteCachedPrefix(ctx context.Context, namespace, prefix string) (int, error)

	// Pending interventions
	UpsertIntervention(ctx context.Context, row *PendingIntervention) error
	GetIntervention(ctx context.Context, id int64) (*PendingIntervention, error)
	ListInterventionsByStatus(ctx context.Context, statuses ...InterventionStatus) ([]*PendingIntervention, error)
	UpdateInterventionStatus(ctx context.Context, id int64, status InterventionStatus) error
	DeleteIntervention(ctx context.Context, id int64) error

	// Pending media
	UpsertMedia(ctx context.Context, row *PendingMedia) error
	GetMedia(ctx context.Context, id string) (*PendingMedia, error)
	ListMediaByStatus(ctx context.Context, statuses ...MediaStatus) ([]*PendingMedia, error)
	UpdateMediaStatus(ctx context.Context, id string, status MediaStatus) error
	DeleteMedia(ctx context.Context, id string) error

	// Maintenance
	SweepExpired(ctx context.Context, limit int) (int, error)
	EstimateUsage(ctx context.Context) (Usage, error)
	ClearAll(ctx context.Context) error

	// Audit
	AppendAudit(ctx context.Context, res SyncResult) error
	ListAudit(ctx context.Context, limit int) ([]SyncResult, error)
}

// New creates a new Store backed by bbolt.
func New(opts ...BoltDBOption) Store {
	return NewBoltDB(opts...)
}
