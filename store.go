/*
Package lounge – store contract.

The ODM talks to the underlying document store exclusively through the Store
interface. Adapters translate their SDK's failures into the closed set of
error codes (NotFound, CasMismatch, Temporary, Timeout, Fatal) so the engine
can reason about them uniformly.
*/
package lounge

import (
	"context"
	"time"
)

// Cas is the opaque compare-and-swap token returned by the store.
// Zero means "no token" (blind write).
type Cas uint64

// StoreResult is a single-key read result.
type StoreResult struct {
	Value any
	Cas   Cas
}

// MultiResult is one entry of a GetMulti response, in the order the store
// produced it. Err is nil on a hit and carries a NotFoundError on a miss.
type MultiResult struct {
	Key   string
	Value any
	Cas   Cas
	Err   error
}

// WriteOptions carries optional write modifiers. A zero Cas means no
// optimistic-concurrency check.
type WriteOptions struct {
	Cas         Cas
	Expiry      time.Duration
	PersistTo   uint
	ReplicateTo uint
}

// Store is the abstract per-key document store the ODM is built on.
// Values are JSON-shaped (maps, slices, scalars); adapters own transcoding.
type Store interface {
	Get(ctx context.Context, key string) (*StoreResult, error)
	GetMulti(ctx context.Context, keys []string) ([]*MultiResult, error)
	Insert(ctx context.Context, key string, value any, opts *WriteOptions) (Cas, error)
	Replace(ctx context.Context, key string, value any, opts *WriteOptions) (Cas, error)
	Upsert(ctx context.Context, key string, value any, opts *WriteOptions) (Cas, error)
	Remove(ctx context.Context, key string, opts *WriteOptions) error
	Counter(ctx context.Context, key string, delta int64, initial int64) (int64, Cas, error)
	GetAndLock(ctx context.Context, key string, ttl time.Duration) (*StoreResult, error)
	Unlock(ctx context.Context, key string, cas Cas) error
}

// retryTemporary runs fn, retrying bounded times on TemporaryError when the
// config enables it. All other failures surface immediately.
func retryTemporary(ctx context.Context, cfg *Config, fn func() error) error {
	err := fn()
	if err == nil || !cfg.RetryTemporaryErrors || !IsTemporary(err) {
		return err
	}
	for i := 0; i < cfg.TempRetryTimes; i++ {
		if cfg.TempRetryInterval > 0 {
			select {
			case <-time.After(cfg.TempRetryInterval):
			case <-ctx.Done():
				return NewError("store retry canceled", WithCode(ErrTimeout), WithCause(ctx.Err()))
			}
		}
		err = fn()
		if err == nil || !IsTemporary(err) {
			return err
		}
	}
	return err
}
