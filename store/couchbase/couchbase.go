/*
Package couchbase – a lounge.Store backed by a Couchbase collection via
gocb/v2.

Documents are transcoded as raw JSON so the engine's map-shaped values round
trip without SDK reflection. GetMulti fans out bounded parallel gets and
returns results in completion order.
*/
package couchbase

import (
	"context"
	"errors"
	"time"

	gocb "github.com/couchbase/gocb/v2"
	"github.com/goccy/go-json"

	lounge "github.com/bojand/lounge"
)

const getMultiWorkers = 10

// Store adapts a *gocb.Collection to lounge.Store.
type Store struct {
	col *gocb.Collection
}

// NewStore wraps a collection.
func NewStore(col *gocb.Collection) *Store {
	return &Store{col: col}
}

// mapError translates gocb failures into the closed lounge error-kind set.
func mapError(err error, key string) error {
	if err == nil {
		return nil
	}
	ctx := map[string]any{"key": key}
	switch {
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return lounge.NewError("document not found", lounge.WithCode(lounge.ErrNotFound),
			lounge.WithContext(ctx), lounge.WithCause(err))
	case errors.Is(err, gocb.ErrCasMismatch), errors.Is(err, gocb.ErrDocumentExists):
		return lounge.NewError("cas mismatch", lounge.WithCode(lounge.ErrCasMismatch),
			lounge.WithContext(ctx), lounge.WithCause(err))
	case errors.Is(err, gocb.ErrDocumentLocked), errors.Is(err, gocb.ErrTemporaryFailure):
		return lounge.NewError("temporary failure", lounge.WithCode(lounge.ErrTemporary),
			lounge.WithContext(ctx), lounge.WithCause(err))
	case errors.Is(err, gocb.ErrTimeout):
		return lounge.NewError("operation timed out", lounge.WithCode(lounge.ErrTimeout),
			lounge.WithContext(ctx), lounge.WithCause(err))
	}
	return lounge.NewError("store operation failed", lounge.WithCode(lounge.ErrFatal),
		lounge.WithContext(ctx), lounge.WithCause(err))
}

func encode(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, lounge.NewError("cannot encode value", lounge.WithCode(lounge.ErrFatal),
			lounge.WithCause(err))
	}
	return raw, nil
}

func decodeResult(key string, content func(any) error, cas gocb.Cas) (*lounge.StoreResult, error) {
	var raw []byte
	if err := content(&raw); err != nil {
		return nil, mapError(err, key)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, lounge.NewError("cannot decode document", lounge.WithCode(lounge.ErrFatal),
			lounge.WithContext(map[string]any{"key": key}), lounge.WithCause(err))
	}
	return &lounge.StoreResult{Value: value, Cas: lounge.Cas(cas)}, nil
}

// ─── lounge.Store ────────────────────────────────────────────────────────────

func (s *Store) Get(ctx context.Context, key string) (*lounge.StoreResult, error) {
	res, err := s.col.Get(key, &gocb.GetOptions{
		Transcoder: gocb.NewRawJSONTranscoder(),
		Context:    ctx,
	})
	if err != nil {
		return nil, mapError(err, key)
	}
	return decodeResult(key, res.Content, res.Cas())
}

func (s *Store) GetMulti(ctx context.Context, keys []string) ([]*lounge.MultiResult, error) {
	out := make(chan *lounge.MultiResult, len(keys))
	sem := make(chan struct{}, getMultiWorkers)
	for _, key := range keys {
		key := key
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			res, err := s.Get(ctx, key)
			if err != nil {
				out <- &lounge.MultiResult{Key: key, Err: err}
				return
			}
			out <- &lounge.MultiResult{Key: key, Value: res.Value, Cas: res.Cas}
		}()
	}
	results := make([]*lounge.MultiResult, 0, len(keys))
	for range keys {
		results = append(results, <-out)
	}
	return results, nil
}

func (s *Store) Insert(ctx context.Context, key string, value any, opts *lounge.WriteOptions) (lounge.Cas, error) {
	raw, err := encode(value)
	if err != nil {
		return 0, err
	}
	o := &gocb.InsertOptions{
		Transcoder: gocb.NewRawJSONTranscoder(),
		Context:    ctx,
	}
	if opts != nil {
		o.Expiry = opts.Expiry
		o.PersistTo = uint(opts.PersistTo)
		o.ReplicateTo = uint(opts.ReplicateTo)
	}
	res, err := s.col.Insert(key, raw, o)
	if err != nil {
		return 0, mapError(err, key)
	}
	return lounge.Cas(res.Cas()), nil
}

func (s *Store) Replace(ctx context.Context, key string, value any, opts *lounge.WriteOptions) (lounge.Cas, error) {
	raw, err := encode(value)
	if err != nil {
		return 0, err
	}
	o := &gocb.ReplaceOptions{
		Transcoder: gocb.NewRawJSONTranscoder(),
		Context:    ctx,
	}
	if opts != nil {
		o.Cas = gocb.Cas(opts.Cas)
		o.Expiry = opts.Expiry
		o.PersistTo = uint(opts.PersistTo)
		o.ReplicateTo = uint(opts.ReplicateTo)
	}
	res, err := s.col.Replace(key, raw, o)
	if err != nil {
		return 0, mapError(err, key)
	}
	return lounge.Cas(res.Cas()), nil
}

func (s *Store) Upsert(ctx context.Context, key string, value any, opts *lounge.WriteOptions) (lounge.Cas, error) {
	raw, err := encode(value)
	if err != nil {
		return 0, err
	}
	o := &gocb.UpsertOptions{
		Transcoder: gocb.NewRawJSONTranscoder(),
		Context:    ctx,
	}
	if opts != nil {
		o.Expiry = opts.Expiry
		o.PersistTo = uint(opts.PersistTo)
		o.ReplicateTo = uint(opts.ReplicateTo)
	}
	res, err := s.col.Upsert(key, raw, o)
	if err != nil {
		return 0, mapError(err, key)
	}
	return lounge.Cas(res.Cas()), nil
}

func (s *Store) Remove(ctx context.Context, key string, opts *lounge.WriteOptions) error {
	o := &gocb.RemoveOptions{Context: ctx}
	if opts != nil {
		o.Cas = gocb.Cas(opts.Cas)
		o.PersistTo = uint(opts.PersistTo)
		o.ReplicateTo = uint(opts.ReplicateTo)
	}
	_, err := s.col.Remove(key, o)
	return mapError(err, key)
}

func (s *Store) Counter(ctx context.Context, key string, delta int64, initial int64) (int64, lounge.Cas, error) {
	bin := s.col.Binary()
	if delta < 0 {
		res, err := bin.Decrement(key, &gocb.DecrementOptions{
			Initial: initial,
			Delta:   uint64(-delta),
			Context: ctx,
		})
		if err != nil {
			return 0, 0, mapError(err, key)
		}
		return int64(res.Content()), lounge.Cas(res.Cas()), nil
	}
	res, err := bin.Increment(key, &gocb.IncrementOptions{
		Initial: initial,
		Delta:   uint64(delta),
		Context: ctx,
	})
	if err != nil {
		return 0, 0, mapError(err, key)
	}
	return int64(res.Content()), lounge.Cas(res.Cas()), nil
}

func (s *Store) GetAndLock(ctx context.Context, key string, ttl time.Duration) (*lounge.StoreResult, error) {
	res, err := s.col.GetAndLock(key, ttl, &gocb.GetAndLockOptions{
		Transcoder: gocb.NewRawJSONTranscoder(),
		Context:    ctx,
	})
	if err != nil {
		return nil, mapError(err, key)
	}
	return decodeResult(key, res.Content, res.Cas())
}

func (s *Store) Unlock(ctx context.Context, key string, cas lounge.Cas) error {
	err := s.col.Unlock(key, gocb.Cas(cas), &gocb.UnlockOptions{Context: ctx})
	return mapError(err, key)
}

var _ lounge.Store = (*Store)(nil)
