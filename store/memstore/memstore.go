/*
Package memstore – an in-memory lounge.Store with per-key CAS, document
locking and fail injection. Used by tests, examples and local development.
*/
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	lounge "github.com/bojand/lounge"
)

type entry struct {
	raw []byte // canonical JSON form
	cas lounge.Cas

	lockedUntil time.Time
	lockCas     lounge.Cas
}

// Store is an in-memory lounge.Store implementation.
type Store struct {
	mu      sync.Mutex
	docs    map[string]*entry
	nextCas lounge.Cas

	ops      map[string]int
	failNext map[string][]error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		docs:     map[string]*entry{},
		ops:      map[string]int{},
		failNext: map[string][]error{},
	}
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Keys returns every stored key.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	return keys
}

// OpCount returns how many times an operation ran ("get", "upsert", …).
func (s *Store) OpCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[op]
}

// FailNext queues an error returned by the next invocation(s) of op.
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], errs...)
}

func (s *Store) enter(op string) error {
	s.ops[op]++
	if q := s.failNext[op]; len(q) > 0 {
		err := q[0]
		s.failNext[op] = q[1:]
		return err
	}
	return nil
}

func (s *Store) bump() lounge.Cas {
	s.nextCas++
	return s.nextCas
}

func encode(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, lounge.NewError("cannot encode value", lounge.WithCode(lounge.ErrFatal), lounge.WithCause(err))
	}
	return raw, nil
}

func decode(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func notFound(key string) error {
	return lounge.NewError("document not found", lounge.WithCode(lounge.ErrNotFound),
		lounge.WithContext(map[string]any{"key": key}))
}

func casMismatch(key string) error {
	return lounge.NewError("cas mismatch", lounge.WithCode(lounge.ErrCasMismatch),
		lounge.WithContext(map[string]any{"key": key}))
}

func locked(key string) error {
	return lounge.NewError("document locked", lounge.WithCode(lounge.ErrTemporary),
		lounge.WithContext(map[string]any{"key": key}))
}

func (e *entry) isLocked(now time.Time) bool {
	return e.lockedUntil.After(now)
}

// checkWrite validates the supplied cas against the entry's lock and token.
func (e *entry) checkWrite(key string, cas lounge.Cas, now time.Time) error {
	if e.isLocked(now) {
		if cas == e.lockCas {
			return nil
		}
		return locked(key)
	}
	if cas != 0 && cas != e.cas {
		return casMismatch(key)
	}
	return nil
}

// ─── lounge.Store ────────────────────────────────────────────────────────────

func (s *Store) Get(ctx context.Context, key string) (*lounge.StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get"); err != nil {
		return nil, err
	}
	e, ok := s.docs[key]
	if !ok {
		return nil, notFound(key)
	}
	return &lounge.StoreResult{Value: decode(e.raw), Cas: e.cas}, nil
}

func (s *Store) GetMulti(ctx context.Context, keys []string) ([]*lounge.MultiResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("getMulti"); err != nil {
		return nil, err
	}
	results := make([]*lounge.MultiResult, 0, len(keys))
	for _, key := range keys {
		e, ok := s.docs[key]
		if !ok {
			results = append(results, &lounge.MultiResult{Key: key, Err: notFound(key)})
			continue
		}
		results = append(results, &lounge.MultiResult{Key: key, Value: decode(e.raw), Cas: e.cas})
	}
	return results, nil
}

func (s *Store) Insert(ctx context.Context, key string, value any, opts *lounge.WriteOptions) (lounge.Cas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("insert"); err != nil {
		return 0, err
	}
	if _, exists := s.docs[key]; exists {
		return 0, casMismatch(key)
	}
	raw, err := encode(value)
	if err != nil {
		return 0, err
	}
	e := &entry{raw: raw, cas: s.bump()}
	s.docs[key] = e
	return e.cas, nil
}

func (s *Store) Replace(ctx context.Context, key string, value any, opts *lounge.WriteOptions) (lounge.Cas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("replace"); err != nil {
		return 0, err
	}
	e, ok := s.docs[key]
	if !ok {
		return 0, notFound(key)
	}
	var cas lounge.Cas
	if opts != nil {
		cas = opts.Cas
	}
	if err := e.checkWrite(key, cas, time.Now()); err != nil {
		return 0, err
	}
	raw, err := encode(value)
	if err != nil {
		return 0, err
	}
	e.raw = raw
	e.cas = s.bump()
	e.lockedUntil = time.Time{}
	e.lockCas = 0
	return e.cas, nil
}

func (s *Store) Upsert(ctx context.Context, key string, value any, opts *lounge.WriteOptions) (lounge.Cas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("upsert"); err != nil {
		return 0, err
	}
	raw, err := encode(value)
	if err != nil {
		return 0, err
	}
	e, ok := s.docs[key]
	if !ok {
		e = &entry{}
		s.docs[key] = e
	} else {
		var cas lounge.Cas
		if opts != nil {
			cas = opts.Cas
		}
		if err := e.checkWrite(key, cas, time.Now()); err != nil {
			return 0, err
		}
	}
	e.raw = raw
	e.cas = s.bump()
	e.lockedUntil = time.Time{}
	e.lockCas = 0
	return e.cas, nil
}

func (s *Store) Remove(ctx context.Context, key string, opts *lounge.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("remove"); err != nil {
		return err
	}
	e, ok := s.docs[key]
	if !ok {
		return notFound(key)
	}
	var cas lounge.Cas
	if opts != nil {
		cas = opts.Cas
	}
	if err := e.checkWrite(key, cas, time.Now()); err != nil {
		return err
	}
	delete(s.docs, key)
	return nil
}

func (s *Store) Counter(ctx context.Context, key string, delta int64, initial int64) (int64, lounge.Cas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("counter"); err != nil {
		return 0, 0, err
	}
	e, ok := s.docs[key]
	if !ok {
		raw, err := encode(initial)
		if err != nil {
			return 0, 0, err
		}
		e = &entry{raw: raw, cas: s.bump()}
		s.docs[key] = e
		return initial, e.cas, nil
	}
	var current int64
	if err := json.Unmarshal(e.raw, &current); err != nil {
		return 0, 0, lounge.NewError("document is not a counter", lounge.WithCode(lounge.ErrFatal),
			lounge.WithCause(err))
	}
	current += delta
	raw, err := encode(current)
	if err != nil {
		return 0, 0, err
	}
	e.raw = raw
	e.cas = s.bump()
	return current, e.cas, nil
}

func (s *Store) GetAndLock(ctx context.Context, key string, ttl time.Duration) (*lounge.StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("getAndLock"); err != nil {
		return nil, err
	}
	e, ok := s.docs[key]
	if !ok {
		return nil, notFound(key)
	}
	now := time.Now()
	if e.isLocked(now) {
		return nil, locked(key)
	}
	e.lockedUntil = now.Add(ttl)
	e.lockCas = s.bump()
	return &lounge.StoreResult{Value: decode(e.raw), Cas: e.lockCas}, nil
}

func (s *Store) Unlock(ctx context.Context, key string, cas lounge.Cas) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("unlock"); err != nil {
		return err
	}
	e, ok := s.docs[key]
	if !ok {
		return notFound(key)
	}
	if !e.isLocked(time.Now()) || cas != e.lockCas {
		return casMismatch(key)
	}
	e.lockedUntil = time.Time{}
	e.lockCas = 0
	return nil
}

var _ lounge.Store = (*Store)(nil)
