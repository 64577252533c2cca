/*
Package lounge – lookup-document ("ref") maintenance.

For every indexed field value persisted under a primary key exactly one
lookup document {key: …} exists at refKey(field, value). Saves diff the
current values against the instance's shadow snapshot and add / remove /
move lookup documents atomically with bounded CAS retries. Racing saves for
the same indexed value resolve last-write-wins; the prior owner is not swept.
*/
package lounge

import (
	"context"
	"fmt"
	"time"
)

const lookupLockTTL = 15 * time.Second

// indexValues computes the stringified value set per indexed field. Arrays
// of indexed elements expand to the element set.
func (m *Model) indexValues(d *Document) map[string][]string {
	out := map[string][]string{}
	for _, pf := range m.schema.indexed {
		val, present := d.data[pf.Name]
		if !present || val == nil {
			out[pf.Name] = nil
			continue
		}
		if pf.Type == FieldTypeArray {
			arr, ok := val.([]any)
			if !ok {
				continue
			}
			var vals []string
			for _, elem := range arr {
				if s, err := stringifyKeyValue(elem); err == nil {
					vals = append(vals, s)
				}
			}
			out[pf.Name] = vals
			continue
		}
		if s, err := stringifyKeyValue(val); err == nil {
			out[pf.Name] = []string{s}
		}
	}
	return out
}

// selfRefs returns the reference forms that identify this document in a
// lookup payload: the configured representation first, the alternate second
// so removals match lookups written under either setting.
func (m *Model) selfRefs(userVal string) []string {
	full, err := m.StorageKey(userVal)
	if err != nil {
		return []string{userVal}
	}
	if m.storeFullRef() {
		return []string{full, userVal}
	}
	return []string{userVal, full}
}

// updateIndexes applies the lookup delta for a just-saved document and
// refreshes the shadow snapshot. Returned errors are non-fatal to the save
// unless waitForIndex.
func (m *Model) updateIndexes(ctx context.Context, d *Document, userVal string) []error {
	var errs []error
	current := m.indexValues(d)
	refs := m.selfRefs(userVal)

	for _, pf := range m.schema.indexed {
		old := d.shadow[pf.Name]
		now := current[pf.Name]

		for _, v := range diffValues(old, now) {
			rk, err := refKey(pf, v, m.schema, m.cfg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.removeLookup(ctx, rk, refs); err != nil {
				errs = append(errs, err)
			}
		}
		for _, v := range diffValues(now, old) {
			rk, err := refKey(pf, v, m.schema, m.cfg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.upsertLookup(ctx, rk, refs[0]); err != nil {
				errs = append(errs, err)
			}
		}
	}

	d.shadow = current
	return errs
}

// purgeIndexes deletes every lookup entry owned by the document (both the
// snapshot values and any newer in-memory ones).
func (m *Model) purgeIndexes(ctx context.Context, d *Document) []error {
	var errs []error
	userVal, err := stringifyKeyValue(d.Key())
	if err != nil {
		return []error{err}
	}
	refs := m.selfRefs(userVal)
	current := m.indexValues(d)

	for _, pf := range m.schema.indexed {
		for _, v := range unionValues(d.shadow[pf.Name], current[pf.Name]) {
			rk, err := refKey(pf, v, m.schema, m.cfg)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.removeLookup(ctx, rk, refs); err != nil {
				errs = append(errs, err)
			}
		}
	}
	d.shadow = map[string][]string{}
	return errs
}

// removeLookup deletes the lookup document at rk when it still references
// this document; a lookup owned by another document is left untouched.
func (m *Model) removeLookup(ctx context.Context, rk string, selfRefs []string) error {
	lock := m.cfg.AtomicLock == nil || *m.cfg.AtomicLock
	var lastErr error
	for attempt := 0; attempt <= m.cfg.AtomicRetryTimes; attempt++ {
		if attempt > 0 && m.cfg.AtomicRetryInterval > 0 {
			select {
			case <-time.After(m.cfg.AtomicRetryInterval):
			case <-ctx.Done():
				return NewError("lookup removal canceled", WithCode(ErrTimeout), WithCause(ctx.Err()))
			}
		}

		var res *StoreResult
		var err error
		if lock {
			err = m.storeOp(ctx, "getAndLock", func() error {
				var e error
				res, e = m.store.GetAndLock(ctx, rk, lookupLockTTL)
				return e
			})
		} else {
			err = m.storeOp(ctx, "get", func() error {
				var e error
				res, e = m.store.Get(ctx, rk)
				return e
			})
		}
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			if !IsTemporary(err) && !IsCasMismatch(err) {
				return err
			}
			lastErr = err
			continue
		}

		if !payloadMatches(res.Value, selfRefs) {
			if lock {
				_ = m.storeOp(ctx, "unlock", func() error {
					return m.store.Unlock(ctx, rk, res.Cas)
				})
			}
			return nil
		}

		err = m.storeOp(ctx, "remove", func() error {
			return m.store.Remove(ctx, rk, &WriteOptions{Cas: res.Cas})
		})
		if err == nil || IsNotFound(err) {
			return nil
		}
		lastErr = err
		if !IsCasMismatch(err) && !IsTemporary(err) {
			return err
		}
	}
	return NewError(fmt.Sprintf(`cannot remove lookup document "%s"`, rk),
		WithCode(ErrConcurrentModification), WithCause(lastErr))
}

// upsertLookup writes {key: ref} at rk. An existing lookup with a different
// owner is replaced: last write wins.
func (m *Model) upsertLookup(ctx context.Context, rk string, ref string) error {
	payload := Item{"key": ref}
	var lastErr error
	for attempt := 0; attempt <= m.cfg.AtomicRetryTimes; attempt++ {
		if attempt > 0 && m.cfg.AtomicRetryInterval > 0 {
			select {
			case <-time.After(m.cfg.AtomicRetryInterval):
			case <-ctx.Done():
				return NewError("lookup update canceled", WithCode(ErrTimeout), WithCause(ctx.Err()))
			}
		}

		var res *StoreResult
		err := m.storeOp(ctx, "get", func() error {
			var e error
			res, e = m.store.Get(ctx, rk)
			return e
		})
		if IsNotFound(err) {
			ierr := m.storeOp(ctx, "insert", func() error {
				_, e := m.store.Insert(ctx, rk, payload, nil)
				return e
			})
			if ierr == nil {
				return nil
			}
			lastErr = ierr
			if IsCasMismatch(ierr) || IsTemporary(ierr) {
				continue // lost the create race; re-read and replace
			}
			return ierr
		}
		if err != nil {
			if !IsTemporary(err) && !IsCasMismatch(err) {
				return err
			}
			lastErr = err
			continue
		}

		if payloadMatches(res.Value, []string{ref}) {
			return nil
		}
		rerr := m.storeOp(ctx, "replace", func() error {
			_, e := m.store.Replace(ctx, rk, payload, &WriteOptions{Cas: res.Cas})
			return e
		})
		if rerr == nil {
			return nil
		}
		lastErr = rerr
		if !IsCasMismatch(rerr) && !IsNotFound(rerr) && !IsTemporary(rerr) {
			return rerr
		}
	}
	return NewError(fmt.Sprintf(`cannot update lookup document "%s"`, rk),
		WithCode(ErrConcurrentModification), WithCause(lastErr))
}

// FindBy resolves a document through the lookup entry of an indexed field.
// field accepts the schema field name or its index name.
func (m *Model) FindBy(ctx context.Context, field string, value any, opts *FindOptions) (*Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pf := m.indexedField(field)
	if pf == nil {
		return nil, NewArgError(`field "` + field + `" is not indexed`)
	}
	rk, err := refKey(pf, value, m.schema, m.cfg)
	if err != nil {
		return nil, err
	}

	var res *StoreResult
	gerr := m.storeOp(ctx, "get", func() error {
		var e error
		res, e = m.store.Get(ctx, rk)
		return e
	})
	if IsNotFound(gerr) {
		if m.cfg.ErrorOnMissingIndex {
			return nil, NewError(fmt.Sprintf(`no lookup document at "%s"`, rk),
				WithCode(ErrDanglingIndex),
				WithContext(map[string]any{"refKey": rk, "field": pf.Name, "value": value}))
		}
		return nil, nil
	}
	if gerr != nil {
		return nil, gerr
	}

	id := payloadKey(res.Value)
	if id == "" {
		return nil, NewError(fmt.Sprintf(`lookup document "%s" has no key`, rk), WithCode(ErrFatal))
	}
	if m.storeFullRef() {
		id = m.UserKey(id)
	}
	return m.Find(ctx, id, opts)
}

func (m *Model) indexedField(field string) *preparedField {
	if pf, ok := m.schema.fields[field]; ok && pf.IsIndexed {
		return pf
	}
	for _, pf := range m.schema.indexed {
		if pf.IndexName == field {
			return pf
		}
	}
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func payloadKey(value any) string {
	if obj, ok := value.(map[string]any); ok {
		if s, ok := obj["key"].(string); ok {
			return s
		}
	}
	return ""
}

func payloadMatches(value any, refs []string) bool {
	k := payloadKey(value)
	if k == "" {
		return false
	}
	return containsString(refs, k)
}

// diffValues returns a \ b preserving order.
func diffValues(a, b []string) []string {
	var out []string
	for _, v := range a {
		if !containsString(b, v) {
			out = append(out, v)
		}
	}
	return out
}

func unionValues(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, v := range b {
		if !containsString(out, v) {
			out = append(out, v)
		}
	}
	return out
}
