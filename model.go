/*
Package lounge – Model: the document engine.

Save, remove and find-by-id over the value layer, with embedded-document
expansion, middleware invocation and CAS ownership per instance. Lookup
(secondary index) maintenance lives in index.go.
*/
package lounge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bojand/lounge/internal/uid"
)

// Model is a named, compiled binding of a Schema to a Lounge handle.
type Model struct {
	lounge *Lounge
	Name   string
	schema *Schema

	cfg   *Config
	store Store
	log   Logger
}

// SaveOptions modifies a single save operation.
type SaveOptions struct {
	Expiry      time.Duration
	PersistTo   uint
	ReplicateTo uint

	Virtuals     bool
	Minimize     *bool
	WaitForIndex *bool
}

// RemoveOptions modifies a single remove operation.
type RemoveOptions struct {
	// RemoveRefs also removes embedded model-typed documents, depth-first.
	RemoveRefs bool
	// Lean bypasses hooks, embedded recursion and index maintenance: a raw
	// delete. NotFound counts as success.
	Lean bool
}

// FindOptions modifies find operations.
type FindOptions struct {
	// Populate resolves embedded references: true expands every model-typed
	// field recursively; a string expands one path ("field" or "field.N"
	// for a single array element); a []string expands each path.
	Populate any

	KeepSortOrder *bool
	Missing       *bool
}

// FindResult is the outcome of a multi-id lookup.
type FindResult struct {
	Docs   []*Document
	Misses []string
}

// Schema returns the model's schema.
func (m *Model) Schema() *Schema { return m.schema }

// New constructs a document, applying property values through the value
// pipeline and then field defaults for absent fields.
func (m *Model) New(props Item) *Document {
	d := &Document{
		model:  m,
		schema: m.schema,
		data:   Item{},
		shadow: map[string][]string{},
	}
	if props != nil {
		d.SetAll(props)
	}
	for _, name := range m.schema.order {
		pf := m.schema.fields[name]
		if pf.Def.Default == nil {
			continue
		}
		if _, present := d.data[name]; present {
			continue
		}
		def := pf.Def.Default
		if fn, ok := def.(DefaultFunc); ok {
			def = fn(d)
		} else if fn, ok := def.(func(d *Document) any); ok {
			def = fn(d)
		}
		d.Set(name, def)
	}
	return d
}

// Invoke dispatches a registered static by name.
func (m *Model) Invoke(name string, args ...any) (any, error) {
	fn, ok := m.schema.statics[name]
	if !ok {
		return nil, NewArgError(`unknown static "` + name + `"`)
	}
	return fn(m, args...)
}

// ─── option resolution ──────────────────────────────────────────────────────

func (m *Model) storeFullRef() bool {
	if m.schema.opts.StoreFullReferenceID != nil {
		return *m.schema.opts.StoreFullReferenceID
	}
	return m.cfg.StoreFullReferenceID
}

func (m *Model) storeFullKey() bool {
	if m.schema.opts.StoreFullKey != nil {
		return *m.schema.opts.StoreFullKey
	}
	return m.cfg.StoreFullKey
}

// storeOp runs a store interaction with temporary-error retry and reports it
// to the monitor/metrics sinks.
func (m *Model) storeOp(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := retryTemporary(ctx, m.cfg, fn)
	m.lounge.observe(m.Name, op, start, err)
	return err
}

// ─── keys ────────────────────────────────────────────────────────────────────

// ensureKey returns the document's user-visible key value, generating one
// when the key field allows it and none is set.
func (m *Model) ensureKey(d *Document) (string, error) {
	kf := m.schema.keyField
	val := d.data[kf.Name]
	if val == nil || val == "" {
		if !kf.Generate {
			return "", NewError(fmt.Sprintf(`missing key value for "%s"`, m.Name),
				WithCode(ErrInvalidKey))
		}
		gen := uid.Generate(kf.GenerateKind)
		d.data[kf.Name] = gen
		return gen, nil
	}
	return stringifyKeyValue(val)
}

// StorageKey maps a user-visible key value to the storage key of this model.
func (m *Model) StorageKey(userValue any) (string, error) {
	return storageKey(userValue, m.schema, m.cfg)
}

// UserKey recovers the user-visible key value from a storage key.
func (m *Model) UserKey(storage string) string {
	return userKey(storage, m.schema, m.cfg)
}

// RefKey computes the lookup-document key for an indexed field value.
func (m *Model) RefKey(field string, value any) (string, error) {
	pf, ok := m.schema.fields[field]
	if !ok || !pf.IsIndexed {
		return "", NewArgError(`field "` + field + `" is not indexed`)
	}
	return refKey(pf, value, m.schema, m.cfg)
}

// ─── save ────────────────────────────────────────────────────────────────────

// Save persists the document: pre-hooks, embedded children depth-first, self
// upsert, lookup-document maintenance, post-hooks. Children already saved
// when a later child fails are not rolled back.
func (d *Document) Save(ctx context.Context, opts *SaveOptions) error {
	if d.model == nil {
		return NewArgError("document is not bound to a model")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return d.model.saveDoc(ctx, d, opts, map[*Document]bool{})
}

func (m *Model) saveDoc(ctx context.Context, d *Document, opts *SaveOptions, visited map[*Document]bool) error {
	if opts == nil {
		opts = &SaveOptions{}
	}
	if visited[d] {
		return NewError(fmt.Sprintf(`cyclic embedding detected saving "%s"`, m.Name),
			WithCode(ErrCyclicEmbedding))
	}
	visited[d] = true

	if err := m.schema.runPre(ctx, "save", d); err != nil {
		return err
	}

	// embedded children first, depth-first in schema order
	for _, name := range m.schema.order {
		pf := m.schema.fields[name]
		switch pf.Type {
		case FieldTypeReference:
			if child, ok := d.data[name].(*Document); ok {
				if err := child.model.saveDoc(ctx, child, opts, visited); err != nil {
					return err
				}
			}
		case FieldTypeArray:
			if pf.Element == nil || pf.Element.Type != FieldTypeReference {
				continue
			}
			if arr, ok := d.data[name].([]any); ok {
				for _, elem := range arr {
					if child, ok := elem.(*Document); ok {
						if err := child.model.saveDoc(ctx, child, opts, visited); err != nil {
							return err
						}
					}
				}
			}
		}
	}

	userVal, err := m.ensureKey(d)
	if err != nil {
		return err
	}
	key, err := m.StorageKey(userVal)
	if err != nil {
		return err
	}
	obj, err := m.serialize(d, opts)
	if err != nil {
		return err
	}

	wopts := &WriteOptions{
		Expiry:      opts.Expiry,
		PersistTo:   opts.PersistTo,
		ReplicateTo: opts.ReplicateTo,
	}
	var cas Cas
	var op string
	if d.casKnown {
		op = "replace"
		wopts.Cas = d.cas
	} else {
		op = "upsert"
	}
	werr := m.storeOp(ctx, op, func() error {
		var e error
		if d.casKnown {
			cas, e = m.store.Replace(ctx, key, obj, wopts)
		} else {
			cas, e = m.store.Upsert(ctx, key, obj, wopts)
		}
		return e
	})
	if werr != nil {
		if IsCasMismatch(werr) {
			return NewError(fmt.Sprintf(`document "%s" was modified concurrently`, key),
				WithCode(ErrConcurrentModification), WithCause(werr))
		}
		return werr
	}

	d.cas = cas
	d.casKnown = true
	d.persisted = true
	d.removed = false

	idxErrs := m.updateIndexes(ctx, d, userVal)
	waitForIndex := m.cfg.WaitForIndex
	if opts.WaitForIndex != nil {
		waitForIndex = *opts.WaitForIndex
	}
	if len(idxErrs) > 0 {
		if waitForIndex {
			return NewError(fmt.Sprintf(`index maintenance failed for "%s"`, key),
				WithCode(ErrTemporary),
				WithContext(map[string]any{"errors": idxErrs}),
				WithCause(idxErrs[0]))
		}
		go func() {
			for _, e := range idxErrs {
				d.emit("index", e)
				if m.cfg.EmitErrors {
					d.emit("error", e)
				}
			}
		}()
	} else {
		d.emit("index", nil)
	}

	m.schema.runPost("save", d, m.cfg.EmitErrors)
	d.emit("save", d)
	return nil
}

// serialize renders the persisted layout: plain object with embedded
// model-typed fields collapsed to key scalars and the key field stored as
// its user-visible value (or full storage key when storeFullKey).
func (m *Model) serialize(d *Document, opts *SaveOptions) (Item, error) {
	obj := d.ToObject(&ToObjectOptions{
		Virtuals: opts.Virtuals,
		Minimize: opts.Minimize,
	})

	for _, name := range m.schema.order {
		pf := m.schema.fields[name]
		switch pf.Type {
		case FieldTypeReference:
			val, present := d.data[name]
			if !present {
				continue
			}
			ref, err := m.referenceValue(pf, val)
			if err != nil {
				return nil, err
			}
			obj[name] = ref
		case FieldTypeArray:
			if pf.Element == nil || pf.Element.Type != FieldTypeReference {
				continue
			}
			arr, ok := d.data[name].([]any)
			if !ok {
				continue
			}
			if len(arr) == 0 {
				continue
			}
			refs := make([]any, 0, len(arr))
			for _, elem := range arr {
				ref, err := m.referenceValue(pf.Element, elem)
				if err != nil {
					return nil, err
				}
				refs = append(refs, ref)
			}
			obj[name] = refs
		}
	}

	if kf := m.schema.keyField; kf != nil {
		if val, present := d.data[kf.Name]; present {
			if m.storeFullKey() {
				full, err := m.StorageKey(val)
				if err != nil {
					return nil, err
				}
				obj[kf.Name] = full
			} else {
				obj[kf.Name] = val
			}
		}
	}
	return obj, nil
}

// referenceValue collapses an embedded value (hydrated document or key
// scalar) to the persisted reference scalar.
func (m *Model) referenceValue(pf *preparedField, val any) (any, error) {
	childModel, err := m.lounge.GetModel(pf.RefModel)
	if err != nil {
		return nil, err
	}
	switch v := val.(type) {
	case *Document:
		uv, err := stringifyKeyValue(v.Key())
		if err != nil {
			return nil, NewError(fmt.Sprintf(`embedded "%s" has no key`, pf.RefModel),
				WithCode(ErrInvalidKey), WithCause(err))
		}
		if m.storeFullRef() {
			return childModel.StorageKey(uv)
		}
		return uv, nil
	default:
		uv, err := stringifyKeyValue(v)
		if err != nil {
			return nil, err
		}
		if m.storeFullRef() {
			return childModel.StorageKey(uv)
		}
		return uv, nil
	}
}

// ─── remove ──────────────────────────────────────────────────────────────────

// Remove deletes the document from the store. The in-memory state is
// preserved for post-hooks; the instance detaches from the store.
func (d *Document) Remove(ctx context.Context, opts *RemoveOptions) error {
	if d.model == nil {
		return NewArgError("document is not bound to a model")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return d.model.removeDoc(ctx, d, opts, map[string]bool{})
}

func (m *Model) removeDoc(ctx context.Context, d *Document, opts *RemoveOptions, visited map[string]bool) error {
	if opts == nil {
		opts = &RemoveOptions{}
	}
	userVal, err := stringifyKeyValue(d.Key())
	if err != nil {
		return NewError(fmt.Sprintf(`cannot remove "%s" without a key`, m.Name),
			WithCode(ErrInvalidKey), WithCause(err))
	}
	key, err := m.StorageKey(userVal)
	if err != nil {
		return err
	}
	if visited[key] {
		return nil
	}
	visited[key] = true

	if opts.Lean {
		rerr := m.storeOp(ctx, "remove", func() error {
			return m.store.Remove(ctx, key, nil)
		})
		if rerr != nil && !IsNotFound(rerr) {
			return rerr
		}
		d.persisted = false
		d.removed = true
		d.casKnown = false
		return nil
	}

	if err := m.schema.runPre(ctx, "remove", d); err != nil {
		return err
	}

	if opts.RemoveRefs {
		if err := m.removeEmbedded(ctx, d, opts, visited); err != nil {
			return err
		}
	}

	wopts := &WriteOptions{}
	if d.casKnown {
		wopts.Cas = d.cas
	}
	rerr := m.storeOp(ctx, "remove", func() error {
		return m.store.Remove(ctx, key, wopts)
	})
	if rerr != nil {
		if IsCasMismatch(rerr) {
			return NewError(fmt.Sprintf(`document "%s" was modified concurrently`, key),
				WithCode(ErrConcurrentModification), WithCause(rerr))
		}
		if !IsNotFound(rerr) {
			return rerr
		}
	}

	idxErrs := m.purgeIndexes(ctx, d)
	if len(idxErrs) > 0 {
		go func() {
			for _, e := range idxErrs {
				d.emit("index", e)
				if m.cfg.EmitErrors {
					d.emit("error", e)
				}
			}
		}()
	}

	d.persisted = false
	d.removed = true
	d.casKnown = false

	m.schema.runPost("remove", d, m.cfg.EmitErrors)
	d.emit("remove", d)
	return nil
}

// removeEmbedded removes the reachable embedded set, depth-first. Scalar
// references are loaded first so their own hooks and lookups apply.
func (m *Model) removeEmbedded(ctx context.Context, d *Document, opts *RemoveOptions, visited map[string]bool) error {
	remove := func(pf *preparedField, val any) error {
		childModel, err := m.lounge.GetModel(pf.RefModel)
		if err != nil {
			return err
		}
		if child, ok := val.(*Document); ok {
			return childModel.removeDoc(ctx, child, opts, visited)
		}
		uv, err := stringifyKeyValue(val)
		if err != nil {
			return err
		}
		if m.storeFullRef() {
			uv = childModel.UserKey(uv)
		}
		child, err := childModel.Find(ctx, uv, nil)
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}
		return childModel.removeDoc(ctx, child, opts, visited)
	}

	for _, name := range m.schema.order {
		pf := m.schema.fields[name]
		switch pf.Type {
		case FieldTypeReference:
			if val, present := d.data[name]; present {
				if err := remove(pf, val); err != nil {
					return err
				}
			}
		case FieldTypeArray:
			if pf.Element == nil || pf.Element.Type != FieldTypeReference {
				continue
			}
			if arr, ok := d.data[name].([]any); ok {
				for _, elem := range arr {
					if err := remove(pf.Element, elem); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// RemoveByID loads and removes the documents with the given user-visible
// ids. Missing ids are skipped.
func (m *Model) RemoveByID(ctx context.Context, ids []string, opts *RemoveOptions) error {
	res, err := m.FindByID(ctx, ids, nil)
	if err != nil {
		return err
	}
	for _, d := range res.Docs {
		if err := d.Remove(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

// ─── find ────────────────────────────────────────────────────────────────────

// Find retrieves a single document by user-visible id; nil when missing.
func (m *Model) Find(ctx context.Context, id string, opts *FindOptions) (*Document, error) {
	res, err := m.FindByID(ctx, []string{id}, opts)
	if err != nil {
		return nil, err
	}
	if len(res.Docs) == 0 {
		return nil, nil
	}
	return res.Docs[0], nil
}

// FindByID retrieves documents by user-visible ids with a single getMulti.
// Results keep store order unless keepSortOrder; Misses lists the input ids
// that did not resolve (nil when the missing option is off).
func (m *Model) FindByID(ctx context.Context, ids []string, opts *FindOptions) (*FindResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &FindOptions{}
	}
	keys := make([]string, 0, len(ids))
	keyToID := map[string]string{}
	for _, id := range ids {
		k, err := m.StorageKey(id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		keyToID[k] = id
	}

	var results []*MultiResult
	gerr := m.storeOp(ctx, "getMulti", func() error {
		var e error
		results, e = m.store.GetMulti(ctx, keys)
		return e
	})
	if gerr != nil {
		return nil, gerr
	}

	hits := map[string]*Document{}
	var order []string
	var misses []string
	for _, r := range results {
		if r.Err != nil || r.Value == nil {
			if r.Err != nil && !IsNotFound(r.Err) {
				return nil, r.Err
			}
			misses = append(misses, keyToID[r.Key])
			continue
		}
		obj, ok := r.Value.(map[string]any)
		if !ok {
			return nil, NewError(fmt.Sprintf(`document "%s" is not an object`, r.Key),
				WithCode(ErrFatal))
		}
		d := m.hydrate(keyToID[r.Key], obj, r.Cas)
		hits[r.Key] = d
		order = append(order, r.Key)
	}
	for _, k := range keys {
		if _, ok := hits[k]; ok {
			continue
		}
		if !containsString(misses, keyToID[k]) {
			misses = append(misses, keyToID[k])
		}
	}

	keepOrder := m.cfg.KeepSortOrder
	if opts.KeepSortOrder != nil {
		keepOrder = *opts.KeepSortOrder
	}
	var docs []*Document
	if keepOrder {
		for _, k := range keys {
			if d, ok := hits[k]; ok {
				docs = append(docs, d)
			}
		}
	} else {
		for _, k := range order {
			docs = append(docs, hits[k])
		}
	}

	if opts.Populate != nil && opts.Populate != false {
		if err := m.populate(ctx, docs, opts.Populate); err != nil {
			return nil, err
		}
	}

	missing := m.cfg.Missing == nil || *m.cfg.Missing
	if opts.Missing != nil {
		missing = *opts.Missing
	}
	if !missing {
		misses = nil
	}
	return &FindResult{Docs: docs, Misses: misses}, nil
}

// hydrate builds a document from its persisted layout, bypassing validators
// and pre-hooks so stored data always loads.
func (m *Model) hydrate(id string, obj map[string]any, cas Cas) *Document {
	d := &Document{
		model:     m,
		schema:    m.schema,
		data:      Item{},
		shadow:    map[string][]string{},
		hydrating: true,
	}
	for name, val := range obj {
		pf, known := m.schema.fields[name]
		if !known {
			continue
		}
		if pf.IsKey && m.storeFullKey() {
			if s, ok := val.(string); ok {
				val = m.UserKey(s)
			}
		}
		d.Set(name, val)
	}
	if _, present := d.data[m.schema.keyField.Name]; !present {
		d.Set(m.schema.keyField.Name, id)
	}
	d.hydrating = false
	d.cas = cas
	d.casKnown = true
	d.persisted = true
	d.shadow = m.indexValues(d)
	return d
}

// ─── population ──────────────────────────────────────────────────────────────

type popRequest struct {
	doc   *Document
	field string
	idx   int // -1: whole field
	id    string
}

// populate resolves embedded references breadth-first, batched per model.
func (m *Model) populate(ctx context.Context, docs []*Document, spec any) error {
	recursive := false
	var paths []string
	switch s := spec.(type) {
	case bool:
		if !s {
			return nil
		}
		recursive = true
	case string:
		paths = []string{s}
	case []string:
		paths = s
	default:
		return NewArgError(fmt.Sprintf("unsupported populate specifier %T", spec))
	}

	seen := map[string]bool{}
	level := docs
	for len(level) > 0 {
		byModel := map[string][]popRequest{}
		for _, d := range level {
			reqs := d.model.collectPopTargets(d, recursive, paths)
			for _, r := range reqs {
				refModel := refModelFor(d.model.schema.fields[r.field])
				if seen[refModel+"\x00"+r.id] && recursive {
					continue
				}
				byModel[refModel] = append(byModel[refModel], r)
			}
		}
		if len(byModel) == 0 {
			return nil
		}

		var next []*Document
		for modelName, reqs := range byModel {
			childModel, err := m.lounge.GetModel(modelName)
			if err != nil {
				return err
			}
			idSet := map[string]bool{}
			var ids []string
			for _, r := range reqs {
				if !idSet[r.id] {
					idSet[r.id] = true
					ids = append(ids, r.id)
				}
				seen[modelName+"\x00"+r.id] = true
			}
			res, err := childModel.FindByID(ctx, ids, nil)
			if err != nil {
				return err
			}
			byID := map[string]*Document{}
			for _, cd := range res.Docs {
				uv, _ := stringifyKeyValue(cd.Key())
				byID[uv] = cd
			}
			for _, r := range reqs {
				child, ok := byID[r.id]
				if !ok {
					continue
				}
				if r.idx < 0 {
					r.doc.data[r.field] = child
				} else if arr, ok := r.doc.data[r.field].([]any); ok && r.idx < len(arr) {
					arr[r.idx] = child
				}
			}
			if recursive {
				next = append(next, res.Docs...)
			}
		}
		if !recursive {
			return nil
		}
		level = next
	}
	return nil
}

// collectPopTargets finds the scalar references to expand on one document.
func (m *Model) collectPopTargets(d *Document, recursive bool, paths []string) []popRequest {
	var reqs []popRequest

	add := func(field string, idx int, val any) {
		pf := m.schema.fields[field]
		elem := pf
		if idx >= 0 || (pf.Type == FieldTypeArray && pf.Element != nil) {
			elem = pf.Element
		}
		if elem == nil || elem.Type != FieldTypeReference {
			return
		}
		if _, hydrated := val.(*Document); hydrated {
			return
		}
		uv, err := stringifyKeyValue(val)
		if err != nil {
			return
		}
		if m.storeFullRef() {
			if childModel, err := m.lounge.GetModel(elem.RefModel); err == nil {
				uv = childModel.UserKey(uv)
			}
		}
		reqs = append(reqs, popRequest{doc: d, field: field, idx: idx, id: uv})
	}

	target := func(field string, idx int) {
		pf, ok := m.schema.fields[field]
		if !ok {
			return
		}
		switch pf.Type {
		case FieldTypeReference:
			if val, present := d.data[field]; present {
				add(field, -1, val)
			}
		case FieldTypeArray:
			arr, ok := d.data[field].([]any)
			if !ok {
				return
			}
			if idx >= 0 {
				if idx < len(arr) {
					add(field, idx, arr[idx])
				}
				return
			}
			for i, elem := range arr {
				add(field, i, elem)
			}
		}
	}

	if recursive {
		for _, name := range m.schema.order {
			target(name, -1)
		}
		return reqs
	}
	for _, p := range paths {
		field, idx := splitPopPath(p)
		target(field, idx)
	}
	return reqs
}

func splitPopPath(p string) (string, int) {
	if i := strings.LastIndex(p, "."); i > 0 {
		if n, err := parseIndex(p[i+1:]); err == nil {
			return p[:i], n
		}
	}
	return p, -1
}

func parseIndex(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func refModelFor(pf *preparedField) string {
	if pf.Type == FieldTypeArray && pf.Element != nil {
		return pf.Element.RefModel
	}
	return pf.RefModel
}
