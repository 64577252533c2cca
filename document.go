/*
Package lounge – Document: the schema-validated value layer plus per-instance
CAS state.

Field writes run through a fixed pipeline: transform → typecast → validator →
onBeforeValueSet → commit → onValueSet. Rejections are accumulated as
set-errors, never thrown. Hydration from the store bypasses validators so
persisted data is always loadable.
*/
package lounge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// SetError records a rejected field write.
type SetError struct {
	Field     string
	Message   string
	Attempted any
	Prior     any
	Def       *FieldDef
}

// Document is a mutable in-memory instance of a model. Instances are not
// safe for concurrent mutation; the application owns instance-level
// exclusivity.
type Document struct {
	model  *Model
	schema *Schema

	data Item

	cas       Cas
	casKnown  bool
	persisted bool
	removed   bool

	// shadow holds the indexed-field values as of the last load or save,
	// used to compute lookup-document deltas.
	shadow map[string][]string

	errs []SetError
	em   emitter

	hydrating bool
}

// Model returns the owning model.
func (d *Document) Model() *Model { return d.model }

// Schema returns the owning schema.
func (d *Document) Schema() *Schema { return d.schema }

// CAS returns the current compare-and-swap token (zero when unknown).
func (d *Document) CAS() Cas { return d.cas }

// SetCAS assigns a token explicitly, moving the instance to the Known state.
func (d *Document) SetCAS(cas Cas) {
	d.cas = cas
	d.casKnown = cas != 0
}

// IsNew reports whether the document has never been persisted.
func (d *Document) IsNew() bool { return !d.persisted }

// IsRemoved reports whether the document was removed from the store.
func (d *Document) IsRemoved() bool { return d.removed }

// On registers an event handler ("save", "remove", "index", "error").
func (d *Document) On(event string, h EventHandler) { d.em.on(event, h) }

func (d *Document) emit(event string, args ...any) { d.em.emit(event, args...) }

// SetErrors returns the accumulated set-errors.
func (d *Document) SetErrors() []SetError { return append([]SetError(nil), d.errs...) }

// HasErrors reports whether any set-errors are pending.
func (d *Document) HasErrors() bool { return len(d.errs) > 0 }

// ClearErrors discards accumulated set-errors.
func (d *Document) ClearErrors() { d.errs = nil }

func (d *Document) addError(field, msg string, attempted, prior any, def *FieldDef) {
	d.errs = append(d.errs, SetError{Field: field, Message: msg, Attempted: attempted, Prior: prior, Def: def})
	if d.model != nil {
		d.model.log.Error(fmt.Sprintf(`invalid value for "%s.%s": %s`, d.model.Name, field, msg),
			map[string]any{"value": attempted})
	}
}

// Key returns the user-visible key value (nil when unset).
func (d *Document) Key() any {
	if d.schema.keyField == nil {
		return nil
	}
	return d.data[d.schema.keyField.Name]
}

// Get returns the current value of a field, virtual or alias. Getters run on
// read. Unknown names return nil.
func (d *Document) Get(field string) any {
	if v, ok := d.schema.virtuals[field]; ok && v.Get != nil {
		return v.Get(d)
	}
	pf, ok := d.schema.fields[field]
	if !ok {
		return nil
	}
	if pf.Type == FieldTypeAlias {
		pf = d.schema.fields[pf.AliasTarget]
	}
	val := d.data[pf.Name]
	if pf.Def.Get != nil {
		return pf.Def.Get(d, val)
	}
	return val
}

// GetAll returns the current values of the given fields (all fields when
// none are named), each resolved through Get.
func (d *Document) GetAll(fields ...string) Item {
	if len(fields) == 0 {
		fields = d.schema.order
	}
	out := Item{}
	for _, f := range fields {
		if v := d.Get(f); v != nil {
			out[f] = v
		}
	}
	return out
}

// Set writes one field through the value pipeline. Rejections accumulate as
// set-errors and leave the prior value in place.
func (d *Document) Set(field string, value any) *Document {
	if v, ok := d.schema.virtuals[field]; ok {
		if v.Set != nil {
			v.Set(d, value)
		}
		return d
	}
	pf, ok := d.schema.fields[field]
	if !ok {
		if d.model != nil {
			d.model.log.Trace(fmt.Sprintf(`ignoring unknown field "%s"`, field), nil)
		}
		return d
	}
	if pf.Type == FieldTypeAlias {
		pf = d.schema.fields[pf.AliasTarget]
	}
	d.setField(pf, value)
	return d
}

// SetAll writes every entry of props through the pipeline, in schema order
// for known fields.
func (d *Document) SetAll(props Item) *Document {
	for _, name := range d.schema.order {
		if v, ok := props[name]; ok {
			d.Set(name, v)
		}
	}
	for name, v := range props {
		if _, known := d.schema.fields[name]; known {
			continue
		}
		d.Set(name, v)
	}
	return d
}

func (d *Document) setField(pf *preparedField, value any) {
	prior := d.data[pf.Name]

	if pf.Def.ReadOnly && !d.hydrating && prior != nil {
		d.addError(pf.Name, "field is read-only", value, prior, pf.Def)
		return
	}

	if !d.hydrating && pf.Def.Transform != nil {
		value = pf.Def.Transform(value)
	}

	cast, ok := d.typecast(pf, value)
	if !ok {
		d.addError(pf.Name, fmt.Sprintf("cannot cast value to %s", pf.Type), value, prior, pf.Def)
		return
	}

	if !d.hydrating {
		if msg, ok := checkConstraints(pf, cast); !ok {
			d.addError(pf.Name, msg, value, prior, pf.Def)
			return
		}
		if pf.Def.Validator != nil && !pf.Def.Validator(cast) {
			d.addError(pf.Name, "validator rejected value", value, prior, pf.Def)
			return
		}
		if hook := d.schema.opts.OnBeforeValueSet; hook != nil {
			if err := hook(d, pf.Name, cast); err != nil {
				d.addError(pf.Name, err.Error(), value, prior, pf.Def)
				return
			}
		}
	}

	if cast == nil {
		delete(d.data, pf.Name)
	} else {
		d.data[pf.Name] = cast
	}

	if !d.hydrating {
		if hook := d.schema.opts.OnValueSet; hook != nil {
			hook(d, pf.Name, cast)
		}
	}
}

// ─── typecast ────────────────────────────────────────────────────────────────

// typecast coerces value to the declared field type when safely possible.
func (d *Document) typecast(pf *preparedField, value any) (any, bool) {
	if value == nil {
		return nil, true
	}
	switch pf.Type {
	case FieldTypeAny:
		return value, true
	case FieldTypeString:
		return castString(pf, value)
	case FieldTypeNumber:
		return castNumber(value)
	case FieldTypeBoolean:
		return castBoolean(value)
	case FieldTypeDate:
		return castDate(value)
	case FieldTypeArray:
		return d.castArray(pf, value)
	case FieldTypeObject:
		return d.castObject(pf, value)
	case FieldTypeReference:
		return castReference(pf, value)
	}
	return value, true
}

func castString(pf *preparedField, value any) (any, bool) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case bool:
		s = strconv.FormatBool(v)
	case int, int32, int64, uint, uint32, uint64:
		s = fmt.Sprintf("%d", v)
	case float32:
		s = strconv.FormatFloat(float64(v), 'f', -1, 64)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		s = v.UTC().Format(time.RFC3339Nano)
	default:
		return nil, false
	}
	if pf.Def.StringTransform != nil {
		s = pf.Def.StringTransform(s)
	}
	if pf.Def.Clip && pf.Def.MaxLength > 0 && len(s) > pf.Def.MaxLength {
		s = s[:pf.Def.MaxLength]
	}
	return s, true
}

func castNumber(value any) (any, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

func castBoolean(value any) (any, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return nil, false
	case int:
		if v == 0 || v == 1 {
			return v == 1, true
		}
	case float64:
		if v == 0 || v == 1 {
			return v == 1, true
		}
	}
	return nil, false
}

func castDate(value any) (any, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		return nil, false
	case int64:
		return time.UnixMilli(v).UTC(), true
	case int:
		return time.UnixMilli(int64(v)).UTC(), true
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	}
	return nil, false
}

func (d *Document) castArray(pf *preparedField, value any) (any, bool) {
	arr, ok := toAnySlice(value)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		cast, ok := d.typecast(pf.Element, elem)
		if !ok {
			return nil, false
		}
		out = append(out, cast)
	}
	if pf.Def.Unique {
		out = dedupeValues(out)
	}
	return out, true
}

func (d *Document) castObject(pf *preparedField, value any) (any, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	if pf.Block == nil {
		return obj, true
	}
	// retain only fields the block knows, each coerced by its descriptor
	out := Item{}
	for _, name := range pf.Block.order {
		sub := pf.Block.fields[name]
		if sub.IsKey && sub.Name == syntheticKeyField {
			continue
		}
		v, present := obj[name]
		if !present {
			continue
		}
		cast, ok := d.typecast(sub, v)
		if !ok {
			return nil, false
		}
		if cast != nil {
			out[name] = cast
		}
	}
	return out, true
}

func castReference(pf *preparedField, value any) (any, bool) {
	switch v := value.(type) {
	case *Document:
		return v, true
	case string:
		return v, true
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return v, true
	}
	return nil, false
}

// checkConstraints enforces per-type constraints after typecast.
func checkConstraints(pf *preparedField, value any) (string, bool) {
	if value == nil {
		return "", true
	}
	switch pf.Type {
	case FieldTypeString:
		s := value.(string)
		if pf.Def.MinLength > 0 && len(s) < pf.Def.MinLength {
			return fmt.Sprintf("shorter than minLength %d", pf.Def.MinLength), false
		}
		if pf.Def.MaxLength > 0 && !pf.Def.Clip && len(s) > pf.Def.MaxLength {
			return fmt.Sprintf("longer than maxLength %d", pf.Def.MaxLength), false
		}
		if pf.regex != nil && !pf.regex.MatchString(s) {
			return "value does not match pattern", false
		}
		if len(pf.Def.Enum) > 0 && !containsString(pf.Def.Enum, s) {
			return "value not in enum", false
		}
	case FieldTypeNumber:
		n := value.(float64)
		if pf.Def.Min != nil && n < *pf.Def.Min {
			return fmt.Sprintf("below min %v", *pf.Def.Min), false
		}
		if pf.Def.Max != nil && n > *pf.Def.Max {
			return fmt.Sprintf("above max %v", *pf.Def.Max), false
		}
	case FieldTypeArray:
		if arr, ok := value.([]any); ok && pf.Element != nil {
			for _, elem := range arr {
				if msg, ok := checkConstraints(pf.Element, elem); !ok {
					return msg, false
				}
			}
		}
	}
	return "", true
}

// ─── serialization ───────────────────────────────────────────────────────────

// ToObjectOptions controls plain-object serialization.
type ToObjectOptions struct {
	Transform ObjectTransform
	Minimize  *bool // default true
	Virtuals  bool
	DateToISO bool
}

// ToObject renders the document as a plain Item. Invisible fields are
// skipped; embedded documents expand recursively; the transform runs after
// minimization and virtual inclusion.
func (d *Document) ToObject(opts *ToObjectOptions) Item {
	if opts == nil {
		opts = &ToObjectOptions{}
	}
	minimize := true
	if opts.Minimize != nil {
		minimize = *opts.Minimize
	} else if d.schema.opts.Minimize != nil {
		minimize = *d.schema.opts.Minimize
	} else if d.model != nil && d.model.cfg.Minimize != nil {
		minimize = *d.model.cfg.Minimize
	}

	obj := Item{}
	for _, name := range d.schema.order {
		pf := d.schema.fields[name]
		if pf.Def.Invisible || pf.Type == FieldTypeAlias {
			continue
		}
		val, present := d.data[name]
		if !present {
			continue
		}
		if pf.Def.Get != nil {
			val = pf.Def.Get(d, val)
		}
		obj[name] = renderValue(val, opts)
	}

	if opts.Virtuals {
		for name, v := range d.schema.virtuals {
			if v.Get != nil {
				obj[name] = renderValue(v.Get(d), opts)
			}
		}
	}

	if minimize {
		obj = minimizeObject(obj)
	}

	if d.schema.opts.ToObject != nil {
		obj = d.schema.opts.ToObject(d, obj)
	}
	if opts.Transform != nil {
		obj = opts.Transform(d, obj)
	}
	return obj
}

// ToJSON serializes the document. Dates always render as ISO-8601 strings in
// UTC; the DateToISO field of opts is not consulted.
func (d *Document) ToJSON(opts *ToObjectOptions) ([]byte, error) {
	if opts == nil {
		opts = &ToObjectOptions{DateToISO: true}
	}
	obj := d.ToObject(&ToObjectOptions{
		Transform: opts.Transform,
		Minimize:  opts.Minimize,
		Virtuals:  opts.Virtuals,
		DateToISO: true,
	})
	if d.schema.opts.ToJSON != nil {
		obj = d.schema.opts.ToJSON(d, obj)
	}
	return json.Marshal(obj)
}

func renderValue(val any, opts *ToObjectOptions) any {
	switch v := val.(type) {
	case *Document:
		return v.ToObject(opts)
	case time.Time:
		if opts.DateToISO {
			return v.UTC().Format(time.RFC3339Nano)
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = renderValue(elem, opts)
		}
		return out
	case map[string]any:
		out := Item{}
		for k, elem := range v {
			out[k] = renderValue(elem, opts)
		}
		return out
	}
	return val
}

// minimizeObject drops empty objects and arrays, recursively.
func minimizeObject(obj Item) Item {
	out := Item{}
	for k, v := range obj {
		switch tv := v.(type) {
		case map[string]any:
			m := minimizeObject(tv)
			if len(m) > 0 {
				out[k] = m
			}
		case []any:
			if len(tv) > 0 {
				out[k] = tv
			}
		case nil:
		default:
			out[k] = v
		}
	}
	return out
}

// ─── dispatch / hooks ───────────────────────────────────────────────────────

// Call dispatches a registered instance method by name.
func (d *Document) Call(name string, args ...any) (any, error) {
	fn, ok := d.schema.methods[name]
	if !ok {
		return nil, NewArgError(`unknown method "` + name + `"`)
	}
	return fn(d, args...)
}

// RunHook executes a custom-named pre chain followed by its post chain.
func (d *Document) RunHook(ctx context.Context, event string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.schema.runPre(ctx, event, d); err != nil {
		return err
	}
	emitErrs := d.model != nil && d.model.cfg.EmitErrors
	d.schema.runPost(event, d, emitErrs)
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func toAnySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []float64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []*Document:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	return nil, false
}

func dedupeValues(arr []any) []any {
	seen := map[string]bool{}
	out := arr[:0]
	for _, v := range arr {
		k := fmt.Sprintf("%v", v)
		if doc, ok := v.(*Document); ok {
			k = fmt.Sprintf("doc:%p", doc)
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
