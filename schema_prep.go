/*
Package lounge – schema compilation (field parsing, key/index/alias
resolution, extend).
*/
package lounge

import (
	"regexp"
	"sort"
	"strings"
)

const syntheticKeyField = "id"

// NewSchema compiles a FieldMap into a Schema. Invalid definitions return an
// ArgError.
func NewSchema(fields FieldMap, opts *SchemaOptions) (*Schema, error) {
	s := &Schema{
		fields:   map[string]*preparedField{},
		virtuals: map[string]Virtual{},
		statics:  map[string]Static{},
		methods:  map[string]Method{},
		pres:     map[string][]preHook{},
		posts:    map[string][]PostHook{},
	}
	if opts != nil {
		s.opts = *opts
	}
	for name, def := range fields {
		if err := s.addField(name, def); err != nil {
			return nil, err
		}
	}
	if err := s.finalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add appends or overrides a field by path. Dotted paths address object
// sub-schemas ("address.city"). The schema is re-finalized after the change.
func (s *Schema) Add(path string, def *FieldDef) error {
	parts := strings.SplitN(path, ".", 2)
	if len(parts) == 2 {
		parent, ok := s.fields[parts[0]]
		if !ok || parent.Block == nil {
			return NewArgError(`cannot add nested field "` + path + `": no object field "` + parts[0] + `"`)
		}
		if err := parent.Block.Add(parts[1], def); err != nil {
			return err
		}
		return nil
	}
	if _, exists := s.fields[path]; exists {
		delete(s.fields, path)
		s.order = removeString(s.order, path)
	}
	if err := s.addField(path, def); err != nil {
		return err
	}
	return s.finalize()
}

// Extend copies from base those fields, virtuals, statics, methods and
// middleware entries whose names are absent in s (shallow diff by name).
func (s *Schema) Extend(base *Schema) error {
	if base == nil {
		return NewArgError("cannot extend nil schema")
	}
	hasKey := false
	for _, pf := range s.fields {
		if pf.IsKey {
			hasKey = true
			break
		}
	}
	for _, name := range base.order {
		if _, ok := s.fields[name]; ok {
			continue
		}
		def := base.fields[name].Def
		if hasKey && def.Key {
			// the extending schema already owns a key; carry the field over
			// as a plain field
			c := *def
			c.Key = false
			def = &c
		}
		if err := s.addField(name, def); err != nil {
			return err
		}
	}
	for name, v := range base.virtuals {
		if _, ok := s.virtuals[name]; !ok {
			s.virtuals[name] = v
		}
	}
	for name, fn := range base.statics {
		if _, ok := s.statics[name]; !ok {
			s.statics[name] = fn
		}
	}
	for name, fn := range base.methods {
		if _, ok := s.methods[name]; !ok {
			s.methods[name] = fn
		}
	}
	for event, hooks := range base.pres {
		if _, ok := s.pres[event]; !ok {
			s.pres[event] = append([]preHook(nil), hooks...)
		}
	}
	for event, hooks := range base.posts {
		if _, ok := s.posts[event]; !ok {
			s.posts[event] = append([]PostHook(nil), hooks...)
		}
	}
	return s.finalize()
}

// addField prepares a single field definition.
func (s *Schema) addField(name string, def *FieldDef) error {
	if name == "" {
		return NewArgError("field name must not be empty")
	}
	if def == nil {
		return NewArgError(`missing definition for field "` + name + `"`)
	}
	pf, err := prepareField(name, def)
	if err != nil {
		return err
	}
	s.fields[name] = pf
	s.order = append(s.order, name)
	return nil
}

func prepareField(name string, def *FieldDef) (*preparedField, error) {
	ft := def.Type
	if ft == "" {
		ft = FieldTypeString
		if def.Ref != "" {
			ft = FieldTypeReference
		} else if def.Schema != nil {
			ft = FieldTypeObject
		} else if def.ArrayOf != nil {
			ft = FieldTypeArray
		} else if def.AliasOf != "" {
			ft = FieldTypeAlias
		}
	}
	ft = FieldType(strings.ToLower(string(ft)))
	if !validFieldTypes[ft] {
		return nil, NewArgError(`unknown type "` + string(def.Type) + `" for field "` + name + `"`)
	}

	pf := &preparedField{
		Name: name,
		Def:  def,
		Type: ft,
	}

	switch ft {
	case FieldTypeReference:
		if def.Ref == "" {
			return nil, NewArgError(`reference field "` + name + `" is missing a model name`)
		}
		pf.RefModel = def.Ref
	case FieldTypeAlias:
		if def.AliasOf == "" {
			return nil, NewArgError(`alias field "` + name + `" is missing a target`)
		}
		pf.AliasTarget = def.AliasOf
	case FieldTypeArray:
		elem := def.ArrayOf
		if elem == nil {
			elem = &FieldDef{Type: FieldTypeAny}
		}
		epf, err := prepareField(name+"[]", elem)
		if err != nil {
			return nil, err
		}
		pf.Element = epf
	case FieldTypeObject:
		if def.Schema != nil {
			sub, err := NewSchema(def.Schema, nil)
			if err != nil {
				return nil, err
			}
			// embedded object blocks never carry their own key
			if sub.keyField != nil && sub.keyField.Name == syntheticKeyField && def.Schema[syntheticKeyField] == nil {
				delete(sub.fields, syntheticKeyField)
				sub.order = removeString(sub.order, syntheticKeyField)
				sub.keyField = nil
			}
			pf.Block = sub
		}
	}

	if def.Key {
		if ft != FieldTypeString && ft != FieldTypeNumber {
			return nil, NewArgError(`key field "` + name + `" must be string or number`)
		}
		pf.IsKey = true
		pf.Generate = def.Generate == nil || *def.Generate
		pf.GenerateKind = def.GenerateKind
		if pf.GenerateKind == "" {
			pf.GenerateKind = "uuid"
		}
	}

	if def.Index {
		pf.IsIndexed = true
		pf.IndexName = def.IndexName
		if pf.IndexName == "" {
			pf.IndexName = deriveIndexName(name)
		}
	}

	if def.Regex != "" {
		re, err := compilePattern(def.Regex)
		if err != nil {
			return nil, NewArgError(`bad pattern for field "` + name + `": ` + err.Error())
		}
		pf.regex = re
	}

	return pf, nil
}

// finalize resolves the key field, alias targets and index handles. Adds the
// synthetic id key when no field carries Key.
func (s *Schema) finalize() error {
	sort.Strings(s.order)

	s.keyField = nil
	for _, name := range s.order {
		pf := s.fields[name]
		if !pf.IsKey {
			continue
		}
		if s.keyField != nil {
			return NewArgError(`schema has more than one key field ("` + s.keyField.Name + `", "` + name + `")`)
		}
		s.keyField = pf
	}
	if s.keyField == nil {
		if existing, ok := s.fields[syntheticKeyField]; ok {
			// a plain "id" field doubles as the key
			existing.IsKey = true
			existing.Generate = existing.Def.Generate == nil || *existing.Def.Generate
			if existing.GenerateKind == "" {
				existing.GenerateKind = existing.Def.GenerateKind
				if existing.GenerateKind == "" {
					existing.GenerateKind = "uuid"
				}
			}
			s.keyField = existing
		} else {
			gen := true
			pf, err := prepareField(syntheticKeyField, &FieldDef{Type: FieldTypeString, Key: true, Generate: &gen})
			if err != nil {
				return err
			}
			s.fields[syntheticKeyField] = pf
			s.order = append(s.order, syntheticKeyField)
			sort.Strings(s.order)
			s.keyField = pf
		}
	}

	for _, name := range s.order {
		pf := s.fields[name]
		if pf.Type != FieldTypeAlias {
			continue
		}
		target, ok := s.fields[pf.AliasTarget]
		if !ok {
			return NewArgError(`alias "` + name + `" targets unknown field "` + pf.AliasTarget + `"`)
		}
		if target.Type == FieldTypeAlias {
			return NewArgError(`alias "` + name + `" may not target another alias`)
		}
	}

	s.indexed = s.indexed[:0]
	seen := map[string]string{}
	for _, name := range s.order {
		pf := s.fields[name]
		if !pf.IsIndexed {
			continue
		}
		if prior, dup := seen[pf.IndexName]; dup {
			return NewArgError(`index name "` + pf.IndexName + `" used by both "` + prior + `" and "` + name + `"`)
		}
		seen[pf.IndexName] = name
		s.indexed = append(s.indexed, pf)
	}
	return nil
}

// compilePattern accepts "/pattern/flags" or a bare Go pattern.
func compilePattern(pat string) (*regexp.Regexp, error) {
	if strings.HasPrefix(pat, "/") {
		if last := strings.LastIndex(pat, "/"); last > 0 {
			flags := pat[last+1:]
			inner := pat[1:last]
			if flags != "" {
				inner = "(?" + flags + ")" + inner
			}
			return regexp.Compile(inner)
		}
	}
	return regexp.Compile(pat)
}

// deriveIndexName singularizes (trailing-s strip when len > 1) and
// lower-camel-cases a field name.
func deriveIndexName(field string) string {
	name := field
	if len(name) > 1 && strings.HasSuffix(name, "s") {
		name = name[:len(name)-1]
	}
	if name == "" {
		return field
	}
	parts := strings.Split(name, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	if camel := strings.Join(parts, ""); camel != "" {
		name = camel
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
