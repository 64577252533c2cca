/*
Package lounge – schema types.

Field definitions are plain descriptor structs; NewSchema compiles them into
read-only prepared fields (see schema_prep.go).
*/
package lounge

import "regexp"

// FieldType is the semantic type of a schema field.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeNumber    FieldType = "number"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeDate      FieldType = "date"
	FieldTypeAny       FieldType = "any"
	FieldTypeArray     FieldType = "array"
	FieldTypeObject    FieldType = "object"
	FieldTypeReference FieldType = "reference"
	FieldTypeAlias     FieldType = "alias"
)

var validFieldTypes = map[FieldType]bool{
	FieldTypeString: true, FieldTypeNumber: true, FieldTypeBoolean: true,
	FieldTypeDate: true, FieldTypeAny: true, FieldTypeArray: true,
	FieldTypeObject: true, FieldTypeReference: true, FieldTypeAlias: true,
}

// Item is a generic property map passed to and returned from documents.
type Item = map[string]any

// DefaultFunc computes a default value in document context.
type DefaultFunc func(d *Document) any

// TransformFunc runs on a raw value before typecast.
type TransformFunc func(value any) any

// ValidatorFunc returns false to reject a write. The failed value is recorded
// as a set-error; nothing is thrown.
type ValidatorFunc func(value any) bool

// GetterFunc post-processes a committed value on read.
type GetterFunc func(d *Document, value any) any

// StringTransformFunc rewrites a string value during typecast (before clip).
type StringTransformFunc func(s string) string

// FieldDef is a single field definition inside a schema.
// All attributes are optional to allow partial definitions.
type FieldDef struct {
	Type FieldType

	// Key attributes. At most one field per schema may set Key. Generate
	// defaults to true for key fields; GenerateKind is "uuid" (default),
	// "ulid", "uid" or "uid(n)". Prefix/Suffix override the schema-level
	// key affixes for this field only.
	Key          bool
	Generate     *bool
	GenerateKind string
	Prefix       *string
	Suffix       *string

	// Value pipeline
	Default   any // literal or DefaultFunc
	Transform TransformFunc
	Validator ValidatorFunc
	Get       GetterFunc
	ReadOnly  bool
	Invisible bool

	// String constraints
	Regex           string // "/pattern/flags" or bare pattern
	Enum            []string
	MinLength       int
	MaxLength       int
	Clip            bool // truncate to MaxLength instead of rejecting
	StringTransform StringTransformFunc

	// Number constraints
	Min *float64
	Max *float64

	// Array attributes
	Unique  bool
	ArrayOf *FieldDef

	// Object sub-schema
	Schema FieldMap

	// Reference to another model by name
	Ref string

	// Alias target field
	AliasOf string

	// Secondary index
	Index     bool
	IndexName string
}

// FieldMap is a map of field name → definition.
type FieldMap map[string]*FieldDef

// ObjectTransform rewrites the plain object produced by ToObject / ToJSON.
type ObjectTransform func(d *Document, obj Item) Item

// SchemaOptions holds schema-level behavioural flags. Pointer fields inherit
// from the Lounge config when nil.
type SchemaOptions struct {
	KeyPrefix            *string
	KeySuffix            *string
	Delimiter            *string
	RefIndexKeyPrefix    *string
	Minimize             *bool
	StoreFullReferenceID *bool
	StoreFullKey         *bool

	ToObject ObjectTransform
	ToJSON   ObjectTransform

	// OnBeforeValueSet may veto a commit by returning an error; the error
	// message is recorded as a set-error.
	OnBeforeValueSet func(d *Document, field string, value any) error
	OnValueSet       func(d *Document, field string, value any)
}

// Virtual is a computed member: never persisted, exposed on read (and
// optionally writable through Set).
type Virtual struct {
	Get func(d *Document) any
	Set func(d *Document, value any)
}

// Static is a model-level function dispatched by name.
type Static func(m *Model, args ...any) (any, error)

// Method is a document-level function dispatched by name.
type Method func(d *Document, args ...any) (any, error)

// Schema is the compiled, read-only form of a FieldMap. Build with
// Lounge.NewSchema or NewSchema; mutate only through Add / Virtual / Static /
// Method / Pre / Post before the first model binds it.
type Schema struct {
	fields   map[string]*preparedField
	order    []string
	keyField *preparedField
	indexed  []*preparedField

	virtuals map[string]Virtual
	statics  map[string]Static
	methods  map[string]Method

	pres  map[string][]preHook
	posts map[string][]PostHook

	opts SchemaOptions
}

// preparedField is the runtime representation of a schema field.
// Built once during compilation, read-only afterwards.
type preparedField struct {
	Name string
	Def  *FieldDef
	Type FieldType

	// key attributes (resolved)
	IsKey        bool
	Generate     bool
	GenerateKind string

	// index attributes (resolved)
	IsIndexed bool
	IndexName string

	// alias target (resolved, non-alias fields empty)
	AliasTarget string

	// compiled string pattern
	regex *regexp.Regexp

	// array element / object block
	Element *preparedField
	Block   *Schema

	// reference model name
	RefModel string
}

// Options returns the schema-level options.
func (s *Schema) Options() SchemaOptions { return s.opts }

// KeyField returns the name of the document key field.
func (s *Schema) KeyField() string {
	if s.keyField == nil {
		return ""
	}
	return s.keyField.Name
}

// IndexedFields returns the names of the indexed fields in schema order.
func (s *Schema) IndexedFields() []string {
	names := make([]string, 0, len(s.indexed))
	for _, f := range s.indexed {
		names = append(names, f.Name)
	}
	return names
}

// FieldNames returns every field name in schema order.
func (s *Schema) FieldNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Virtual registers a computed member.
func (s *Schema) Virtual(name string, get func(d *Document) any, set func(d *Document, value any)) *Schema {
	s.virtuals[name] = Virtual{Get: get, Set: set}
	return s
}

// Static registers a model-level function.
func (s *Schema) Static(name string, fn Static) *Schema {
	s.statics[name] = fn
	return s
}

// Method registers a document-level function.
func (s *Schema) Method(name string, fn Method) *Schema {
	s.methods[name] = fn
	return s
}
