package lounge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaSyntheticKey(t *testing.T) {
	s, err := NewSchema(FieldMap{"name": {Type: FieldTypeString}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "id", s.KeyField())
	kf := s.keyField
	assert.True(t, kf.Generate)
	assert.Equal(t, "uuid", kf.GenerateKind)
}

func TestSchemaExplicitKey(t *testing.T) {
	gen := false
	s, err := NewSchema(FieldMap{
		"email": {Type: FieldTypeString, Key: true, Generate: &gen},
		"name":  {Type: FieldTypeString},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "email", s.KeyField())
	assert.False(t, s.keyField.Generate)
}

func TestSchemaDuplicateKeyRejected(t *testing.T) {
	_, err := NewSchema(FieldMap{
		"a": {Type: FieldTypeString, Key: true},
		"b": {Type: FieldTypeString, Key: true},
	}, nil)
	require.Error(t, err)
}

func TestSchemaKeyMustBeScalar(t *testing.T) {
	_, err := NewSchema(FieldMap{"k": {Type: FieldTypeBoolean, Key: true}}, nil)
	require.Error(t, err)
}

func TestSchemaIndexHandles(t *testing.T) {
	s, err := NewSchema(FieldMap{
		"email":     {Type: FieldTypeString, Index: true},
		"usernames": {Type: FieldTypeArray, ArrayOf: &FieldDef{Type: FieldTypeString}, Index: true},
		"special":   {Type: FieldTypeString, Index: true, IndexName: "handle"},
	}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "usernames", "special"}, s.IndexedFields())
	assert.Equal(t, "email", s.fields["email"].IndexName)
	assert.Equal(t, "username", s.fields["usernames"].IndexName)
	assert.Equal(t, "handle", s.fields["special"].IndexName)
}

func TestSchemaDuplicateIndexNameRejected(t *testing.T) {
	_, err := NewSchema(FieldMap{
		"email":  {Type: FieldTypeString, Index: true, IndexName: "e"},
		"email2": {Type: FieldTypeString, Index: true, IndexName: "e"},
	}, nil)
	require.Error(t, err)
}

func TestSchemaAliasResolution(t *testing.T) {
	_, err := NewSchema(FieldMap{
		"aka": {Type: FieldTypeAlias, AliasOf: "missing"},
	}, nil)
	require.Error(t, err)

	_, err = NewSchema(FieldMap{
		"name": {Type: FieldTypeString},
		"a":    {Type: FieldTypeAlias, AliasOf: "b"},
		"b":    {Type: FieldTypeAlias, AliasOf: "name"},
	}, nil)
	require.Error(t, err, "alias chains are rejected")
}

func TestSchemaTypeInference(t *testing.T) {
	s, err := NewSchema(FieldMap{
		"company": {Ref: "Company"},
		"meta":    {Schema: FieldMap{"a": {Type: FieldTypeString}}},
		"tags":    {ArrayOf: &FieldDef{Type: FieldTypeString}},
		"aka":     {AliasOf: "company"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, FieldTypeReference, s.fields["company"].Type)
	assert.Equal(t, FieldTypeObject, s.fields["meta"].Type)
	assert.Equal(t, FieldTypeArray, s.fields["tags"].Type)
	assert.Equal(t, FieldTypeAlias, s.fields["aka"].Type)
}

func TestSchemaAdd(t *testing.T) {
	s, err := NewSchema(FieldMap{"name": {Type: FieldTypeString}}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Add("age", &FieldDef{Type: FieldTypeNumber}))
	assert.Contains(t, s.FieldNames(), "age")

	// override keeps a single entry
	require.NoError(t, s.Add("age", &FieldDef{Type: FieldTypeString}))
	assert.Equal(t, FieldTypeString, s.fields["age"].Type)
}

func TestSchemaExtendShallowDiff(t *testing.T) {
	base, err := NewSchema(FieldMap{
		"name": {Type: FieldTypeString},
		"age":  {Type: FieldTypeNumber},
	}, nil)
	require.NoError(t, err)
	base.Virtual("v", func(d *Document) any { return "base" }, nil)
	base.Static("s", func(m *Model, args ...any) (any, error) { return "base", nil })
	base.Method("m", func(d *Document, args ...any) (any, error) { return "base", nil })
	base.Pre("save", func(ctx context.Context, d *Document) error { return nil })

	child, err := NewSchema(FieldMap{
		"age": {Type: FieldTypeString}, // present: must NOT be overwritten
	}, nil)
	require.NoError(t, err)
	child.Static("s", func(m *Model, args ...any) (any, error) { return "child", nil })

	require.NoError(t, child.Extend(base))

	assert.Equal(t, FieldTypeString, child.fields["age"].Type)
	assert.Contains(t, child.FieldNames(), "name")
	assert.Contains(t, child.virtuals, "v")
	assert.Len(t, child.pres["save"], 1)

	got, err := child.statics["s"](nil)
	require.NoError(t, err)
	assert.Equal(t, "child", got)
}

func TestCompilePatternFlags(t *testing.T) {
	re, err := compilePattern("/abc/i")
	require.NoError(t, err)
	assert.True(t, re.MatchString("ABC"))

	re, err = compilePattern("^x$")
	require.NoError(t, err)
	assert.True(t, re.MatchString("x"))
}
