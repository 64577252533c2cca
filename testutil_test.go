/*
Package lounge_test – shared test infrastructure.
*/
package lounge_test

import (
	"context"
	"testing"

	lounge "github.com/bojand/lounge"
	"github.com/bojand/lounge/store/memstore"
)

func bg() context.Context { return context.Background() }

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

// makeLounge builds a handle over a fresh in-memory store.
func makeLounge(t *testing.T, cfg *lounge.Config) (*lounge.Lounge, *memstore.Store) {
	t.Helper()
	mock := memstore.New()
	l, err := lounge.New(mock, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, mock
}

// makeModel compiles and registers a model.
func makeModel(t *testing.T, l *lounge.Lounge, name string, fields lounge.FieldMap, opts *lounge.SchemaOptions) *lounge.Model {
	t.Helper()
	s, err := l.NewSchema(fields, opts)
	if err != nil {
		t.Fatalf("NewSchema(%s): %v", name, err)
	}
	m, err := l.Model(name, s)
	if err != nil {
		t.Fatalf("Model(%s): %v", name, err)
	}
	return m
}

// getStored reads a raw document from the mock store.
func getStored(t *testing.T, mock *memstore.Store, key string) map[string]any {
	t.Helper()
	res, err := mock.Get(bg(), key)
	if err != nil {
		t.Fatalf("stored document %q: %v", key, err)
	}
	obj, ok := res.Value.(map[string]any)
	if !ok {
		t.Fatalf("stored document %q is %T, not an object", key, res.Value)
	}
	return obj
}

func assertMissing(t *testing.T, mock *memstore.Store, key string) {
	t.Helper()
	if _, err := mock.Get(bg(), key); !lounge.IsNotFound(err) {
		t.Errorf("expected %q to be absent, got err=%v", key, err)
	}
}

func assertGet(t *testing.T, d *lounge.Document, field string, want any) {
	t.Helper()
	if got := d.Get(field); got != want {
		t.Errorf("field %q = %v (%T), want %v (%T)", field, got, got, want, want)
	}
}

func assertStored(t *testing.T, obj map[string]any, field string, want any) {
	t.Helper()
	if got := obj[field]; got != want {
		t.Errorf("stored %q = %v (%T), want %v (%T)", field, got, got, want, want)
	}
}

func assertErrCode(t *testing.T, err error, code lounge.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	if lounge.CodeOf(err) != code {
		t.Fatalf("expected error code %s, got %s (%v)", code, lounge.CodeOf(err), err)
	}
}

func assertLen[T any](t *testing.T, s []T, want int) {
	t.Helper()
	if len(s) != want {
		t.Fatalf("expected %d elements, got %d", want, len(s))
	}
}

// userFields is the common explicit-key user schema.
func userFields() lounge.FieldMap {
	gen := false
	return lounge.FieldMap{
		"name":  {Type: lounge.FieldTypeString},
		"email": {Type: lounge.FieldTypeString, Key: true, Generate: &gen, Prefix: strPtr("user::")},
	}
}
