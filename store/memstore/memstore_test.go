package memstore

import (
	"context"
	"testing"
	"time"

	lounge "github.com/bojand/lounge"
)

func bg() context.Context { return context.Background() }

func TestInsertGetRemove(t *testing.T) {
	s := New()

	cas, err := s.Insert(bg(), "k1", map[string]any{"a": 1}, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if cas == 0 {
		t.Fatal("insert must return a CAS")
	}

	if _, err := s.Insert(bg(), "k1", map[string]any{}, nil); !lounge.IsCasMismatch(err) {
		t.Errorf("second insert must conflict, got %v", err)
	}

	res, err := s.Get(bg(), "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	obj := res.Value.(map[string]any)
	if obj["a"] != float64(1) {
		t.Errorf("value round-trips through JSON, got %v", obj["a"])
	}
	if res.Cas != cas {
		t.Errorf("Get cas = %d, want %d", res.Cas, cas)
	}

	if err := s.Remove(bg(), "k1", nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(bg(), "k1"); !lounge.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := s.Remove(bg(), "k1", nil); !lounge.IsNotFound(err) {
		t.Errorf("remove of missing key must be NotFound, got %v", err)
	}
}

func TestReplaceCas(t *testing.T) {
	s := New()
	cas, _ := s.Insert(bg(), "k", "v1", nil)

	cas2, err := s.Replace(bg(), "k", "v2", &lounge.WriteOptions{Cas: cas})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if cas2 == cas {
		t.Error("CAS must advance on write")
	}

	if _, err := s.Replace(bg(), "k", "v3", &lounge.WriteOptions{Cas: cas}); !lounge.IsCasMismatch(err) {
		t.Errorf("stale CAS must fail, got %v", err)
	}
	if _, err := s.Replace(bg(), "missing", "v", nil); !lounge.IsNotFound(err) {
		t.Errorf("replace of missing key must be NotFound, got %v", err)
	}
}

func TestUpsertIgnoresExistence(t *testing.T) {
	s := New()
	if _, err := s.Upsert(bg(), "k", "v1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(bg(), "k", "v2", nil); err != nil {
		t.Fatal(err)
	}
	res, _ := s.Get(bg(), "k")
	if res.Value != "v2" {
		t.Errorf("got %v", res.Value)
	}
}

func TestGetMulti(t *testing.T) {
	s := New()
	s.Upsert(bg(), "a", 1, nil) //nolint:errcheck
	s.Upsert(bg(), "c", 3, nil) //nolint:errcheck

	results, err := s.GetMulti(bg(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Value != float64(1) || results[0].Err != nil {
		t.Errorf("a: %+v", results[0])
	}
	if !lounge.IsNotFound(results[1].Err) {
		t.Errorf("b must be a miss, got %+v", results[1])
	}
	if results[2].Value != float64(3) {
		t.Errorf("c: %+v", results[2])
	}
}

func TestCounter(t *testing.T) {
	s := New()
	v, _, err := s.Counter(bg(), "n", 5, 100)
	if err != nil || v != 100 {
		t.Fatalf("initial counter = %d, %v (want 100)", v, err)
	}
	v, _, err = s.Counter(bg(), "n", 5, 100)
	if err != nil || v != 105 {
		t.Fatalf("incremented counter = %d, %v (want 105)", v, err)
	}
	v, _, err = s.Counter(bg(), "n", -5, 100)
	if err != nil || v != 100 {
		t.Fatalf("decremented counter = %d, %v (want 100)", v, err)
	}
}

func TestLocking(t *testing.T) {
	s := New()
	s.Upsert(bg(), "k", "v", nil) //nolint:errcheck

	res, err := s.GetAndLock(bg(), "k", time.Minute)
	if err != nil {
		t.Fatalf("GetAndLock: %v", err)
	}

	// a second lock attempt fails while held
	if _, err := s.GetAndLock(bg(), "k", time.Minute); !lounge.IsTemporary(err) {
		t.Errorf("locked doc must refuse a second lock, got %v", err)
	}

	// writes without the lock CAS are refused
	if _, err := s.Replace(bg(), "k", "v2", nil); !lounge.IsTemporary(err) {
		t.Errorf("write to locked doc must fail, got %v", err)
	}

	// writing with the lock CAS unlocks
	if _, err := s.Replace(bg(), "k", "v2", &lounge.WriteOptions{Cas: res.Cas}); err != nil {
		t.Fatalf("write with lock CAS: %v", err)
	}
	if _, err := s.GetAndLock(bg(), "k", time.Minute); err != nil {
		t.Errorf("doc must be lockable again, got %v", err)
	}
}

func TestUnlock(t *testing.T) {
	s := New()
	s.Upsert(bg(), "k", "v", nil) //nolint:errcheck

	res, _ := s.GetAndLock(bg(), "k", time.Minute)
	if err := s.Unlock(bg(), "k", lounge.Cas(12345)); !lounge.IsCasMismatch(err) {
		t.Errorf("unlock with wrong CAS must fail, got %v", err)
	}
	if err := s.Unlock(bg(), "k", res.Cas); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := s.Replace(bg(), "k", "v2", nil); err != nil {
		t.Errorf("unlocked doc must accept writes, got %v", err)
	}
}

func TestFailNextAndOpCount(t *testing.T) {
	s := New()
	s.FailNext("get", lounge.NewError("busy", lounge.WithCode(lounge.ErrTemporary)))

	if _, err := s.Get(bg(), "k"); !lounge.IsTemporary(err) {
		t.Errorf("expected injected failure, got %v", err)
	}
	if _, err := s.Get(bg(), "k"); !lounge.IsNotFound(err) {
		t.Errorf("injection must be one-shot, got %v", err)
	}
	if s.OpCount("get") != 2 {
		t.Errorf("OpCount(get) = %d, want 2", s.OpCount("get"))
	}
}

func TestValuesAreCopied(t *testing.T) {
	s := New()
	in := map[string]any{"a": "x"}
	s.Upsert(bg(), "k", in, nil) //nolint:errcheck
	in["a"] = "mutated"

	res, _ := s.Get(bg(), "k")
	obj := res.Value.(map[string]any)
	if obj["a"] != "x" {
		t.Errorf("stored value must be isolated from caller mutation, got %v", obj["a"])
	}
}
