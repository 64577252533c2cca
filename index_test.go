package lounge_test

import (
	"testing"
	"time"

	lounge "github.com/bojand/lounge"
)

// indexed user: generated id + indexed email, matching key/ref layout
// user::<id> and user::$_ref_by_email::<value>.
func indexedUserFields() lounge.FieldMap {
	return lounge.FieldMap{
		"name":  {Type: lounge.FieldTypeString},
		"email": {Type: lounge.FieldTypeString, Index: true},
	}
}

func indexedConfig() *lounge.Config {
	cfg := lounge.DefaultConfig()
	cfg.KeyPrefix = "user::"
	cfg.Delimiter = "::"
	return cfg
}

func TestSaveCreatesLookup(t *testing.T) {
	l, mock := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	d := m.New(lounge.Item{"email": "a@b"})
	if err := d.Save(bg(), &lounge.SaveOptions{WaitForIndex: boolPtr(true)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	id, _ := d.Key().(string)

	obj := getStored(t, mock, "user::$_ref_by_email::a@b")
	assertStored(t, obj, "key", id)
}

func TestUpdateMovesLookup(t *testing.T) {
	l, mock := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	d := m.New(lounge.Item{"email": "a@b"})
	wait := &lounge.SaveOptions{WaitForIndex: boolPtr(true)}
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}

	d.Set("email", "c@d")
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}

	assertMissing(t, mock, "user::$_ref_by_email::a@b")
	obj := getStored(t, mock, "user::$_ref_by_email::c@d")
	assertStored(t, obj, "key", d.Key())
}

func TestRemovePurgesLookups(t *testing.T) {
	l, mock := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	d := m.New(lounge.Item{"email": "a@b"})
	if err := d.Save(bg(), &lounge.SaveOptions{WaitForIndex: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}
	if err := d.Remove(bg(), nil); err != nil {
		t.Fatal(err)
	}
	assertMissing(t, mock, "user::$_ref_by_email::a@b")
	if mock.Len() != 0 {
		t.Errorf("expected empty store, %d documents remain: %v", mock.Len(), mock.Keys())
	}
}

func TestArrayIndexExpandsElements(t *testing.T) {
	cfg := indexedConfig()
	l, mock := makeLounge(t, cfg)
	m := makeModel(t, l, "User", lounge.FieldMap{
		"usernames": {Type: lounge.FieldTypeArray, ArrayOf: &lounge.FieldDef{Type: lounge.FieldTypeString}, Index: true},
	}, nil)

	d := m.New(lounge.Item{"usernames": []any{"bob", "bobby"}})
	wait := &lounge.SaveOptions{WaitForIndex: boolPtr(true)}
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}
	getStored(t, mock, "user::$_ref_by_username::bob")
	getStored(t, mock, "user::$_ref_by_username::bobby")

	// dropping one element removes exactly its lookup
	d.Set("usernames", []any{"bob"})
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}
	getStored(t, mock, "user::$_ref_by_username::bob")
	assertMissing(t, mock, "user::$_ref_by_username::bobby")
}

func TestFindBy(t *testing.T) {
	l, _ := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	d := m.New(lounge.Item{"name": "Bob", "email": "a@b"})
	if err := d.Save(bg(), &lounge.SaveOptions{WaitForIndex: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}

	got, err := m.FindBy(bg(), "email", "a@b", nil)
	if err != nil {
		t.Fatalf("FindBy: %v", err)
	}
	if got == nil {
		t.Fatal("expected a document")
	}
	assertGet(t, got, "name", "Bob")

	// miss resolves empty by default
	got, err = m.FindBy(bg(), "email", "nobody@b", nil)
	if err != nil || got != nil {
		t.Errorf("expected empty resolve, got doc=%v err=%v", got, err)
	}

	// non-indexed field
	if _, err := m.FindBy(bg(), "name", "Bob", nil); err == nil {
		t.Error("FindBy on a non-indexed field must error")
	}
}

func TestFindByDanglingIndex(t *testing.T) {
	cfg := indexedConfig()
	cfg.ErrorOnMissingIndex = true
	l, _ := makeLounge(t, cfg)
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	_, err := m.FindBy(bg(), "email", "ghost@b", nil)
	assertErrCode(t, err, lounge.ErrDanglingIndex)
}

func TestLookupLastWriteWins(t *testing.T) {
	l, mock := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)
	wait := &lounge.SaveOptions{WaitForIndex: boolPtr(true)}

	d1 := m.New(lounge.Item{"email": "shared@b"})
	if err := d1.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}
	d2 := m.New(lounge.Item{"email": "shared@b"})
	if err := d2.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}

	obj := getStored(t, mock, "user::$_ref_by_email::shared@b")
	assertStored(t, obj, "key", d2.Key())

	// the loser's removal leaves the new owner untouched
	if err := d1.Remove(bg(), nil); err != nil {
		t.Fatal(err)
	}
	obj = getStored(t, mock, "user::$_ref_by_email::shared@b")
	assertStored(t, obj, "key", d2.Key())
}

func TestWaitForIndexSurfacesErrors(t *testing.T) {
	l, mock := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	mock.FailNext("insert", lounge.NewError("broken", lounge.WithCode(lounge.ErrFatal)))

	d := m.New(lounge.Item{"email": "a@b"})
	err := d.Save(bg(), &lounge.SaveOptions{WaitForIndex: boolPtr(true)})
	if err == nil {
		t.Fatal("waitForIndex must surface index failures")
	}
	// the primary write itself succeeded
	id, _ := d.Key().(string)
	getStored(t, mock, "user::"+id)
}

func TestIndexErrorsEmitAsync(t *testing.T) {
	l, mock := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	mock.FailNext("insert", lounge.NewError("broken", lounge.WithCode(lounge.ErrFatal)))

	d := m.New(lounge.Item{"email": "a@b"})
	ch := make(chan error, 1)
	d.On("index", func(args ...any) {
		if len(args) > 0 {
			if e, ok := args[0].(error); ok {
				ch <- e
				return
			}
		}
		ch <- nil
	})

	if err := d.Save(bg(), nil); err != nil {
		t.Fatalf("index errors must not fail the save by default: %v", err)
	}
	select {
	case e := <-ch:
		if e == nil {
			t.Error("expected an index error event")
		}
	case <-time.After(time.Second):
		t.Fatal("no index event emitted")
	}
}

func TestAtomicLockDisabled(t *testing.T) {
	cfg := indexedConfig()
	cfg.AtomicLock = boolPtr(false)
	l, mock := makeLounge(t, cfg)
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	d := m.New(lounge.Item{"email": "a@b"})
	wait := &lounge.SaveOptions{WaitForIndex: boolPtr(true)}
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}
	d.Set("email", "c@d")
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}
	assertMissing(t, mock, "user::$_ref_by_email::a@b")
	getStored(t, mock, "user::$_ref_by_email::c@d")
	if mock.OpCount("getAndLock") != 0 {
		t.Error("atomicLock:false must not lock")
	}
}

func TestCasRetryOnLookupConflict(t *testing.T) {
	cfg := indexedConfig()
	cfg.AtomicLock = boolPtr(false)
	l, mock := makeLounge(t, cfg)
	m := makeModel(t, l, "User", indexedUserFields(), nil)
	wait := &lounge.SaveOptions{WaitForIndex: boolPtr(true)}

	d := m.New(lounge.Item{"email": "a@b"})
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}

	// a conflicting write sneaks in between the read and the replace
	mock.FailNext("replace", lounge.NewError("conflict", lounge.WithCode(lounge.ErrCasMismatch)))

	d2 := m.New(lounge.Item{"email": "a@b"})
	if err := d2.Save(bg(), wait); err != nil {
		t.Fatalf("lookup CAS conflicts must be retried: %v", err)
	}
	obj := getStored(t, mock, "user::$_ref_by_email::a@b")
	assertStored(t, obj, "key", d2.Key())
}

func TestStoreFullReferenceIDLookups(t *testing.T) {
	cfg := indexedConfig()
	cfg.StoreFullReferenceID = true
	l, mock := makeLounge(t, cfg)
	m := makeModel(t, l, "User", indexedUserFields(), nil)

	d := m.New(lounge.Item{"name": "Bob", "email": "a@b"})
	if err := d.Save(bg(), &lounge.SaveOptions{WaitForIndex: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}
	id, _ := d.Key().(string)

	obj := getStored(t, mock, "user::$_ref_by_email::a@b")
	assertStored(t, obj, "key", "user::"+id)

	got, err := m.FindBy(bg(), "email", "a@b", nil)
	if err != nil || got == nil {
		t.Fatalf("FindBy through full reference: doc=%v err=%v", got, err)
	}
	assertGet(t, got, "name", "Bob")
}

func TestShadowSnapshotSurvivesReload(t *testing.T) {
	l, mock := makeLounge(t, indexedConfig())
	m := makeModel(t, l, "User", indexedUserFields(), nil)
	wait := &lounge.SaveOptions{WaitForIndex: boolPtr(true)}

	d := m.New(lounge.Item{"email": "a@b"})
	if err := d.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}
	id, _ := d.Key().(string)

	// a freshly loaded instance knows its persisted index values
	loaded, err := m.Find(bg(), id, nil)
	if err != nil {
		t.Fatal(err)
	}
	loaded.Set("email", "c@d")
	if err := loaded.Save(bg(), wait); err != nil {
		t.Fatal(err)
	}
	assertMissing(t, mock, "user::$_ref_by_email::a@b")
	getStored(t, mock, "user::$_ref_by_email::c@d")
}
