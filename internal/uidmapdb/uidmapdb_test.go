package uidmapdb_test

import (
	"path/filepath"
	"testing"

	"msync.dev/msyncd/internal/uidmapdb"
)

func TestLookupStoreDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := uidmapdb.Open(filepath.Join(dir, "uidmap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, ok, err := db.Lookup("msg1"); err != nil || ok {
		t.Fatalf("Lookup on empty map: ok=%v err=%v", ok, err)
	}

	if err := db.Store("msg1", 7); err != nil {
		t.Fatal(err)
	}
	uid, ok, err := db.Lookup("msg1")
	if err != nil || !ok || uid != 7 {
		t.Fatalf("Lookup after Store: uid=%d ok=%v err=%v", uid, ok, err)
	}

	if err := db.Store("msg1", 8); err != nil {
		t.Fatal(err)
	}
	uid, ok, err = db.Lookup("msg1")
	if err != nil || !ok || uid != 8 {
		t.Fatalf("Lookup after overwrite: uid=%d ok=%v err=%v", uid, ok, err)
	}

	if err := db.Delete("msg1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := db.Lookup("msg1"); err != nil || ok {
		t.Fatalf("Lookup after Delete: ok=%v err=%v", ok, err)
	}
}

func TestLoadSaveState(t *testing.T) {
	dir := t.TempDir()
	db, err := uidmapdb.Open(filepath.Join(dir, "uidmap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	validity, maxUID, err := db.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if validity != 0 || maxUID != 0 {
		t.Fatalf("initial state = (%d, %d), want (0, 0)", validity, maxUID)
	}

	if err := db.SaveState(42, 99); err != nil {
		t.Fatal(err)
	}
	validity, maxUID, err = db.LoadState()
	if err != nil {
		t.Fatal(err)
	}
	if validity != 42 || maxUID != 99 {
		t.Fatalf("state after SaveState = (%d, %d), want (42, 99)", validity, maxUID)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uidmap.db")
	db, err := uidmapdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Store("a", 3); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveState(1, 3); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := uidmapdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	uid, ok, err := db2.Lookup("a")
	if err != nil || !ok || uid != 3 {
		t.Fatalf("Lookup after reopen: uid=%d ok=%v err=%v", uid, ok, err)
	}
	validity, maxUID, err := db2.LoadState()
	if err != nil || validity != 1 || maxUID != 3 {
		t.Fatalf("LoadState after reopen: (%d, %d), err=%v", validity, maxUID, err)
	}
}
