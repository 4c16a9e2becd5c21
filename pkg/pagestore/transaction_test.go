package pagestore

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestTransactionBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx_basic.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	tx := db.Begin()

	tx.Set([]byte("key1"), []byte("value1"))
	tx.Set([]byte("key2"), []byte("value2"))

	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	if val, ok := db.Get([]byte("key1")); !ok || string(val) != "value1" {
		t.Error("key1 not persisted after commit")
	}
	if val, ok := db.Get([]byte("key2")); !ok || string(val) != "value2" {
		t.Error("key2 not persisted after commit")
	}
}

func TestTransactionMultipleOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx_multi.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	tx := db.Begin()

	tx.Set([]byte("key1"), []byte("value1"))
	tx.Set([]byte("key2"), []byte("value2"))
	tx.Set([]byte("key3"), []byte("value3"))
	tx.Set([]byte("key2"), []byte("value2_updated"))

	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	if val, ok := db.Get([]byte("key1")); !ok || string(val) != "value1" {
		t.Error("key1 incorrect")
	}
	if val, ok := db.Get([]byte("key2")); !ok || string(val) != "value2_updated" {
		t.Error("key2 not updated")
	}
	if val, ok := db.Get([]byte("key3")); !ok || string(val) != "value3" {
		t.Error("key3 incorrect")
	}
}

// TestTransactionCommitAtomicity checks that all entries written across a
// single KVTX are visible together after Commit, the one atomicity property
// a layer-file build actually relies on.
func TestTransactionCommitAtomicity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx_atomic.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	tx := db.Begin()
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		val := []byte(fmt.Sprintf("val%02d", i))
		tx.Set(key, val)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	count := 0
	db.Scan([]byte("key00"), func(key, val []byte) bool {
		count++
		return true
	})
	if count != 10 {
		t.Errorf("expected 10 keys after commit, got %d", count)
	}
}

func TestTransactionPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx_persist.layer")

	{
		db := &KV{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("failed to open: %v", err)
		}

		tx := db.Begin()
		tx.Set([]byte("persistent"), []byte("data"))

		if err := tx.Commit(); err != nil {
			t.Fatalf("failed to commit: %v", err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("failed to close: %v", err)
		}
	}

	{
		db := &KV{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("failed to reopen: %v", err)
		}
		defer db.Close()

		if val, ok := db.Get([]byte("persistent")); !ok || string(val) != "data" {
			t.Error("transaction data not persisted across sessions")
		}
	}
}
