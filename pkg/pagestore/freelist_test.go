package pagestore

import (
	"fmt"
	"path/filepath"
	"testing"
)

// TestFreeListSpaceReuse exercises page reclamation the only way a layer
// file's build path actually triggers it: repeated updates to existing
// keys, each of which copy-on-writes a fresh root-to-leaf path and frees
// the page chain it replaces. Layer files never get a logical per-key
// delete (they are immutable once finished), so there is no Del call
// here, unlike the free list's original exerciser.
func TestFreeListSpaceReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reuse.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		val := []byte(fmt.Sprintf("value%03d-0", i))
		if err := db.Set(key, val); err != nil {
			t.Fatalf("failed to set %s: %v", key, err)
		}
	}

	for round := 1; round < 4; round++ {
		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key%03d", i))
			val := []byte(fmt.Sprintf("value%03d-%d", i, round))
			if err := db.Set(key, val); err != nil {
				t.Fatalf("failed to update %s: %v", key, err)
			}
		}
	}

	if freeCount := db.free.Total(); freeCount == 0 {
		t.Error("expected free list to have items after repeated updates")
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		expectedVal := []byte(fmt.Sprintf("value%03d-3", i))
		val, ok := db.Get(key)
		if !ok {
			t.Errorf("key %s should exist", key)
		} else if string(val) != string(expectedVal) {
			t.Errorf("key %s: expected %s, got %s", key, expectedVal, val)
		}
	}
}

func TestFreeListPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.layer")

	{
		db := &KV{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("failed to open: %v", err)
		}

		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("k%02d", i))
			val := []byte(fmt.Sprintf("v%02d-0", i))
			if err := db.Set(key, val); err != nil {
				t.Fatalf("failed to set: %v", err)
			}
		}
		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("k%02d", i))
			val := []byte(fmt.Sprintf("v%02d-1", i))
			if err := db.Set(key, val); err != nil {
				t.Fatalf("failed to update: %v", err)
			}
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

		if db.free.Total() == 0 {
			t.Error("expected free list to persist across sessions")
		}

		for i := 50; i < 75; i++ {
			key := []byte(fmt.Sprintf("k%02d", i))
			val := []byte(fmt.Sprintf("v%02d-0", i))
			if err := db.Set(key, val); err != nil {
				t.Fatalf("failed to set: %v", err)
			}
		}

		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("k%02d", i))
			expectedVal := []byte(fmt.Sprintf("v%02d-1", i))
			val, ok := db.Get(key)
			if !ok {
				t.Errorf("key %s not found", key)
			} else if string(val) != string(expectedVal) {
				t.Errorf("key %s: expected %s, got %s", key, expectedVal, val)
			}
		}
		for i := 50; i < 75; i++ {
			key := []byte(fmt.Sprintf("k%02d", i))
			expectedVal := []byte(fmt.Sprintf("v%02d-0", i))
			val, ok := db.Get(key)
			if !ok {
				t.Errorf("key %s not found", key)
			} else if string(val) != string(expectedVal) {
				t.Errorf("key %s: expected %s, got %s", key, expectedVal, val)
			}
		}
	}
}
