package pagestore

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestKVBasicOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basic.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	if err := db.Set([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("failed to set key1: %v", err)
	}
	if err := db.Set([]byte("key2"), []byte("value2")); err != nil {
		t.Fatalf("failed to set key2: %v", err)
	}

	val, ok := db.Get([]byte("key1"))
	if !ok {
		t.Fatal("key1 not found")
	}
	if string(val) != "value1" {
		t.Errorf("expected value1, got %s", val)
	}

	val, ok = db.Get([]byte("key2"))
	if !ok {
		t.Fatal("key2 not found")
	}
	if string(val) != "value2" {
		t.Errorf("expected value2, got %s", val)
	}
}

func TestKVPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.layer")

	{
		db := &KV{Path: path}
		if err := db.Open(); err != nil {
			t.Fatalf("failed to open: %v", err)
		}

		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key%03d", i))
			val := []byte(fmt.Sprintf("value%03d", i))
			if err := db.Set(key, val); err != nil {
				t.Fatalf("failed to set %s: %v", key, err)
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

		for i := 0; i < 100; i++ {
			key := []byte(fmt.Sprintf("key%03d", i))
			expectedVal := []byte(fmt.Sprintf("value%03d", i))

			val, ok := db.Get(key)
			if !ok {
				t.Errorf("key %s not found after reopen", key)
				continue
			}
			if string(val) != string(expectedVal) {
				t.Errorf("key %s: expected %s, got %s", key, expectedVal, val)
			}
		}
	}
}

func TestKVUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	if err := db.Set([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := db.Set([]byte("key1"), []byte("value1_updated")); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	val, ok := db.Get([]byte("key1"))
	if !ok {
		t.Fatal("key1 not found")
	}
	if string(val) != "value1_updated" {
		t.Errorf("expected value1_updated, got %s", val)
	}
}

func TestKVEmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	if _, ok := db.Get([]byte("nonexistent")); ok {
		t.Error("expected key not found in empty store")
	}
}

func TestKVLargeDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		val := []byte(fmt.Sprintf("value%05d_with_some_extra_data", i))
		if err := db.Set(key, val); err != nil {
			t.Fatalf("failed to set %s: %v", key, err)
		}
	}

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		expectedVal := []byte(fmt.Sprintf("value%05d_with_some_extra_data", i))

		val, ok := db.Get(key)
		if !ok {
			t.Errorf("key %s not found", key)
			continue
		}
		if string(val) != string(expectedVal) {
			t.Errorf("key %s: expected %s, got %s", key, expectedVal, val)
		}
	}
}

func TestKVReopenAfterWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.layer")

	db1 := &KV{Path: path}
	if err := db1.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		val := []byte(fmt.Sprintf("v%02d", i))
		if err := db1.Set(key, val); err != nil {
			t.Fatalf("failed to set: %v", err)
		}
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	db2 := &KV{Path: path}
	if err := db2.Open(); err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer db2.Close()

	for i := 50; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		val := []byte(fmt.Sprintf("v%02d", i))
		if err := db2.Set(key, val); err != nil {
			t.Fatalf("failed to set: %v", err)
		}
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		expectedVal := []byte(fmt.Sprintf("v%02d", i))

		val, ok := db2.Get(key)
		if !ok {
			t.Errorf("key %s not found", key)
		} else if string(val) != string(expectedVal) {
			t.Errorf("key %s: expected %s, got %s", key, expectedVal, val)
		}
	}
}

func TestKVScanOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.layer")

	db := &KV{Path: path}
	if err := db.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer db.Close()

	keys := []string{"a", "c", "b", "e", "d"}
	for _, k := range keys {
		if err := db.Set([]byte(k), []byte(k+"-val")); err != nil {
			t.Fatalf("failed to set %s: %v", k, err)
		}
	}

	var seen []string
	db.Scan([]byte("a"), func(key, val []byte) bool {
		seen = append(seen, string(key))
		return true
	})

	want := []string{"a", "b", "c", "d", "e"}
	if len(seen) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(seen), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}
