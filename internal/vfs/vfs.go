// Package vfs implements the process-wide virtual-file table: every
// on-disk layer file is opened through it so the number of concurrently
// open resources stays bounded regardless of how many layer files a
// tenant's timelines accumulate. Readers acquire a lease for the
// duration of an iterator and release it when done; the table closes
// the least-recently-used unleased resource to make room for a new open.
package vfs

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Table caps the number of concurrently open layer-file resources handed
// out to callers. A resource is anything io.Closer — a plain *os.File for
// read-only iteration, or a *pagestore.KV for a layer's backing store.
type Table struct {
	mu      sync.Mutex
	maxOpen int
	order   *list.List // back = most recently used
	byPath  map[string]*list.Element
}

type handle struct {
	path     string
	resource io.Closer
	leases   int
}

// New creates a virtual-file table capped at maxOpen concurrently open
// resources.
func New(maxOpen int) *Table {
	if maxOpen < 1 {
		maxOpen = 1
	}
	return &Table{
		maxOpen: maxOpen,
		order:   list.New(),
		byPath:  make(map[string]*list.Element),
	}
}

// Lease is a held reference to an open resource. Callers must call
// Release when finished with it.
type Lease struct {
	table *Table
	el    *list.Element
}

// Resource returns the io.Closer registered for this lease's path.
// Callers type-assert it to whatever Acquire's opener produced.
func (l *Lease) Resource() io.Closer {
	return l.el.Value.(*handle).resource
}

// File is a convenience for the common case where Resource is a
// *os.File, as produced by Table.Open.
func (l *Lease) File() *os.File {
	return l.el.Value.(*handle).resource.(*os.File)
}

// Release returns the lease to the table. Once every lease on a handle
// is released it becomes eligible for eviction under pressure.
func (l *Lease) Release() {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	h := l.el.Value.(*handle)
	h.leases--
	l.table.order.MoveToBack(l.el)
}

// Acquire gets a lease on path, calling open to produce the resource if
// it is not already resident, and evicting the least-recently-used
// unleased resource first if the table is at capacity.
func (t *Table) Acquire(path string, open func() (io.Closer, error)) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.byPath[path]; ok {
		h := el.Value.(*handle)
		h.leases++
		t.order.MoveToBack(el)
		return &Lease{table: t, el: el}, nil
	}

	if t.order.Len() >= t.maxOpen {
		if err := t.evictLocked(); err != nil {
			return nil, err
		}
	}

	res, err := open()
	if err != nil {
		return nil, err
	}

	h := &handle{path: path, resource: res, leases: 1}
	el := t.order.PushBack(h)
	t.byPath[path] = el

	return &Lease{table: t, el: el}, nil
}

// Open acquires a lease backed by a read-only *os.File at path.
func (t *Table) Open(path string) (*Lease, error) {
	return t.Acquire(path, func() (io.Closer, error) {
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("vfs: open %s: %w", path, err)
		}
		return f, nil
	})
}

// evictLocked closes the least-recently-used handle with no outstanding
// leases. Callers must hold t.mu.
func (t *Table) evictLocked() error {
	for el := t.order.Front(); el != nil; el = el.Next() {
		h := el.Value.(*handle)
		if h.leases == 0 {
			t.order.Remove(el)
			delete(t.byPath, h.path)
			return h.resource.Close()
		}
	}
	return fmt.Errorf("vfs: no evictable descriptor, table at capacity (%d) with all leased", t.maxOpen)
}

// Forget drops path from the table immediately, closing its resource
// regardless of lease count. Used when a layer file is deleted by
// compaction or GC so a stale handle is never handed out again.
func (t *Table) Forget(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.byPath[path]
	if !ok {
		return nil
	}
	h := el.Value.(*handle)
	t.order.Remove(el)
	delete(t.byPath, path)
	return h.resource.Close()
}

// CreateFileSync creates or truncates a file and fsyncs its parent
// directory, so the directory entry for a newly created layer file
// survives a crash between creation and the next directory fsync.
func CreateFileSync(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vfs: create %s: %w", path, err)
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("vfs: open parent dir of %s: %w", path, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("vfs: fsync parent dir of %s: %w", path, err)
	}

	return f, nil
}

// SyncDir fsyncs a directory, used after batched layer-file renames so
// the rename itself is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("vfs: open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("vfs: fsync dir %s: %w", dir, err)
	}
	return nil
}
