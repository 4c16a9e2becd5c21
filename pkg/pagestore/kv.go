// ABOUTME: Disk-based page store backing a single immutable layer file
// ABOUTME: Copy-on-write B+Tree with a meta page and two-phase fsync updates

package pagestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"syscall"

	"github.com/nainya/pageserver/pkg/btree"
)

const (
	// FileSig identifies a layer file written by this package (16 bytes).
	FileSig = "PgSrvLayer01\x00\x00\x00\x00"
	// BTreePageSize must match the btree package's page size.
	BTreePageSize = 4096
	// MetaPageSize is the fixed size of the meta page.
	MetaPageSize = 80
)

// KV is a persistent, page-oriented key-value store. One instance backs one
// on-disk layer file (DeltaLayer or ImageLayer); callers build it once via
// sequential Set calls in ascending key order, then reopen it read-mostly
// for lookups and range scans.
type KV struct {
	Path string

	// fd is the current file descriptor.
	fd int

	// tree is the B+Tree.
	tree btree.BTree

	// free is the free list for page recycling.
	free FreeList

	// mmap is the memory-mapped file.
	mmap struct {
		total  int      // total mmap size
		chunks [][]byte // multiple mmap regions
	}

	// page tracks pending and flushed page state.
	page struct {
		flushed uint64            // number of pages flushed to disk
		temp    [][]byte          // temporary pages pending flush
		updates map[uint64][]byte // in-place updates
	}

	// failed records whether the last update failed.
	failed bool
}

// Open opens or creates the backing file.
func (db *KV) Open() error {
	fd, err := createFileSync(db.Path)
	if err != nil {
		return err
	}
	db.fd = fd

	var stat syscall.Stat_t
	if err := syscall.Fstat(db.fd, &stat); err != nil {
		return fmt.Errorf("fstat: %w", err)
	}
	fileSize := stat.Size

	if fileSize == 0 {
		db.page.flushed = 1
	} else {
		mmapSize := 64 << 20
		if int(fileSize) > mmapSize {
			mmapSize = int(fileSize)
		}

		chunk, err := syscall.Mmap(
			db.fd, 0, mmapSize,
			syscall.PROT_READ, syscall.MAP_SHARED,
		)
		if err != nil {
			return fmt.Errorf("mmap: %w", err)
		}

		db.mmap.total = mmapSize
		db.mmap.chunks = append(db.mmap.chunks, chunk)

		if err := db.readMeta(); err != nil {
			return err
		}
	}

	db.page.updates = make(map[uint64][]byte)

	db.free.get = func(ptr uint64) []byte { return db.pageRead(ptr) }
	db.free.new = func(node []byte) uint64 { return db.pageAppend(node) }
	db.free.set = func(ptr uint64, node []byte) { db.pageWrite(ptr, node) }

	if db.free.tailSeq > 0 {
		db.free.maxSeq = db.free.tailSeq
	}

	db.tree.SetCallbacks(
		func(ptr uint64) []byte { return db.pageRead(ptr) },
		func(node []byte) uint64 { return db.pageAlloc(node) },
		func(ptr uint64) { db.pageFree(ptr) },
	)

	return nil
}

// Close unmaps and closes the backing file.
func (db *KV) Close() error {
	for _, chunk := range db.mmap.chunks {
		if err := syscall.Munmap(chunk); err != nil {
			return err
		}
	}
	return syscall.Close(db.fd)
}

// Get retrieves a value by key.
func (db *KV) Get(key []byte) ([]byte, bool) {
	return db.tree.Get(key)
}

// Set inserts or updates a key-value pair and commits it at once as a
// single-entry update. The layer-file writers do not call it; they put all
// of a file's entries through one KVTX built with Begin.
func (db *KV) Set(key []byte, val []byte) error {
	meta := db.saveMeta()
	db.tree.Insert(key, val)
	return db.updateOrRevert(meta)
}

// Scan performs an ascending range scan starting from the given key. The
// callback returns false to stop the scan early. This is the only range
// read a layer file needs: deltaLayer/imageLayer reconstruction walks a
// bounded (key, lsn) window, and compaction walks an entire level-0 delta.
func (db *KV) Scan(start []byte, callback func(key, val []byte) bool) {
	db.tree.Scan(start, callback)
}

func (db *KV) pageRead(ptr uint64) []byte {
	if page, ok := db.page.updates[ptr]; ok {
		return page
	}

	if ptr >= db.page.flushed {
		idx := ptr - db.page.flushed
		if idx < uint64(len(db.page.temp)) {
			return db.page.temp[idx]
		}
	}

	start := uint64(0)
	for _, chunk := range db.mmap.chunks {
		end := start + uint64(len(chunk))/BTreePageSize
		if ptr < end {
			offset := BTreePageSize * (ptr - start)
			return chunk[offset : offset+BTreePageSize]
		}
		start = end
	}
	panic(fmt.Sprintf("bad page pointer: %d (flushed: %d, temp: %d)", ptr, db.page.flushed, len(db.page.temp)))
}

func (db *KV) pageAlloc(node []byte) uint64 {
	if len(node) != BTreePageSize {
		panic("page size mismatch")
	}

	ptr := db.free.PopHead()
	if ptr != 0 {
		db.page.updates[ptr] = node
		return ptr
	}
	return db.pageAppend(node)
}

func (db *KV) pageAppend(node []byte) uint64 {
	if len(node) != BTreePageSize {
		panic("page size mismatch")
	}
	ptr := db.page.flushed + uint64(len(db.page.temp))
	db.page.temp = append(db.page.temp, node)
	return ptr
}

func (db *KV) pageWrite(ptr uint64, node []byte) {
	if len(node) != BTreePageSize {
		panic("page size mismatch")
	}
	db.page.updates[ptr] = node
}

func (db *KV) pageFree(ptr uint64) {
	if ptr < db.page.flushed {
		db.free.PushTail(ptr)
	}
}

func (db *KV) saveMeta() []byte {
	var data [MetaPageSize]byte
	copy(data[:16], []byte(FileSig))
	binary.LittleEndian.PutUint64(data[16:], db.tree.GetRoot())
	binary.LittleEndian.PutUint64(data[24:], db.page.flushed)
	copy(data[32:], db.free.Serialize())
	return data[:]
}

func (db *KV) loadMeta(data []byte) {
	db.tree.SetRoot(binary.LittleEndian.Uint64(data[16:]))
	db.page.flushed = binary.LittleEndian.Uint64(data[24:])
	db.free.Deserialize(data[32:72])
}

func (db *KV) readMeta() error {
	data := db.mmap.chunks[0][:MetaPageSize]
	sig := string(data[:16])
	if sig != FileSig {
		return fmt.Errorf("invalid layer file signature: %q", sig)
	}
	db.loadMeta(data)
	return nil
}

func (db *KV) updateOrRevert(meta []byte) error {
	if db.failed {
		if err := db.writeMeta(meta); err != nil {
			return err
		}
		if err := syscall.Fsync(db.fd); err != nil {
			return err
		}
		db.failed = false
	}

	savedMaxSeq := db.free.maxSeq
	db.free.SetMaxSeq()

	err := db.updateFile()

	if err != nil {
		db.loadMeta(meta)
		db.page.temp = db.page.temp[:0]
		db.page.updates = make(map[uint64][]byte)
		db.free.maxSeq = savedMaxSeq
		db.failed = true
	} else {
		db.free.maxSeq = db.free.tailSeq
	}

	return err
}

func (db *KV) updateFile() error {
	if err := db.writePages(); err != nil {
		return err
	}
	if err := syscall.Fsync(db.fd); err != nil {
		return err
	}
	if err := db.writeMeta(db.saveMeta()); err != nil {
		return err
	}
	return syscall.Fsync(db.fd)
}

func (db *KV) writePages() error {
	for ptr, page := range db.page.updates {
		offset := int64(ptr * BTreePageSize)
		if _, err := syscall.Pwrite(db.fd, page, offset); err != nil {
			return err
		}
	}
	db.page.updates = make(map[uint64][]byte)

	if len(db.page.temp) == 0 {
		return nil
	}

	size := int(db.page.flushed+uint64(len(db.page.temp))) * BTreePageSize
	if err := db.extendMmap(size); err != nil {
		return err
	}

	offset := int64(db.page.flushed * BTreePageSize)
	for _, page := range db.page.temp {
		if _, err := syscall.Pwrite(db.fd, page, offset); err != nil {
			return err
		}
		offset += BTreePageSize
	}

	db.page.flushed += uint64(len(db.page.temp))
	db.page.temp = db.page.temp[:0]

	return nil
}

func (db *KV) writeMeta(data []byte) error {
	_, err := syscall.Pwrite(db.fd, data, 0)
	if err != nil {
		return fmt.Errorf("write meta page: %w", err)
	}
	return nil
}

func (db *KV) extendMmap(size int) error {
	if size <= db.mmap.total {
		return nil
	}

	alloc := db.mmap.total
	if alloc < 64<<20 {
		alloc = 64 << 20
	}
	for db.mmap.total+alloc < size {
		alloc *= 2
	}

	chunk, err := syscall.Mmap(
		db.fd, int64(db.mmap.total), alloc,
		syscall.PROT_READ, syscall.MAP_SHARED,
	)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}

	db.mmap.total += alloc
	db.mmap.chunks = append(db.mmap.chunks, chunk)

	return nil
}

// createFileSync creates/opens file with directory fsync, so the directory
// entry for a newly created layer file survives a crash.
func createFileSync(file string) (int, error) {
	flags := os.O_RDWR | os.O_CREATE
	fd, err := syscall.Open(file, flags, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}

	dirfd, err := syscall.Open(path.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer syscall.Close(dirfd)

	if err = syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}

	return fd, nil
}
