package timeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nainya/pageserver/internal/vfs"
	"github.com/nainya/pageserver/pkg/pageval"
	"github.com/nainya/pageserver/pkg/pagestore"
)

// DeltaFilename renders the on-disk name of a delta layer per the
// external-interfaces naming contract:
// {key_start}-{key_end}__{lsn_start}-{lsn_end}.
func DeltaFilename(keyRange pageval.KeyRange, lsnRange pageval.LsnRange) string {
	return fmt.Sprintf("%s-%s__%d-%d", keyRange.Start, keyRange.End, lsnRange.Start, lsnRange.End)
}

// deltaLayer is an immutable on-disk layer holding incremental values
// over a bounded (key_range, lsn_range). Once written it is never
// rewritten; compaction and GC replace it wholesale.
type deltaLayer struct {
	dir      string
	filename string
	keyRange pageval.KeyRange
	lsnRange pageval.LsnRange

	vfsTable *vfs.Table
	lease    *vfs.Lease
	kv       *pagestore.KV

	tombstones []tombstoneEntry
	sizeBytes  int64
}

func (l *deltaLayer) path() string {
	return filepath.Join(l.dir, l.filename)
}

func (l *deltaLayer) KeyRange() pageval.KeyRange    { return l.keyRange }
func (l *deltaLayer) LsnRange() pageval.LsnRange    { return l.lsnRange }
func (l *deltaLayer) IsIncremental() bool           { return true }
func (l *deltaLayer) IsInMemory() bool              { return false }
func (l *deltaLayer) Filename() string              { return l.filename }
func (l *deltaLayer) SizeBytes() int64              { return l.sizeBytes }

// ensureOpen acquires a lease on the backing pagestore.KV through the
// virtual-file table, opening it on first access.
func (l *deltaLayer) ensureOpen() error {
	if l.lease != nil {
		return nil
	}
	lease, err := l.vfsTable.Acquire(l.path(), func() (io.Closer, error) {
		kv := &pagestore.KV{Path: l.path()}
		if err := kv.Open(); err != nil {
			return nil, fmt.Errorf("%w: open delta layer %s: %v", ErrIo, l.filename, err)
		}
		return kv, nil
	})
	if err != nil {
		return err
	}
	l.lease = lease
	l.kv = lease.Resource().(*pagestore.KV)
	return nil
}

// GetValueReconstructData answers the same reconstruct query as
// inMemoryLayer against this layer's frozen, on-disk contents.
func (l *deltaLayer) GetValueReconstructData(key pageval.Key, lsnRange pageval.LsnRange, state *pageval.ReconstructState) (pageval.ReconstructResult, error) {
	if err := l.ensureOpen(); err != nil {
		return pageval.Continue, err
	}

	floor := lsnRange.Start
	if tombLsn, ok := maxTombstoneLsn(l.tombstones, key, lsnRange.Start, lsnRange.End); ok && tombLsn > floor {
		floor = tombLsn
	}

	var collected []valueEntry
	startKey := encodeCompositeKey(key, floor)
	endExclusive := encodeCompositeKey(key, lsnRange.End)

	l.kv.Scan(startKey, func(k, v []byte) bool {
		if compareBytes(k, endExclusive) >= 0 {
			return false
		}
		gotKey, lsn, err := decodeCompositeKey(k)
		if err != nil || gotKey != key {
			return false
		}
		val, err := decodeValue(v)
		if err != nil {
			return false
		}
		collected = append(collected, valueEntry{lsn: lsn, value: val})
		return true
	})

	result := pageval.Continue
	for i := len(collected) - 1; i >= 0; i-- {
		e := collected[i]
		switch e.value.Kind {
		case pageval.KindImage:
			if state.Img == nil {
				state.Img = &pageval.ImageAt{Lsn: e.lsn, Img: e.value.Image}
			}
			result = pageval.Complete
		case pageval.KindWalRecord:
			state.Records = append(state.Records, pageval.WalRecordAt{Lsn: e.lsn, WillInit: e.value.WillInit, Record: e.value.Record})
			if e.value.WillInit {
				result = pageval.Complete
			}
		}
		if result == pageval.Complete {
			break
		}
	}

	if _, ok := maxTombstoneLsn(l.tombstones, key, lsnRange.Start, lsnRange.End); ok && result != pageval.Complete {
		result = pageval.Complete
	}

	return result, nil
}

// Close releases this layer's lease on its backing file.
func (l *deltaLayer) Close() {
	if l.lease != nil {
		l.lease.Release()
		l.lease = nil
	}
}

func maxTombstoneLsn(tombstones []tombstoneEntry, key pageval.Key, floor, ceil pageval.Lsn) (pageval.Lsn, bool) {
	var best pageval.Lsn
	found := false
	for _, t := range tombstones {
		if !t.keyRange.Contains(key) {
			continue
		}
		if t.lsn < floor || t.lsn >= ceil {
			continue
		}
		if !found || t.lsn > best {
			best = t.lsn
			found = true
		}
	}
	return best, found
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// deltaLayerWriter builds one delta layer file from a stream of entries
// supplied in ascending (key, lsn) order, per the on-disk writer
// contract in spec 4.C/4.D.
type deltaLayerWriter struct {
	dir      string
	lsnRange pageval.LsnRange

	tmpPath string
	kv      *pagestore.KV
	tx      *pagestore.KVTX

	haveKey    bool
	minKey     pageval.Key
	maxKey     pageval.Key
	lastKey    pageval.Key
	lastLsn    pageval.Lsn
	haveLast   bool
	tombstones []tombstoneEntry
	sizeBytes  int64
}

func newDeltaLayerWriter(dir string, lsnRange pageval.LsnRange) (*deltaLayerWriter, error) {
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-delta-%d-%d", lsnRange.Start, lsnRange.End))
	kv := &pagestore.KV{Path: tmp}
	if err := kv.Open(); err != nil {
		return nil, fmt.Errorf("%w: create delta layer temp file: %v", ErrIo, err)
	}
	return &deltaLayerWriter{
		dir:      dir,
		lsnRange: lsnRange,
		tmpPath:  tmp,
		kv:       kv,
		tx:       kv.Begin(),
	}, nil
}

// put appends one (key, lsn) -> value entry. Callers must supply entries
// in ascending (key, lsn) order; violating that order is a programming
// error since the backing B+Tree assumes sequential-ish insertion is
// merely an optimization, not a correctness requirement, but the layer's
// key_range bookkeeping here does assume ascending key order.
func (w *deltaLayerWriter) put(key pageval.Key, lsn pageval.Lsn, value pageval.Value) error {
	if w.haveLast && key == w.lastKey && lsn == w.lastLsn {
		return fmt.Errorf("%w: duplicate (key, lsn) entry in delta layer writer", ErrInvariant)
	}

	if !w.haveKey {
		w.minKey = key
		w.haveKey = true
	}
	w.maxKey = key
	w.lastKey = key
	w.lastLsn = lsn
	w.haveLast = true

	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	w.tx.Set(encodeCompositeKey(key, lsn), encoded)
	w.sizeBytes += int64(len(encoded))
	return nil
}

func (w *deltaLayerWriter) putTombstone(keyRange pageval.KeyRange, lsn pageval.Lsn) {
	w.tombstones = append(w.tombstones, tombstoneEntry{keyRange: keyRange, lsn: lsn})
	if !w.haveKey {
		w.minKey = keyRange.Start
		w.haveKey = true
	}
	if keyRange.End.Compare(w.maxKey) > 0 {
		w.maxKey = keyRange.End
	}
}

// finish commits the backing store, computes the final key range from
// the entries actually written, renames the temp file into place and
// fsyncs its parent directory, then writes the tombstone sidecar if any.
// It returns the final absolute path and key range.
func (w *deltaLayerWriter) finish() (path string, keyRange pageval.KeyRange, sizeBytes int64, err error) {
	if !w.haveKey {
		w.kv.Close()
		os.Remove(w.tmpPath)
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: delta layer writer finished with no entries", ErrInvariant)
	}

	if err := w.tx.Commit(); err != nil {
		w.kv.Close()
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: commit delta layer: %v", ErrIo, err)
	}
	if err := w.kv.Close(); err != nil {
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: close delta layer temp file: %v", ErrIo, err)
	}

	keyRange = pageval.KeyRange{Start: w.minKey, End: w.maxKey.Next()}
	filename := DeltaFilename(keyRange, w.lsnRange)
	finalPath := filepath.Join(w.dir, filename)

	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: rename delta layer into place: %v", ErrIo, err)
	}
	if err := vfs.SyncDir(w.dir); err != nil {
		return "", pageval.KeyRange{}, 0, err
	}

	if len(w.tombstones) > 0 {
		if err := writeTombstoneSidecar(finalPath, w.tombstones); err != nil {
			return "", pageval.KeyRange{}, 0, err
		}
	}

	return finalPath, keyRange, w.sizeBytes, nil
}

func openDeltaLayer(dir, filename string, keyRange pageval.KeyRange, lsnRange pageval.LsnRange, sizeBytes int64, vfsTable *vfs.Table) (*deltaLayer, error) {
	l := &deltaLayer{
		dir:       dir,
		filename:  filename,
		keyRange:  keyRange,
		lsnRange:  lsnRange,
		vfsTable:  vfsTable,
		sizeBytes: sizeBytes,
	}
	tomb, err := readTombstoneSidecar(filepath.Join(dir, filename))
	if err != nil {
		return nil, err
	}
	l.tombstones = tomb
	return l, nil
}
