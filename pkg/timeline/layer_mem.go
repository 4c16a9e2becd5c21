package timeline

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/nainya/pageserver/pkg/pageval"
)

type valueEntry struct {
	lsn   pageval.Lsn
	value pageval.Value
}

type tombstoneEntry struct {
	keyRange pageval.KeyRange
	lsn      pageval.Lsn
}

// inMemoryLayer is the writable buffer every timeline writes into before
// a freeze moves it to the frozen queue. Its key space is unbounded; only
// once frozen and flushed does a range-bounded on-disk layer take its
// place. Entries are kept per-key in ascending-lsn order so the read path
// can scan a single key's history backward without sorting on every call.
type inMemoryLayer struct {
	mu sync.RWMutex

	startLsn pageval.Lsn
	endLsn   pageval.Lsn // valid only once frozen
	frozen   bool

	entries    map[pageval.Key][]valueEntry
	tombstones []tombstoneEntry

	sizeBytes int64
}

func newInMemoryLayer(startLsn pageval.Lsn) *inMemoryLayer {
	return &inMemoryLayer{
		startLsn: startLsn,
		entries:  make(map[pageval.Key][]valueEntry),
	}
}

// putValue inserts (key, lsn) -> value. A duplicate at an identical
// (key, lsn) is logged by the caller (timeline.go) but not treated as an
// error here.
func (l *inMemoryLayer) putValue(key pageval.Key, lsn pageval.Lsn, value pageval.Value) (duplicate bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[key]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].lsn >= lsn })

	if idx < len(entries) && entries[idx].lsn == lsn {
		entries[idx].value = value
		l.entries[key] = entries
		l.sizeBytes += int64(valueSize(value))
		return true
	}

	entries = append(entries, valueEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = valueEntry{lsn: lsn, value: value}
	l.entries[key] = entries
	l.sizeBytes += int64(valueSize(value))
	return false
}

// putTombstone records a range-delete marker. Tombstones are stored
// separately from the per-key value index since a single tombstone can
// shadow an unbounded number of keys.
func (l *inMemoryLayer) putTombstone(keyRange pageval.KeyRange, lsn pageval.Lsn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tombstones = append(l.tombstones, tombstoneEntry{keyRange: keyRange, lsn: lsn})
	l.sizeBytes += int64(len(keyRange.Start) + len(keyRange.End) + 8)
}

// freeze declares the layer closed to further writes as of endLsn. It is
// idempotent: refreezing at the same endLsn is a no-op, refreezing at a
// different endLsn is a programming error.
func (l *inMemoryLayer) freeze(endLsn pageval.Lsn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		if l.endLsn != endLsn {
			return fmt.Errorf("%w: layer already frozen at end_lsn %s, cannot refreeze at %s", ErrInvariant, l.endLsn, endLsn)
		}
		return nil
	}

	l.frozen = true
	l.endLsn = endLsn
	return nil
}

func (l *inMemoryLayer) size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sizeBytes
}

func (l *inMemoryLayer) isEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries) == 0 && len(l.tombstones) == 0
}

// KeyRange reports the layer as covering the whole key space: an
// in-memory layer is not range-bounded (spec 4.B), so this is purely
// informational for logging.
func (l *inMemoryLayer) KeyRange() pageval.KeyRange {
	return pageval.KeyRange{Start: pageval.MinKey, End: pageval.MaxKey}
}

// LsnRange reports [startLsn, endLsn) once frozen; while still open the
// upper bound is undefined and reported as the maximum representable LSN.
func (l *inMemoryLayer) LsnRange() pageval.LsnRange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.frozen {
		return pageval.LsnRange{Start: l.startLsn, End: l.endLsn}
	}
	return pageval.LsnRange{Start: l.startLsn, End: pageval.Lsn(math.MaxUint64)}
}

func (l *inMemoryLayer) IsIncremental() bool { return true }
func (l *inMemoryLayer) IsInMemory() bool    { return true }

func (l *inMemoryLayer) Filename() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.frozen {
		return fmt.Sprintf("inmem-frozen-%020d-%020d", l.startLsn, l.endLsn)
	}
	return fmt.Sprintf("inmem-open-%020d", l.startLsn)
}

// maxTombstoneLsnLocked returns the greatest tombstone LSN covering key
// within [floor, ceil). Callers must hold l.mu for reading.
func (l *inMemoryLayer) maxTombstoneLsnLocked(key pageval.Key, floor, ceil pageval.Lsn) (pageval.Lsn, bool) {
	var best pageval.Lsn
	found := false
	for _, t := range l.tombstones {
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

// GetValueReconstructData scans this layer's history for key within the
// half-open lsnRange, newest-first, per spec 4.B/4.A. It returns
// Continue (never Missing) when it simply has no entries in range: an
// in-memory layer only ever defers to older layers, it never asserts
// that a key's whole history is absent.
func (l *inMemoryLayer) GetValueReconstructData(key pageval.Key, lsnRange pageval.LsnRange, state *pageval.ReconstructState) (pageval.ReconstructResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	floor := lsnRange.Start
	tombLsn, tombOk := l.maxTombstoneLsnLocked(key, lsnRange.Start, lsnRange.End)
	if tombOk && tombLsn > floor {
		floor = tombLsn
	}

	entries := l.entries[key]
	result := pageval.Continue

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.lsn >= lsnRange.End {
			continue
		}
		if e.lsn < floor {
			break
		}

		switch e.value.Kind {
		case pageval.KindImage:
			if state.Img == nil {
				img := append([]byte(nil), e.value.Image...)
				state.Img = &pageval.ImageAt{Lsn: e.lsn, Img: img}
			}
			result = pageval.Complete
		case pageval.KindWalRecord:
			rec := append([]byte(nil), e.value.Record...)
			state.Records = append(state.Records, pageval.WalRecordAt{Lsn: e.lsn, WillInit: e.value.WillInit, Record: rec})
			if e.value.WillInit {
				result = pageval.Complete
			}
		default:
			return pageval.Continue, fmt.Errorf("%w: in-memory layer holds unexpected value kind %v", ErrInvariant, e.value.Kind)
		}

		if result == pageval.Complete {
			break
		}
	}

	if tombOk && result != pageval.Complete {
		result = pageval.Complete
	}

	return result, nil
}

func valueSize(v pageval.Value) int {
	switch v.Kind {
	case pageval.KindImage:
		return len(v.Image)
	case pageval.KindWalRecord:
		return len(v.Record)
	default:
		return 0
	}
}
