package timeline

import (
	"sync"

	"github.com/nainya/pageserver/pkg/layer"
	"github.com/nainya/pageserver/pkg/pageval"
)

// historicEntry pairs a resident layer with the bit LayerMap needs for
// tie-breaking searches (prefer a self-sufficient image layer over a
// delta layer whose lsn_range ends at the same point) without forcing
// every caller to type-switch on the concrete layer type.
type historicEntry struct {
	l        layer.Layer
	isImage  bool
	isLevel0 bool
}

// layerMap indexes every historic (on-disk) layer of a timeline and
// answers the point/range coverage queries the read path, compaction and
// GC all depend on. Insert/remove/search dispatch the way go-ethereum's
// triedb/pathdb disk/diff layer chain resolves a key across layers: scan
// newest-compatible-first under a single RWMutex guarding the slice
// swap, rather than maintaining a balanced interval tree the spec does
// not require.
type layerMap struct {
	mu     sync.RWMutex
	layers []historicEntry
}

func newLayerMap() *layerMap {
	return &layerMap{}
}

// insertHistoric adds a newly flushed or compacted layer to the map.
// isLevel0 marks a delta layer produced directly by a flush, before any
// compaction has repartitioned it into narrower level-1 ranges; it is
// meaningless for image layers.
func (m *layerMap) insertHistoric(l layer.Layer, isImage bool, isLevel0 bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = append(m.layers, historicEntry{l: l, isImage: isImage, isLevel0: isLevel0})
}

// removeHistoric drops a layer from the map, identified by filename
// since Layer values are not otherwise comparable across concrete types.
func (m *layerMap) removeHistoric(filename string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.layers {
		if e.l.Filename() == filename {
			m.layers = append(m.layers[:i], m.layers[i+1:]...)
			return
		}
	}
}

// all returns a snapshot slice of every resident historic layer.
func (m *layerMap) all() []layer.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]layer.Layer, len(m.layers))
	for i, e := range m.layers {
		out[i] = e.l
	}
	return out
}

// search finds, among historic layers whose key_range contains key and
// whose lsn_range.End <= contLsn, the one with the greatest lsn_range.End.
// Ties are broken in favor of an image layer (self-sufficient) over a
// delta layer. It reports lsnFloor = layer.LsnRange().Start, the lower
// bound the caller should pass as its next query floor.
func (m *layerMap) search(key pageval.Key, contLsn pageval.Lsn) (lsnFloor pageval.Lsn, found layer.Layer, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bestEnd pageval.Lsn
	var bestIsImage bool
	var best layer.Layer

	for _, e := range m.layers {
		if !e.l.KeyRange().Contains(key) {
			continue
		}
		lr := e.l.LsnRange()
		if lr.End > contLsn {
			continue
		}
		if best == nil || lr.End > bestEnd || (lr.End == bestEnd && e.isImage && !bestIsImage) {
			best = e.l
			bestEnd = lr.End
			bestIsImage = e.isImage
		}
	}

	if best == nil {
		return 0, nil, false
	}
	return best.LsnRange().Start, best, true
}

// ImageCoverageEntry is one sub-range of a queried key_range together
// with the image layer (if any) covering it at the latest LSN <= the
// query LSN.
type ImageCoverageEntry struct {
	SubRange pageval.KeyRange
	Image    layer.Layer // nil if no image layer covers this sub-range
}

// imageCoverage partitions keyRange by the latest image layer whose lsn
// is <= the query lsn. Implementation is a boundary sweep: collect every
// image layer's key_range clipped to the query range, then walk the
// sorted boundary points, picking the best (greatest-lsn) candidate
// layer active at each gap.
func (m *layerMap) imageCoverage(keyRange pageval.KeyRange, lsn pageval.Lsn) []ImageCoverageEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type candidate struct {
		start, end pageval.Key
		lsn        pageval.Lsn
		l          layer.Layer
	}
	var candidates []candidate
	for _, e := range m.layers {
		if !e.isImage {
			continue
		}
		lr := e.l.LsnRange()
		if lr.Start > lsn {
			continue
		}
		kr := e.l.KeyRange()
		start, end := kr.Start, kr.End
		if start.Compare(keyRange.Start) < 0 {
			start = keyRange.Start
		}
		if end.Compare(keyRange.End) > 0 {
			end = keyRange.End
		}
		if !start.Less(end) {
			continue
		}
		candidates = append(candidates, candidate{start: start, end: end, lsn: lr.Start, l: e.l})
	}

	boundaries := map[pageval.Key]bool{keyRange.Start: true, keyRange.End: true}
	for _, c := range candidates {
		boundaries[c.start] = true
		boundaries[c.end] = true
	}
	points := make([]pageval.Key, 0, len(boundaries))
	for k := range boundaries {
		points = append(points, k)
	}
	sortKeys(points)

	var out []ImageCoverageEntry
	for i := 0; i+1 < len(points); i++ {
		subStart, subEnd := points[i], points[i+1]
		if !subStart.Less(subEnd) {
			continue
		}
		var best *candidate
		for ci := range candidates {
			c := &candidates[ci]
			if c.start.Compare(subStart) <= 0 && c.end.Compare(subEnd) >= 0 {
				if best == nil || c.lsn > best.lsn {
					best = c
				}
			}
		}
		entry := ImageCoverageEntry{SubRange: pageval.KeyRange{Start: subStart, End: subEnd}}
		if best != nil {
			entry.Image = best.l
		}
		out = append(out, entry)
	}
	return out
}

// imageLayerExists reports whether a single image layer at some LSN in
// lsnRange covers the whole keyRange.
func (m *layerMap) imageLayerExists(keyRange pageval.KeyRange, lsnRange pageval.LsnRange) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.layers {
		if !e.isImage {
			continue
		}
		lr := e.l.LsnRange()
		if lr.Start < lsnRange.Start || lr.Start >= lsnRange.End {
			continue
		}
		kr := e.l.KeyRange()
		if kr.Start.Compare(keyRange.Start) <= 0 && kr.End.Compare(keyRange.End) >= 0 {
			return true
		}
	}
	return false
}

// countDeltas returns the number of delta layers overlapping both
// keyRange and lsnRange.
func (m *layerMap) countDeltas(keyRange pageval.KeyRange, lsnRange pageval.LsnRange) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.layers {
		if e.isImage {
			continue
		}
		if e.l.KeyRange().Overlaps(keyRange) && e.l.LsnRange().Overlaps(lsnRange) {
			count++
		}
	}
	return count
}

// getLevel0Deltas returns delta layers produced directly by a flush
// (conventionally "level 0", before compaction narrows their key range).
func (m *layerMap) getLevel0Deltas() []layer.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []layer.Layer
	for _, e := range m.layers {
		if e.isImage || !e.isLevel0 {
			continue
		}
		out = append(out, e.l)
	}
	return out
}

func sortKeys(keys []pageval.Key) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].Less(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
