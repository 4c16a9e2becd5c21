package timeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/nainya/pageserver/pkg/layer"
	"github.com/nainya/pageserver/pkg/pageval"
	"github.com/nainya/pageserver/pkg/storagesync"
)

// CompactResult summarizes one compact_level0 pass for logging and tests.
type CompactResult struct {
	InputLayers    int
	OutputLayers   int
	ImagesCreated  int
	Elapsed        time.Duration
}

// repartition recomputes the key-space partitioning used for image-layer
// placement, re-evaluating only if it has never run or last_record_lsn has
// advanced by more than RepartitionThreshold since the previous pass. When
// it does not re-evaluate it returns nil, not the previous partitioning,
// so the caller has no partitions to work on for that pass. A
// partition boundary is drawn at every key a historic layer begins or ends
// on; there is no finer-grained size accounting since the historic key
// space is already fragmented by the layers themselves.
func (t *Timeline) repartition(lastRecordLsn pageval.Lsn) []pageval.KeyRange {
	t.repartitionMu.Lock()
	defer t.repartitionMu.Unlock()

	if t.repartitionLsn != 0 && uint64(lastRecordLsn-t.repartitionLsn) <= t.conf.RepartitionThreshold() {
		return nil
	}
	t.repartitionLsn = lastRecordLsn

	all := t.layers.all()
	boundarySet := map[pageval.Key]bool{pageval.MinKey: true, pageval.MaxKey: true}
	for _, l := range all {
		kr := l.KeyRange()
		boundarySet[kr.Start] = true
		boundarySet[kr.End] = true
	}
	boundaries := make([]pageval.Key, 0, len(boundarySet))
	for k := range boundarySet {
		boundaries = append(boundaries, k)
	}
	sortKeys(boundaries)

	var partitions []pageval.KeyRange
	for i := 0; i+1 < len(boundaries); i++ {
		if boundaries[i].Less(boundaries[i+1]) {
			partitions = append(partitions, pageval.KeyRange{Start: boundaries[i], End: boundaries[i+1]})
		}
	}
	return partitions
}

// timeForNewImageLayer reports whether partition has accumulated enough
// overlapping delta layers since its last image to warrant materializing a
// fresh one, per the ImageCreationThreshold tunable.
func (t *Timeline) timeForNewImageLayer(partition pageval.KeyRange, lsn pageval.Lsn) bool {
	for _, cov := range t.layers.imageCoverage(partition, lsn) {
		if cov.Image == nil {
			return true
		}
		since := pageval.LsnRange{Start: cov.Image.LsnRange().End, End: lsn + 1}
		if t.layers.countDeltas(cov.SubRange, since) >= t.conf.ImageCreationThreshold {
			return true
		}
	}
	return false
}

type mergedEntry struct {
	key   pageval.Key
	lsn   pageval.Lsn
	value pageval.Value
}

// Compact re-evaluates image-layer placement across the current key-space
// partitioning and materializes a fresh image layer for any partition that
// has reached ImageCreationThreshold, independent of CompactLevel0's own
// CompactionThreshold gate. Spec 4.F treats image-layer placement and
// level-0 merging as independent triggers; calling this before
// CompactLevel0 keeps read amplification down even while level-0 deltas
// are still accumulating toward their own threshold.
func (t *Timeline) Compact() (int, error) {
	t.layerRemovalCs.Lock()
	defer t.layerRemovalCs.Unlock()

	return t.compactCreateImages(t.GetLastRecordLsn())
}

// CompactLevel0 merges a contiguous run of level-0 delta layers into
// narrower, non-overlapping level-1 delta files once at least
// conf.CompactionThreshold of them have accumulated, per spec 4.F/4.D.
// It then re-evaluates image-layer placement over the affected key range.
func (t *Timeline) CompactLevel0() (*CompactResult, error) {
	t.layerRemovalCs.Lock()
	defer t.layerRemovalCs.Unlock()

	start := time.Now()
	result := &CompactResult{}

	deltas := t.layers.getLevel0Deltas()
	if len(deltas) < t.conf.CompactionThreshold {
		return result, nil
	}

	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].LsnRange().Start < deltas[j].LsnRange().Start
	})

	selected := []layer.Layer{deltas[0]}
	for i := 1; i < len(deltas); i++ {
		if deltas[i].LsnRange().Start != selected[len(selected)-1].LsnRange().End {
			break
		}
		selected = append(selected, deltas[i])
	}
	if len(selected) < 2 {
		return result, nil
	}

	var entries []mergedEntry
	var tombstones []tombstoneEntry
	for _, l := range selected {
		dl, ok := l.(*deltaLayer)
		if !ok {
			continue
		}
		if err := dl.ensureOpen(); err != nil {
			return nil, err
		}
		var scanErr error
		// Start at the smallest composite key so the B+Tree's empty
		// sentinel key is skipped.
		dl.kv.Scan(encodeCompositeKey(pageval.MinKey, 0), func(k, v []byte) bool {
			key, lsn, err := decodeCompositeKey(k)
			if err != nil {
				scanErr = err
				return false
			}
			val, err := decodeValue(v)
			if err != nil {
				scanErr = err
				return false
			}
			entries = append(entries, mergedEntry{key: key, lsn: lsn, value: val})
			return true
		})
		if scanErr != nil {
			return nil, scanErr
		}
		tombstones = append(tombstones, dl.tombstones...)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key.Less(entries[j].key)
		}
		return entries[i].lsn < entries[j].lsn
	})

	lsnRange := pageval.LsnRange{Start: selected[0].LsnRange().Start, End: selected[len(selected)-1].LsnRange().End}

	newLayers, err := t.writeCompactedDeltas(entries, tombstones, lsnRange)
	if err != nil {
		return nil, err
	}

	for _, nl := range newLayers {
		t.layers.insertHistoric(nl, false, false)
		t.addPhysicalSize(nl.SizeBytes())
	}

	var deletePaths []string
	for _, l := range selected {
		t.layers.removeHistoric(l.Filename())
		dl := l.(*deltaLayer)
		dl.Close()
		t.vfsTable.Forget(dl.path())
		deletePaths = append(deletePaths, dl.path())
		t.addPhysicalSize(-dl.SizeBytes())
	}
	for _, p := range deletePaths {
		removeLayerFile(p)
	}

	if t.sync != nil {
		t.sync.ScheduleDelete(storagesync.LayerDelete{TenantID: t.TenantID, TimelineID: t.TimelineID, Paths: deletePaths})
	}

	result.InputLayers = len(selected)
	result.OutputLayers = len(newLayers)
	result.Elapsed = time.Since(start)

	if t.metrics != nil {
		t.metrics.RecordCompaction(result.Elapsed, result.InputLayers, result.OutputLayers)
	}
	if t.log != nil {
		t.log.LogCompaction(t.TimelineID, result.InputLayers, result.OutputLayers, result.Elapsed, nil)
	}

	images, err := t.compactCreateImages(lsnRange.End - 1)
	if err != nil {
		return result, err
	}
	result.ImagesCreated = images

	return result, nil
}

// writeCompactedDeltas partitions sorted entries into one or more new delta
// layers. Each distinct key's run of entries is kept together in one output
// file unless that single key's entries alone exceed CompactionTargetSize,
// in which case that hot key is split further along the LSN dimension into
// narrow single-key files.
func (t *Timeline) writeCompactedDeltas(entries []mergedEntry, tombstones []tombstoneEntry, lsnRange pageval.LsnRange) ([]*deltaLayer, error) {
	target := int64(t.conf.CompactionTargetSize)
	var out []*deltaLayer

	flush := func(w *deltaLayerWriter) error {
		path, keyRange, sizeBytes, err := w.finish()
		if err != nil {
			return err
		}
		dl, err := openDeltaLayer(t.Dir, filepath.Base(path), keyRange, lsnRange, sizeBytes, t.vfsTable)
		if err != nil {
			return err
		}
		out = append(out, dl)
		return nil
	}

	i := 0
	var w *deltaLayerWriter
	var wSize int64

	for i < len(entries) {
		j := i
		for j < len(entries) && entries[j].key == entries[i].key {
			j++
		}
		group := entries[i:j]

		groupSize := int64(0)
		for _, e := range group {
			groupSize += int64(len(e.key)) + 8 + int64(valueSize(e.value))
		}

		if groupSize > target {
			if w != nil {
				if err := flush(w); err != nil {
					return nil, err
				}
				w = nil
				wSize = 0
			}
			if err := t.writeHotKeySplit(group, lsnRange, &out); err != nil {
				return nil, err
			}
			i = j
			continue
		}

		if w != nil && wSize+groupSize > target {
			if err := flush(w); err != nil {
				return nil, err
			}
			w = nil
			wSize = 0
		}
		if w == nil {
			var err error
			w, err = newDeltaLayerWriter(t.Dir, lsnRange)
			if err != nil {
				return nil, err
			}
		}
		for _, e := range group {
			if err := w.put(e.key, e.lsn, e.value); err != nil {
				return nil, err
			}
		}
		wSize += groupSize
		i = j
	}

	if w != nil {
		if err := flush(w); err != nil {
			return nil, err
		}
	}

	if len(tombstones) > 0 && len(out) > 0 {
		if err := writeTombstoneSidecar(filepath.Join(t.Dir, out[0].filename), tombstones); err != nil {
			return nil, err
		}
		tomb, err := readTombstoneSidecar(filepath.Join(t.Dir, out[0].filename))
		if err != nil {
			return nil, err
		}
		out[0].tombstones = tomb
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: compaction produced no output layers from %d entries", ErrInvariant, len(entries))
	}

	return out, nil
}

// writeHotKeySplit handles a single key whose entries alone exceed the
// compaction target size: it is split along the LSN dimension into several
// narrow single-key [key, key.Next()) files instead of one oversized file.
// Each split file is named from the LSN range of the entries it actually
// holds, not the caller's overall merge range — group entries are sorted
// ascending by lsn, so the per-split ranges are contiguous and
// non-overlapping and every split gets a distinct filename.
func (t *Timeline) writeHotKeySplit(group []mergedEntry, fullLsnRange pageval.LsnRange, out *[]*deltaLayer) error {
	target := int64(t.conf.CompactionTargetSize)

	i := 0
	for i < len(group) {
		w, err := newDeltaLayerWriter(t.Dir, fullLsnRange)
		if err != nil {
			return err
		}
		size := int64(0)
		start := i
		for i < len(group) {
			e := group[i]
			entrySize := int64(len(e.key)) + 8 + int64(valueSize(e.value))
			if size > 0 && size+entrySize > target {
				break
			}
			if err := w.put(e.key, e.lsn, e.value); err != nil {
				return err
			}
			size += entrySize
			i++
		}
		if i == start {
			// a single entry alone exceeds target; write it anyway to make progress
			e := group[i]
			if err := w.put(e.key, e.lsn, e.value); err != nil {
				return err
			}
			i++
		}

		splitLsnRange := pageval.LsnRange{Start: group[start].lsn, End: group[i-1].lsn + 1}
		w.lsnRange = splitLsnRange

		path, keyRange, sizeBytes, err := w.finish()
		if err != nil {
			return err
		}
		dl, err := openDeltaLayer(t.Dir, filepath.Base(path), keyRange, splitLsnRange, sizeBytes, t.vfsTable)
		if err != nil {
			return err
		}
		*out = append(*out, dl)
	}
	return nil
}

// compactCreateImages walks the partitions returned by repartition and
// materializes a fresh image layer for any partition whose overlapping-delta
// count has reached ImageCreationThreshold since its last image. A pass on
// which repartition does not re-evaluate creates no image layer.
func (t *Timeline) compactCreateImages(lsn pageval.Lsn) (int, error) {
	partitions := t.repartition(lsn)
	created := 0

	for _, p := range partitions {
		if !t.timeForNewImageLayer(p, lsn) {
			continue
		}

		keys := t.collectKeysInRange(p)
		if len(keys) == 0 {
			continue
		}

		w, err := newImageLayerWriter(t.Dir, lsn)
		if err != nil {
			return created, err
		}
		ctx := context.Background()
		for _, k := range keys {
			img, err := t.Get(ctx, k, lsn)
			if err != nil {
				continue
			}
			w.put(k, img)
		}
		path, keyRange, sizeBytes, err := w.finish()
		if err != nil {
			continue
		}
		il := openImageLayer(t.Dir, filepath.Base(path), keyRange, lsn, sizeBytes, t.vfsTable)
		t.layers.insertHistoric(il, true, false)
		t.addPhysicalSize(sizeBytes)
		created++
	}

	return created, nil
}

// collectKeysInRange enumerates every distinct key any historic delta layer
// touches within keyRange, as the candidate set for a fresh image layer.
func (t *Timeline) collectKeysInRange(keyRange pageval.KeyRange) []pageval.Key {
	seen := map[pageval.Key]bool{}
	for _, l := range t.layers.all() {
		dl, ok := l.(*deltaLayer)
		if !ok || !dl.keyRange.Overlaps(keyRange) {
			continue
		}
		if err := dl.ensureOpen(); err != nil {
			continue
		}
		dl.kv.Scan([]byte{}, func(k, _ []byte) bool {
			key, _, err := decodeCompositeKey(k)
			if err == nil && keyRange.Contains(key) {
				seen[key] = true
			}
			return true
		})
	}
	keys := make([]pageval.Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}
