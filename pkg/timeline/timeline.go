// Package timeline implements the per-timeline layered storage engine:
// the write path into the open in-memory layer, the freeze/flush
// pipeline that turns frozen layers into on-disk delta or image files,
// level-0 compaction, garbage collection, and the read-path
// reconstruction engine that walks layers (including ancestor
// timelines) to rebuild a page at a requested LSN.
package timeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nainya/pageserver/internal/config"
	"github.com/nainya/pageserver/internal/logger"
	"github.com/nainya/pageserver/internal/metrics"
	"github.com/nainya/pageserver/internal/vfs"
	"github.com/nainya/pageserver/pkg/pagecache"
	"github.com/nainya/pageserver/pkg/pageval"
	"github.com/nainya/pageserver/pkg/storagesync"
	"github.com/nainya/pageserver/pkg/walredo"
)

// lastRecordLsn holds the published write frontier. Writers advance it
// with release semantics under lsnMu; wait_lsn readers block on
// lsnCond until it reaches their target.
type lastRecordLsn struct {
	last pageval.Lsn
	prev pageval.Lsn
}

// gcInfo holds the retention inputs maintained by the tenant-level
// orchestrator (out of scope) and consumed by gc.
type gcInfo struct {
	retainLsns    []pageval.Lsn
	horizonCutoff pageval.Lsn
	pitrCutoff    pageval.Lsn
}

// Timeline is the per-(tenant, timeline) storage engine instance.
// Lock order, never violated: layerRemovalCs -> writeLock -> layers'
// internal RWMutex -> flushLock.
type Timeline struct {
	TenantID   string
	TimelineID string
	Dir        string

	conf config.TenantConf

	ancestor    *Timeline
	ancestorLsn pageval.Lsn

	initdbLsn pageval.Lsn

	// layerRemovalCs serializes compact and gc against each other.
	layerRemovalCs sync.Mutex

	// writeLock serializes writers and must be held before acquiring any
	// lock inside layers, and for the duration of freeze.
	writeLock sync.Mutex

	lsnMu          sync.Mutex
	lsnCond        *sync.Cond
	lastRecord     lastRecordLsn
	diskConsistent pageval.Lsn
	lastFreezeAt   pageval.Lsn
	lastFreezeTime time.Time

	nextOpenLayerAt pageval.Lsn
	openLayer       *inMemoryLayer
	frozenMu        sync.Mutex
	frozenLayers    []*inMemoryLayer

	// flushLock allows at most one flusher per timeline.
	flushLock sync.Mutex

	layers *layerMap

	latestGcCutoffMu  sync.Mutex
	latestGcCutoffLsn pageval.Lsn

	gcInfoMu sync.Mutex
	gcInfo   gcInfo

	// repartitionLsn/threshold tracks when compact last repartitioned.
	repartitionMu  sync.Mutex
	repartitionLsn pageval.Lsn

	logicalSizeMu sync.Mutex
	logicalSize   int64

	physicalSizeMu sync.Mutex
	physicalSize   int64

	vfsTable  *vfs.Table
	cache     *pagecache.Cache
	redo      walredo.Manager
	sync      storagesync.Scheduler
	log       *logger.Logger
	metrics   *metrics.Metrics

	shutdownMu sync.Mutex
	shutdown   bool
}

// Options bundles a new Timeline's collaborators and configuration.
type Options struct {
	TenantID   string
	TimelineID string
	Dir        string
	Conf       config.TenantConf
	Ancestor   *Timeline
	AncestorLsn pageval.Lsn
	InitdbLsn   pageval.Lsn
	VfsTable  *vfs.Table
	Cache     *pagecache.Cache
	Redo      walredo.Manager
	Sync      storagesync.Scheduler
	Log       *logger.Logger
	Metrics   *metrics.Metrics
}

// New creates a Timeline with an empty layer map, as for a brand-new
// branch. Loading an existing timeline from disk goes through
// LoadFromDisk in startup.go instead.
func New(opts Options) *Timeline {
	t := &Timeline{
		TenantID:        opts.TenantID,
		TimelineID:      opts.TimelineID,
		Dir:             opts.Dir,
		conf:            opts.Conf,
		ancestor:        opts.Ancestor,
		ancestorLsn:     opts.AncestorLsn,
		initdbLsn:       opts.InitdbLsn,
		nextOpenLayerAt: opts.InitdbLsn + 1,
		layers:          newLayerMap(),
		vfsTable:        opts.VfsTable,
		cache:           opts.Cache,
		redo:            opts.Redo,
		sync:            opts.Sync,
		log:             opts.Log,
		metrics:         opts.Metrics,
		lastFreezeTime:  time.Now(),
	}
	t.lsnCond = sync.NewCond(&t.lsnMu)
	return t
}

// GetLastRecordLsn returns the published write frontier.
func (t *Timeline) GetLastRecordLsn() pageval.Lsn {
	t.lsnMu.Lock()
	defer t.lsnMu.Unlock()
	return t.lastRecord.last
}

// GetDiskConsistentLsn returns the durable-recovery watermark.
func (t *Timeline) GetDiskConsistentLsn() pageval.Lsn {
	t.lsnMu.Lock()
	defer t.lsnMu.Unlock()
	return t.diskConsistent
}

// GetLatestGcCutoffLsn returns the LSN below which reads are rejected.
func (t *Timeline) GetLatestGcCutoffLsn() pageval.Lsn {
	t.latestGcCutoffMu.Lock()
	defer t.latestGcCutoffMu.Unlock()
	return t.latestGcCutoffLsn
}

// UpdateCurrentLogicalSize adjusts the timeline's logical size gauge by
// delta (positive for growth, negative for shrink/truncate).
func (t *Timeline) UpdateCurrentLogicalSize(delta int64) {
	t.logicalSizeMu.Lock()
	defer t.logicalSizeMu.Unlock()
	t.logicalSize += delta
}

// UpdateGcInfo replaces the retention inputs consumed by the next gc
// run. Called by the tenant-level orchestrator (out of scope here).
func (t *Timeline) UpdateGcInfo(retainLsns []pageval.Lsn, horizonCutoff, pitrCutoff pageval.Lsn) {
	t.gcInfoMu.Lock()
	defer t.gcInfoMu.Unlock()
	t.gcInfo = gcInfo{retainLsns: append([]pageval.Lsn(nil), retainLsns...), horizonCutoff: horizonCutoff, pitrCutoff: pitrCutoff}
}

// CheckLsnIsInScope rejects a request below the GC horizon, per spec 7 /
// invariant 5.
func (t *Timeline) CheckLsnIsInScope(lsn pageval.Lsn) error {
	cutoff := t.GetLatestGcCutoffLsn()
	if lsn < cutoff {
		return fmt.Errorf("%w: requested lsn %s is below latest_gc_cutoff_lsn %s", ErrLsnOutOfScope, lsn, cutoff)
	}
	return nil
}

// WaitLsn blocks until last_record_lsn.last >= target or
// conf.WaitLsnTimeout elapses.
func (t *Timeline) WaitLsn(target pageval.Lsn) error {
	deadline := time.Now().Add(t.conf.WaitLsnTimeout)

	// Wake the waiters once the deadline passes so they can report it.
	timer := time.AfterFunc(t.conf.WaitLsnTimeout, func() {
		t.lsnMu.Lock()
		t.lsnMu.Unlock()
		t.lsnCond.Broadcast()
	})
	defer timer.Stop()

	t.lsnMu.Lock()
	defer t.lsnMu.Unlock()

	for t.lastRecord.last < target {
		if !time.Now().Before(deadline) {
			if t.metrics != nil {
				t.metrics.WaitLsnTimeoutTotal.Inc()
			}
			return fmt.Errorf("%w: last_record_lsn=%s requested=%s", ErrWaitTimeout, t.lastRecord.last, target)
		}
		t.lsnCond.Wait()
	}
	return nil
}

// ---- write path ----

// Put inserts value at (key, lsn). lsn must exceed the current
// last_record_lsn; the caller (WAL receiver, out of scope) is
// responsible for feeding monotonically increasing LSNs.
func (t *Timeline) Put(key pageval.Key, lsn pageval.Lsn, value pageval.Value) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if lsn <= t.GetLastRecordLsn() {
		return fmt.Errorf("%w: put at lsn %s does not exceed last_record_lsn %s", ErrInvariant, lsn, t.GetLastRecordLsn())
	}

	open := t.ensureOpenLayerLocked()
	dup := open.putValue(key, lsn, value)
	if dup && t.log != nil {
		t.log.Warn("duplicate put_value at identical (key, lsn)").Str("key", key.String()).Uint64("lsn", uint64(lsn)).Send()
	}
	if t.metrics != nil {
		t.metrics.PutRecordsTotal.Inc()
		t.metrics.PutBytesTotal.Add(float64(valueSize(value)))
	}
	return nil
}

// Delete records a range-delete tombstone at lsn.
func (t *Timeline) Delete(keyRange pageval.KeyRange, lsn pageval.Lsn) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if lsn <= t.GetLastRecordLsn() {
		return fmt.Errorf("%w: delete at lsn %s does not exceed last_record_lsn %s", ErrInvariant, lsn, t.GetLastRecordLsn())
	}

	open := t.ensureOpenLayerLocked()
	open.putTombstone(keyRange, lsn)
	if t.metrics != nil {
		t.metrics.PutRecordsTotal.Inc()
	}
	return nil
}

// ensureOpenLayerLocked returns the open layer, creating it lazily at
// nextOpenLayerAt if none exists. Callers must hold writeLock.
func (t *Timeline) ensureOpenLayerLocked() *inMemoryLayer {
	if t.openLayer == nil {
		t.lsnMu.Lock()
		start := t.nextOpenLayerAt
		t.lsnMu.Unlock()
		t.openLayer = newInMemoryLayer(start)
	}
	return t.openLayer
}

// FinishWrite advances last_record_lsn with release semantics and wakes
// every goroutine blocked in WaitLsn.
func (t *Timeline) FinishWrite(newLsn pageval.Lsn) {
	t.lsnMu.Lock()
	t.lastRecord.prev = t.lastRecord.last
	t.lastRecord.last = newLsn
	t.lsnMu.Unlock()
	t.lsnCond.Broadcast()

	t.maybeCheckpointAsync()
}

// ---- freeze / flush ----

// freezeInMemLayer moves the open layer to the back of frozenLayers.
// It takes the writer lock itself and holds it for the whole duration (spec
// 9: "single-writer assumption during freeze").
func (t *Timeline) freezeInMemLayer() error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if t.openLayer == nil || t.openLayer.isEmpty() {
		return nil
	}

	endLsn := t.GetLastRecordLsn() + 1
	if err := t.openLayer.freeze(endLsn); err != nil {
		return err
	}

	t.frozenMu.Lock()
	t.frozenLayers = append(t.frozenLayers, t.openLayer)
	t.frozenMu.Unlock()

	t.lsnMu.Lock()
	t.nextOpenLayerAt = endLsn
	t.lastFreezeAt = endLsn
	t.lastFreezeTime = time.Now()
	t.lsnMu.Unlock()

	t.openLayer = nil
	return nil
}

// flushFrozenLayers drains the frozen queue, writing each to disk. At
// most one flusher runs per timeline at a time, serialized by flushLock.
// If wait is false and the lock is already held, this call returns
// immediately; the in-flight flusher will observe the newly frozen layer
// before it exits.
func (t *Timeline) flushFrozenLayers(wait bool) error {
	if wait {
		t.flushLock.Lock()
	} else {
		if !t.flushLock.TryLock() {
			return nil
		}
	}
	defer t.flushLock.Unlock()

	for {
		t.frozenMu.Lock()
		if len(t.frozenLayers) == 0 {
			t.frozenMu.Unlock()
			return nil
		}
		front := t.frozenLayers[0]
		t.frozenMu.Unlock()

		start := time.Now()
		if err := t.flushOneFrozenLayer(front); err != nil {
			if t.log != nil {
				t.log.Error("flush failed, will retry on next trigger").Err(err).Send()
			}
			return err
		}

		t.frozenMu.Lock()
		if len(t.frozenLayers) > 0 && t.frozenLayers[0] == front {
			t.frozenLayers = t.frozenLayers[1:]
		}
		t.frozenMu.Unlock()

		if t.metrics != nil {
			t.metrics.RecordFlush(time.Since(start), front.size())
		}
		if t.log != nil {
			t.log.LogFlush(t.TimelineID, uint64(t.GetDiskConsistentLsn()), time.Since(start), front.size(), nil)
		}
	}
}

// metadataFilename is the fixed name of a timeline's metadata blob on disk.
const metadataFilename = "metadata"

// buildMetadata snapshots the fields persisted across restarts into a
// Metadata value.
func (t *Timeline) buildMetadata() (Metadata, error) {
	t.lsnMu.Lock()
	diskConsistent := t.diskConsistent
	prev := t.lastRecord.prev
	t.lsnMu.Unlock()

	m := Metadata{
		DiskConsistentLsn: diskConsistent,
		HasPrevRecordLsn:  prev != 0,
		PrevRecordLsn:     prev,
		AncestorLsn:       t.ancestorLsn,
		LatestGcCutoffLsn: t.GetLatestGcCutoffLsn(),
		InitdbLsn:         t.initdbLsn,
	}
	if t.ancestor != nil {
		m.AncestorTimelineID = t.ancestor.TimelineID
	}
	return m, nil
}

// persistMetadata encodes and durably writes the metadata blob, via a
// temp-file-plus-rename so a crash mid-write never leaves a torn file.
func (t *Timeline) persistMetadata(m Metadata) error {
	encoded, err := EncodeMetadata(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	finalPath := filepath.Join(t.Dir, metadataFilename)
	tmpPath := finalPath + ".tmp"

	f, err := vfs.CreateFileSync(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		return fmt.Errorf("%w: write metadata: %v", ErrIo, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: fsync metadata: %v", ErrIo, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close metadata: %v", ErrIo, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename metadata into place: %v", ErrIo, err)
	}
	return vfs.SyncDir(t.Dir)
}

// flushOneFrozenLayer writes one frozen layer to disk as either a set of
// image layers (initial-import special case) or a single delta layer,
// installs the result in the layer map, advances disk_consistent_lsn,
// persists metadata, and notifies the storage-sync collaborator.
func (t *Timeline) flushOneFrozenLayer(frozen *inMemoryLayer) error {
	lr := frozen.LsnRange()

	var newPaths []string

	if lr.Start == t.initdbLsn && lr.End == t.initdbLsn+1 {
		paths, err := t.flushAsImageLayers(frozen)
		if err != nil {
			return err
		}
		newPaths = paths
	} else {
		path, err := t.flushAsDeltaLayer(frozen)
		if err != nil {
			return err
		}
		newPaths = []string{path}
	}

	newDiskConsistent := lr.End - 1

	t.lsnMu.Lock()
	if newDiskConsistent < t.diskConsistent {
		t.lsnMu.Unlock()
		return fmt.Errorf("%w: disk_consistent_lsn would regress from %s to %s", ErrInvariant, t.diskConsistent, newDiskConsistent)
	}
	t.diskConsistent = newDiskConsistent
	t.lsnMu.Unlock()

	meta, err := t.buildMetadata()
	if err != nil {
		return err
	}
	if err := t.persistMetadata(meta); err != nil {
		return err
	}

	if t.sync != nil {
		encoded, err := EncodeMetadata(meta)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		t.sync.ScheduleUpload(storagesync.LayerUpload{
			TenantID:   t.TenantID,
			TimelineID: t.TimelineID,
			Paths:      newPaths,
			Metadata:   encoded,
		})
	}

	return nil
}

// flushAsDeltaLayer is the common case: write the frozen layer's entries
// into one new DeltaLayer covering [min_key, max_key+1) x lsn_range.
func (t *Timeline) flushAsDeltaLayer(frozen *inMemoryLayer) (string, error) {
	lr := frozen.LsnRange()
	w, err := newDeltaLayerWriter(t.Dir, lr)
	if err != nil {
		return "", err
	}

	frozen.mu.RLock()
	keys := make([]pageval.Key, 0, len(frozen.entries))
	for k := range frozen.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		for _, e := range frozen.entries[k] {
			if err := w.put(k, e.lsn, e.value); err != nil {
				frozen.mu.RUnlock()
				return "", err
			}
		}
	}
	for _, tomb := range frozen.tombstones {
		w.putTombstone(tomb.keyRange, tomb.lsn)
	}
	frozen.mu.RUnlock()

	path, keyRange, sizeBytes, err := w.finish()
	if err != nil {
		return "", err
	}

	dl, err := openDeltaLayer(t.Dir, filepath.Base(path), keyRange, lr, sizeBytes, t.vfsTable)
	if err != nil {
		return "", err
	}
	t.layers.insertHistoric(dl, false, true)
	t.addPhysicalSize(sizeBytes)

	return path, nil
}

// flushAsImageLayers handles the initial-import special case: the first
// frozen layer, covering exactly [initdb_lsn, initdb_lsn+1), is written
// as a set of ImageLayers, one per range returned by repartitionKeys,
// instead of a delta file.
func (t *Timeline) flushAsImageLayers(frozen *inMemoryLayer) ([]string, error) {
	partitions := t.repartitionKeys(frozen)
	var paths []string

	for _, kr := range partitions {
		w, err := newImageLayerWriter(t.Dir, t.initdbLsn)
		if err != nil {
			return nil, err
		}

		frozen.mu.RLock()
		keys := make([]pageval.Key, 0)
		for k := range frozen.entries {
			if kr.Contains(k) {
				keys = append(keys, k)
			}
		}
		sortKeys(keys)
		for _, k := range keys {
			entries := frozen.entries[k]
			last := entries[len(entries)-1]
			if last.value.Kind == pageval.KindImage {
				w.put(k, last.value.Image)
			}
		}
		frozen.mu.RUnlock()

		path, keyRange, sizeBytes, err := w.finish()
		if err != nil {
			continue // empty partition, nothing to write
		}

		il := openImageLayer(t.Dir, filepath.Base(path), keyRange, t.initdbLsn, sizeBytes, t.vfsTable)
		t.layers.insertHistoric(il, true, false)
		t.addPhysicalSize(sizeBytes)
		paths = append(paths, path)
	}

	return paths, nil
}

// repartitionKeys returns a frozen layer's key space for initial
// image-layer materialization as one range, [min key, max key+1). It does
// not split that range by size or by any configured target.
func (t *Timeline) repartitionKeys(frozen *inMemoryLayer) []pageval.KeyRange {
	frozen.mu.RLock()
	defer frozen.mu.RUnlock()

	if len(frozen.entries) == 0 {
		return nil
	}
	var minKey, maxKey pageval.Key
	first := true
	for k := range frozen.entries {
		if first || k.Less(minKey) {
			minKey = k
		}
		if first || maxKey.Less(k) {
			maxKey = k
		}
		first = false
	}
	return []pageval.KeyRange{{Start: minKey, End: maxKey.Next()}}
}

func (t *Timeline) addPhysicalSize(delta int64) {
	t.physicalSizeMu.Lock()
	defer t.physicalSizeMu.Unlock()
	t.physicalSize += delta
}

// GetPhysicalSize returns the in-memory physical-size gauge.
func (t *Timeline) GetPhysicalSize() int64 {
	t.physicalSizeMu.Lock()
	defer t.physicalSizeMu.Unlock()
	return t.physicalSize
}

// GetPhysicalSizeNonIncremental walks the timeline directory and sums
// layer file sizes independently of the in-memory gauge, for diagnostics
// when the gauge is suspected to have drifted.
func (t *Timeline) GetPhysicalSizeNonIncremental() (int64, error) {
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		return 0, fmt.Errorf("%w: read timeline dir: %v", ErrIo, err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// ---- checkpoint trigger ----

// checkCheckpointDistance reports whether the open layer should be
// frozen now, per the three OR'd conditions in spec 4.F.
func (t *Timeline) checkCheckpointDistance() bool {
	t.writeLock.Lock()
	open := t.openLayer
	t.writeLock.Unlock()

	t.lsnMu.Lock()
	lastRecord := t.lastRecord.last
	lastFreezeAt := t.lastFreezeAt
	lastFreezeTime := t.lastFreezeTime
	t.lsnMu.Unlock()

	if lastRecord-lastFreezeAt >= pageval.Lsn(t.conf.CheckpointDistance) {
		return true
	}
	if open != nil && open.size() > int64(t.conf.CheckpointDistance) {
		return true
	}
	if open != nil && !open.isEmpty() && time.Since(lastFreezeTime) >= t.conf.CheckpointTimeout {
		return true
	}
	return false
}

// maybeCheckpointAsync freezes and flushes in the background when
// checkCheckpointDistance says so. At most one background flush is
// spawned per call site; flushFrozenLayers itself is already mutually
// exclusive via flushLock.
func (t *Timeline) maybeCheckpointAsync() {
	if !t.checkCheckpointDistance() {
		return
	}
	go func() {
		if err := t.freezeInMemLayer(); err != nil {
			if t.log != nil {
				t.log.Error("freeze failed").Err(err).Send()
			}
			return
		}
		_ = t.flushFrozenLayers(false)
	}()
}

// Checkpoint implements the maintenance-interface checkpoint operation.
// Flush freezes only if the trigger conditions hold; Forced freezes and
// flushes unconditionally and waits for completion.
type CheckpointMode int

const (
	CheckpointFlush CheckpointMode = iota
	CheckpointForced
)

func (t *Timeline) Checkpoint(mode CheckpointMode) error {
	switch mode {
	case CheckpointForced:
		if err := t.freezeInMemLayer(); err != nil {
			return err
		}
		return t.flushFrozenLayers(true)
	default:
		if t.checkCheckpointDistance() {
			if err := t.freezeInMemLayer(); err != nil {
				return err
			}
			return t.flushFrozenLayers(true)
		}
		return nil
	}
}

// Shutdown sets the cooperative shutdown flag and drains the flush lock,
// per spec 5's cancellation policy.
func (t *Timeline) Shutdown() {
	t.shutdownMu.Lock()
	t.shutdown = true
	t.shutdownMu.Unlock()

	t.flushLock.Lock()
	t.flushLock.Unlock()
}

func (t *Timeline) isShuttingDown() bool {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()
	return t.shutdown
}

// ---- read path ----

// Get reconstructs the page at (key, requestLsn), per spec 4.G.
func (t *Timeline) Get(ctx context.Context, key pageval.Key, requestLsn pageval.Lsn) ([]byte, error) {
	start := time.Now()
	img, err := t.get(ctx, key, requestLsn)
	if t.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		t.metrics.RecordGet(status, time.Since(start))
	}
	return img, err
}

func (t *Timeline) get(ctx context.Context, key pageval.Key, requestLsn pageval.Lsn) ([]byte, error) {
	if err := t.CheckLsnIsInScope(requestLsn); err != nil {
		return nil, err
	}

	var cachedLsn pageval.Lsn
	var cachedImg []byte
	var haveCached bool
	if t.cache != nil {
		cachedLsn, cachedImg, haveCached = t.cache.Lookup(t.TenantID, t.TimelineID, key, requestLsn)
	}

	state := &pageval.ReconstructState{}
	if haveCached {
		img := append([]byte(nil), cachedImg...)
		state.Img = &pageval.ImageAt{Lsn: cachedLsn, Img: img}
	}

	cur := t
	contLsn := requestLsn + 1
	prevLsn := pageval.Lsn(^uint64(0))
	result := pageval.Continue

	var breadcrumbs []string

	for {
		if result == pageval.Complete {
			break
		}
		if result == pageval.Missing {
			return nil, newTraversalError(ErrNotFound, key.String(), breadcrumbs, fmt.Sprintf("request_lsn=%d", requestLsn))
		}

		if haveCached && contLsn == cachedLsn+1 {
			break
		}

		if prevLsn <= contLsn {
			return nil, newTraversalError(ErrInvariant, key.String(), breadcrumbs, "no progress in reconstruction loop")
		}
		prevLsn = contLsn

		if cur.ancestor != nil && contLsn-1 <= cur.ancestorLsn {
			cur = cur.ancestor
			prevLsn = pageval.Lsn(^uint64(0))
			continue
		}

		candidateFound := false

		cur.writeLock.Lock()
		open := cur.openLayer
		cur.writeLock.Unlock()

		if open != nil && open.LsnRange().Start < contLsn {
			r, err := open.GetValueReconstructData(key, pageval.LsnRange{Start: floorOf(haveCached, cachedLsn, open.LsnRange().Start), End: contLsn}, state)
			if err != nil {
				return nil, err
			}
			breadcrumbs = append(breadcrumbs, open.Filename())
			result = r
			candidateFound = true
			contLsn = open.LsnRange().Start
		}

		if !candidateFound || result == pageval.Continue {
			cur.frozenMu.Lock()
			frozenSnapshot := append([]*inMemoryLayer(nil), cur.frozenLayers...)
			cur.frozenMu.Unlock()

			for i := len(frozenSnapshot) - 1; i >= 0; i-- {
				fl := frozenSnapshot[i]
				if fl.LsnRange().Start >= contLsn {
					continue
				}
				r, err := fl.GetValueReconstructData(key, pageval.LsnRange{Start: floorOf(haveCached, cachedLsn, fl.LsnRange().Start), End: contLsn}, state)
				if err != nil {
					return nil, err
				}
				breadcrumbs = append(breadcrumbs, fl.Filename())
				candidateFound = true
				result = r
				contLsn = fl.LsnRange().Start
				if result == pageval.Complete {
					break
				}
			}
		}

		if !candidateFound || result == pageval.Continue {
			if lsnFloor, l, ok := cur.layers.search(key, contLsn); ok {
				startLsn := l.LsnRange().Start
				if startLsn < contLsn {
					r, err := l.GetValueReconstructData(key, pageval.LsnRange{Start: floorOf(haveCached, cachedLsn, lsnFloor), End: contLsn}, state)
					if err != nil {
						return nil, err
					}
					breadcrumbs = append(breadcrumbs, l.Filename())
					candidateFound = true
					result = r
					contLsn = lsnFloor
				}
			}
		}

		if !candidateFound {
			if cur.ancestor != nil {
				contLsn = cur.ancestorLsn + 1
				continue
			}
			result = pageval.Missing
		}
	}

	img, err := t.reconstructValue(ctx, key, requestLsn, state)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func floorOf(haveCached bool, cachedLsn, candidate pageval.Lsn) pageval.Lsn {
	if haveCached && cachedLsn+1 > candidate {
		return cachedLsn + 1
	}
	return candidate
}

// reconstructValue turns accumulated records/image into a page, invoking
// the WAL-redo collaborator when records are present.
func (t *Timeline) reconstructValue(ctx context.Context, key pageval.Key, requestLsn pageval.Lsn, state *pageval.ReconstructState) ([]byte, error) {
	records := make([]pageval.WalRecordAt, len(state.Records))
	for i := range state.Records {
		records[i] = state.Records[len(state.Records)-1-i]
	}

	if len(records) == 0 {
		if state.Img != nil {
			return state.Img.Img, nil
		}
		return nil, newTraversalError(ErrNotFound, key.String(), nil, "no image or records found")
	}

	if state.Img == nil && !records[0].WillInit {
		return nil, newTraversalError(ErrNotFound, key.String(), nil, "no base image and oldest record is not will_init")
	}

	var base []byte
	if state.Img != nil {
		base = state.Img.Img
	}

	redoRecords := make([]walredo.WalRecordInput, len(records))
	for i, r := range records {
		redoRecords[i] = walredo.WalRecordInput{Lsn: r.Lsn, WillInit: r.WillInit, Record: r.Record}
	}

	img, err := t.redo.RequestRedo(ctx, key, requestLsn, base, redoRecords)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedoFailed, err)
	}

	if t.cache != nil {
		lastLsn := records[len(records)-1].Lsn
		t.cache.Put(pagecache.EntryKey{TenantID: t.TenantID, TimelineID: t.TimelineID, Key: key, Lsn: lastLsn}, img)
	}

	return img, nil
}
