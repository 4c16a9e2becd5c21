package timeline

import (
	"time"

	"github.com/nainya/pageserver/pkg/pageval"
	"github.com/nainya/pageserver/pkg/storagesync"
)

// GcResult accounts for one garbage-collection pass, mirroring the
// original implementation's per-run reporting struct so operators can see
// why a layer was or was not reclaimed.
type GcResult struct {
	LayersTotal           int
	LayersNeededByCutoff  int
	LayersNeededByPitr    int
	LayersNeededByBranches int
	LayersNotUpdated      int
	LayersRemoved         int
	Elapsed               time.Duration
}

// Gc removes historic image and delta layers that no longer contribute to
// any read a live branch or PITR window could still issue, per spec 4.H.
// new_gc_cutoff = min(horizon_cutoff, pitr_cutoff); a layer survives if any
// of the four retention conditions holds.
func (t *Timeline) Gc() (*GcResult, error) {
	t.layerRemovalCs.Lock()
	defer t.layerRemovalCs.Unlock()

	start := time.Now()
	result := &GcResult{}

	t.gcInfoMu.Lock()
	info := t.gcInfo
	t.gcInfoMu.Unlock()

	if info.horizonCutoff == 0 && info.pitrCutoff == 0 {
		return result, nil
	}

	newGcCutoff := info.horizonCutoff
	switch {
	case info.horizonCutoff == 0:
		newGcCutoff = info.pitrCutoff
	case info.pitrCutoff == 0:
		newGcCutoff = info.horizonCutoff
	default:
		newGcCutoff = pageval.MinLsn(info.horizonCutoff, info.pitrCutoff)
	}

	all := t.layers.all()
	result.LayersTotal = len(all)

	var toRemove []string
	var deletePaths []string

	for _, l := range all {
		lr := l.LsnRange()

		if lr.End > info.horizonCutoff {
			result.LayersNeededByCutoff++
			continue
		}

		if lr.End > info.pitrCutoff {
			result.LayersNeededByPitr++
			continue
		}

		retainedByBranch := false
		for _, retainLsn := range info.retainLsns {
			if lr.Start <= retainLsn {
				retainedByBranch = true
				break
			}
		}
		if retainedByBranch {
			result.LayersNeededByBranches++
			continue
		}

		if t.layers.imageLayerExists(l.KeyRange(), pageval.LsnRange{Start: lr.End + 1, End: newGcCutoff + 1}) {
			toRemove = append(toRemove, l.Filename())
			switch concrete := l.(type) {
			case *deltaLayer:
				deletePaths = append(deletePaths, concrete.path())
			case *imageLayer:
				deletePaths = append(deletePaths, concrete.path())
			}
		} else {
			result.LayersNotUpdated++
		}
	}

	for _, filename := range toRemove {
		t.layers.removeHistoric(filename)
	}
	for _, p := range deletePaths {
		t.vfsTable.Forget(p)
		removeLayerFile(p)
	}

	result.LayersRemoved = len(toRemove)
	result.Elapsed = time.Since(start)

	t.latestGcCutoffMu.Lock()
	if newGcCutoff > t.latestGcCutoffLsn {
		t.latestGcCutoffLsn = newGcCutoff
	}
	t.latestGcCutoffMu.Unlock()

	if t.sync != nil && len(deletePaths) > 0 {
		t.sync.ScheduleDelete(storagesync.LayerDelete{TenantID: t.TenantID, TimelineID: t.TimelineID, Paths: deletePaths})
	}

	if t.metrics != nil {
		t.metrics.RecordGC(result.Elapsed, result.LayersRemoved)
	}
	if t.log != nil {
		t.log.LogGC(t.TimelineID, result.LayersTotal, result.LayersRemoved, result.Elapsed, nil)
	}

	return result, nil
}
