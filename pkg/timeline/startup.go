package timeline

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nainya/pageserver/internal/config"
	"github.com/nainya/pageserver/internal/logger"
	"github.com/nainya/pageserver/internal/metrics"
	"github.com/nainya/pageserver/internal/vfs"
	"github.com/nainya/pageserver/pkg/pagecache"
	"github.com/nainya/pageserver/pkg/pageval"
	"github.com/nainya/pageserver/pkg/storagesync"
	"github.com/nainya/pageserver/pkg/walredo"
)

// LoadOptions bundles a loaded Timeline's collaborators, mirroring Options
// but without the fields startup derives from the metadata file on disk.
type LoadOptions struct {
	TenantID   string
	TimelineID string
	Dir        string
	Conf       config.TenantConf
	Ancestor   *Timeline
	VfsTable   *vfs.Table
	Cache      *pagecache.Cache
	Redo       walredo.Manager
	Sync       storagesync.Scheduler
	Log        *logger.Logger
	Metrics    *metrics.Metrics
}

// LoadFromDisk reconstructs a Timeline from its metadata file and the
// layer files resident in Dir, grounded on the teacher's WAL startup scan
// (findLogFiles): list the directory once, classify every entry by its
// filename, discard or rename what does not belong, and index the rest.
func LoadFromDisk(opts LoadOptions) (*Timeline, error) {
	metaPath := filepath.Join(opts.Dir, metadataFilename)
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata file: %v", ErrIo, err)
	}
	meta, err := DecodeMetadata(metaBytes)
	if err != nil {
		return nil, err
	}

	t := New(Options{
		TenantID:    opts.TenantID,
		TimelineID:  opts.TimelineID,
		Dir:         opts.Dir,
		Conf:        opts.Conf,
		Ancestor:    opts.Ancestor,
		AncestorLsn: meta.AncestorLsn,
		InitdbLsn:   meta.InitdbLsn,
		VfsTable:    opts.VfsTable,
		Cache:       opts.Cache,
		Redo:        opts.Redo,
		Sync:        opts.Sync,
		Log:         opts.Log,
		Metrics:     opts.Metrics,
	})
	t.diskConsistent = meta.DiskConsistentLsn
	t.lastRecord.last = meta.DiskConsistentLsn
	if meta.HasPrevRecordLsn {
		t.lastRecord.prev = meta.PrevRecordLsn
	}
	t.latestGcCutoffLsn = meta.LatestGcCutoffLsn
	t.nextOpenLayerAt = meta.DiskConsistentLsn + 1

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read timeline dir: %v", ErrIo, err)
	}

	var physicalSize int64

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if name == metadataFilename {
			continue
		}
		if isEphemeralScratchFile(name) {
			_ = os.Remove(filepath.Join(opts.Dir, name))
			continue
		}
		if strings.HasSuffix(name, tombstoneSidecarSuffix) {
			continue // picked up alongside its owning layer file
		}

		keyRange, lsnRange, isImage, ok := parseLayerFilename(name)
		if !ok {
			continue // not a layer file this version recognizes; leave it alone
		}

		if lsnRange.End > meta.DiskConsistentLsn+1 {
			if err := renameStaleFile(opts.Dir, name); err != nil {
				return nil, err
			}
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		physicalSize += info.Size()

		if isImage {
			il := openImageLayer(opts.Dir, name, keyRange, lsnRange.Start, info.Size(), opts.VfsTable)
			t.layers.insertHistoric(il, true, false)
		} else {
			dl, err := openDeltaLayer(opts.Dir, name, keyRange, lsnRange, info.Size(), opts.VfsTable)
			if err != nil {
				return nil, err
			}
			// Whether a reloaded delta layer was level-0 or already compacted
			// is not persisted across restarts; treating every reloaded delta
			// as already compacted means CompactLevel0, which only selects
			// layers flagged level-0 at flush time, never merges it again.
			t.layers.insertHistoric(dl, false, false)
		}
	}

	t.physicalSize = physicalSize
	return t, nil
}

// isEphemeralScratchFile reports whether name is a writer's temp file that
// never reached finish(), left behind by a crash mid-flush or mid-compaction.
func isEphemeralScratchFile(name string) bool {
	return strings.HasPrefix(name, ".tmp-delta-") ||
		strings.HasPrefix(name, ".tmp-image-") ||
		strings.HasSuffix(name, ".tmp")
}

// renameStaleFile moves a layer file whose end LSN exceeds the durable
// disk_consistent_lsn watermark out of the way, as ".N.old" for the lowest
// unused N, rather than deleting it outright.
func renameStaleFile(dir, name string) error {
	for n := 0; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%d.old", name, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return os.Rename(filepath.Join(dir, name), candidate)
		}
	}
}

// parseLayerFilename recognizes the two on-disk layer naming schemes:
// {key_start}-{key_end}__{lsn_start}-{lsn_end} for a delta layer, and
// {key_start}-{key_end}__{lsn} for an image layer.
func parseLayerFilename(name string) (pageval.KeyRange, pageval.LsnRange, bool, bool) {
	parts := strings.SplitN(name, "__", 2)
	if len(parts) != 2 {
		return pageval.KeyRange{}, pageval.LsnRange{}, false, false
	}

	keyParts := strings.SplitN(parts[0], "-", 2)
	if len(keyParts) != 2 {
		return pageval.KeyRange{}, pageval.LsnRange{}, false, false
	}
	startKey, err := parseKeyHex(keyParts[0])
	if err != nil {
		return pageval.KeyRange{}, pageval.LsnRange{}, false, false
	}
	endKey, err := parseKeyHex(keyParts[1])
	if err != nil {
		return pageval.KeyRange{}, pageval.LsnRange{}, false, false
	}
	keyRange := pageval.KeyRange{Start: startKey, End: endKey}

	if lsnParts := strings.SplitN(parts[1], "-", 2); len(lsnParts) == 2 {
		s, err1 := strconv.ParseUint(lsnParts[0], 10, 64)
		e, err2 := strconv.ParseUint(lsnParts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return pageval.KeyRange{}, pageval.LsnRange{}, false, false
		}
		return keyRange, pageval.LsnRange{Start: pageval.Lsn(s), End: pageval.Lsn(e)}, false, true
	}

	lsn, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return pageval.KeyRange{}, pageval.LsnRange{}, false, false
	}
	return keyRange, pageval.LsnRange{Start: pageval.Lsn(lsn), End: pageval.Lsn(lsn) + 1}, true, true
}

func parseKeyHex(s string) (pageval.Key, error) {
	var k pageval.Key
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(k) {
		return k, fmt.Errorf("%w: malformed key hex %q", ErrCorruptLayer, s)
	}
	copy(k[:], b)
	return k, nil
}
