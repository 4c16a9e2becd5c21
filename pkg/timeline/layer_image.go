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

// ImageFilename renders the on-disk name of an image layer per the
// external-interfaces naming contract: {key_start}-{key_end}__{lsn}.
func ImageFilename(keyRange pageval.KeyRange, lsn pageval.Lsn) string {
	return fmt.Sprintf("%s-%s__%d", keyRange.Start, keyRange.End, lsn)
}

// imageLayer is an immutable on-disk layer holding full page images for
// a key_range at a single lsn. Self-contained: unlike deltaLayer it never
// depends on earlier layers, so a key in its range with no entry is a
// corruption signal rather than a request to keep looking.
type imageLayer struct {
	dir      string
	filename string
	keyRange pageval.KeyRange
	lsn      pageval.Lsn

	vfsTable *vfs.Table
	lease    *vfs.Lease
	kv       *pagestore.KV

	sizeBytes int64
}

func (l *imageLayer) path() string {
	return filepath.Join(l.dir, l.filename)
}

func (l *imageLayer) KeyRange() pageval.KeyRange {
	return l.keyRange
}

func (l *imageLayer) LsnRange() pageval.LsnRange {
	return pageval.LsnRange{Start: l.lsn, End: l.lsn + 1}
}

func (l *imageLayer) IsIncremental() bool { return false }
func (l *imageLayer) IsInMemory() bool    { return false }
func (l *imageLayer) Filename() string    { return l.filename }
func (l *imageLayer) SizeBytes() int64    { return l.sizeBytes }

func (l *imageLayer) ensureOpen() error {
	if l.lease != nil {
		return nil
	}
	lease, err := l.vfsTable.Acquire(l.path(), func() (io.Closer, error) {
		kv := &pagestore.KV{Path: l.path()}
		if err := kv.Open(); err != nil {
			return nil, fmt.Errorf("%w: open image layer %s: %v", ErrIo, l.filename, err)
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

// GetValueReconstructData returns Complete with the stored image if key
// is present, or Missing if key falls within this layer's key_range but
// no entry exists — an image layer is built to cover every key in its
// partition, so a gap there is a corruption signal, not "keep looking".
func (l *imageLayer) GetValueReconstructData(key pageval.Key, lsnRange pageval.LsnRange, state *pageval.ReconstructState) (pageval.ReconstructResult, error) {
	if !l.keyRange.Contains(key) {
		return pageval.Missing, nil
	}
	if err := l.ensureOpen(); err != nil {
		return pageval.Continue, err
	}

	raw, ok := l.kv.Get(key[:])
	if !ok {
		return pageval.Missing, nil
	}

	val, err := decodeValue(raw)
	if err != nil {
		return pageval.Continue, err
	}
	if val.Kind != pageval.KindImage {
		return pageval.Continue, fmt.Errorf("%w: image layer %s holds non-image value for key %s", ErrCorruptLayer, l.filename, key)
	}

	if state.Img == nil {
		state.Img = &pageval.ImageAt{Lsn: l.lsn, Img: val.Image}
	}
	return pageval.Complete, nil
}

func (l *imageLayer) Close() {
	if l.lease != nil {
		l.lease.Release()
		l.lease = nil
	}
}

// imageLayerWriter builds one image layer file keyed directly by Key
// (no LSN component — every entry shares the layer's single lsn).
type imageLayerWriter struct {
	dir string
	lsn pageval.Lsn

	tmpPath string
	kv      *pagestore.KV
	tx      *pagestore.KVTX

	haveKey   bool
	minKey    pageval.Key
	maxKey    pageval.Key
	sizeBytes int64
}

func newImageLayerWriter(dir string, lsn pageval.Lsn) (*imageLayerWriter, error) {
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-image-%d", lsn))
	kv := &pagestore.KV{Path: tmp}
	if err := kv.Open(); err != nil {
		return nil, fmt.Errorf("%w: create image layer temp file: %v", ErrIo, err)
	}
	return &imageLayerWriter{
		dir:     dir,
		lsn:     lsn,
		tmpPath: tmp,
		kv:      kv,
		tx:      kv.Begin(),
	}, nil
}

func (w *imageLayerWriter) put(key pageval.Key, img []byte) {
	if !w.haveKey {
		w.minKey = key
		w.haveKey = true
	}
	w.maxKey = key
	value := pageval.NewImageValue(img)
	encoded, _ := encodeValue(value) // KindImage always encodes successfully
	w.tx.Set(key[:], encoded)
	w.sizeBytes += int64(len(encoded))
}

func (w *imageLayerWriter) finish() (path string, keyRange pageval.KeyRange, sizeBytes int64, err error) {
	if !w.haveKey {
		w.kv.Close()
		os.Remove(w.tmpPath)
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: image layer writer finished with no entries", ErrInvariant)
	}

	if err := w.tx.Commit(); err != nil {
		w.kv.Close()
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: commit image layer: %v", ErrIo, err)
	}
	if err := w.kv.Close(); err != nil {
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: close image layer temp file: %v", ErrIo, err)
	}

	keyRange = pageval.KeyRange{Start: w.minKey, End: w.maxKey.Next()}
	filename := ImageFilename(keyRange, w.lsn)
	finalPath := filepath.Join(w.dir, filename)

	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return "", pageval.KeyRange{}, 0, fmt.Errorf("%w: rename image layer into place: %v", ErrIo, err)
	}
	if err := vfs.SyncDir(w.dir); err != nil {
		return "", pageval.KeyRange{}, 0, err
	}

	return finalPath, keyRange, w.sizeBytes, nil
}

func openImageLayer(dir, filename string, keyRange pageval.KeyRange, lsn pageval.Lsn, sizeBytes int64, vfsTable *vfs.Table) *imageLayer {
	return &imageLayer{
		dir:       dir,
		filename:  filename,
		keyRange:  keyRange,
		lsn:       lsn,
		vfsTable:  vfsTable,
		sizeBytes: sizeBytes,
	}
}
