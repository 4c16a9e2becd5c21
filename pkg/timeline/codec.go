package timeline

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nainya/pageserver/pkg/pageval"
)

// compositeKeySize is the encoded size of a (Key, Lsn) pair used as the
// pagestore.KV index key for delta layer files (image layer files are
// keyed by the bare 16-byte Key): 16 bytes of
// Key followed by an 8-byte big-endian Lsn, so ascending byte order on
// the composite key matches ascending (key, lsn) order.
const compositeKeySize = 16 + 8

func encodeCompositeKey(k pageval.Key, lsn pageval.Lsn) []byte {
	var buf [compositeKeySize]byte
	copy(buf[:16], k[:])
	binary.BigEndian.PutUint64(buf[16:], uint64(lsn))
	return buf[:]
}

func decodeCompositeKey(b []byte) (pageval.Key, pageval.Lsn, error) {
	if len(b) != compositeKeySize {
		return pageval.Key{}, 0, fmt.Errorf("%w: composite key has wrong length %d", ErrCorruptLayer, len(b))
	}
	var k pageval.Key
	copy(k[:], b[:16])
	lsn := pageval.Lsn(binary.BigEndian.Uint64(b[16:]))
	return k, lsn, nil
}

// Value wire kinds, distinct from pageval.ValueKind's in-memory tag so the
// on-disk format can evolve independently of the Go type.
const (
	wireKindImage     = byte(1)
	wireKindWalRecord = byte(2)
)

// encodeValue serializes a pageval.Value for storage in a layer file.
// Tombstones are never stored through this path — see the range-tombstone
// list in deltaLayerWriter instead; image layers hold no tombstones.
func encodeValue(v pageval.Value) ([]byte, error) {
	switch v.Kind {
	case pageval.KindImage:
		buf := make([]byte, 1+len(v.Image))
		buf[0] = wireKindImage
		copy(buf[1:], v.Image)
		return buf, nil
	case pageval.KindWalRecord:
		buf := make([]byte, 2+len(v.Record))
		buf[0] = wireKindWalRecord
		if v.WillInit {
			buf[1] = 1
		}
		copy(buf[2:], v.Record)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: cannot persist value kind %v to a layer file", ErrInvariant, v.Kind)
	}
}

func decodeValue(b []byte) (pageval.Value, error) {
	if len(b) < 1 {
		return pageval.Value{}, fmt.Errorf("%w: empty encoded value", ErrCorruptLayer)
	}
	switch b[0] {
	case wireKindImage:
		img := make([]byte, len(b)-1)
		copy(img, b[1:])
		return pageval.NewImageValue(img), nil
	case wireKindWalRecord:
		if len(b) < 2 {
			return pageval.Value{}, fmt.Errorf("%w: truncated wal record value", ErrCorruptLayer)
		}
		rec := make([]byte, len(b)-2)
		copy(rec, b[2:])
		return pageval.NewWalRecordValue(b[1] != 0, rec), nil
	default:
		return pageval.Value{}, fmt.Errorf("%w: unknown encoded value kind %d", ErrCorruptLayer, b[0])
	}
}

// tombstoneSidecarSuffix names the side file holding a delta layer's
// range-tombstone list. Tombstones are range markers, not
// per-key entries, so they do not fit the fixed composite-key index and
// are kept alongside the layer file instead.
const tombstoneSidecarSuffix = ".tomb"

func writeTombstoneSidecar(layerPath string, tombstones []tombstoneEntry) error {
	buf := make([]byte, 0, 4+len(tombstones)*40)
	var countBytes [4]byte
	binary.BigEndian.PutUint32(countBytes[:], uint32(len(tombstones)))
	buf = append(buf, countBytes[:]...)

	for _, t := range tombstones {
		var lsnBytes [8]byte
		binary.BigEndian.PutUint64(lsnBytes[:], uint64(t.lsn))
		buf = append(buf, t.keyRange.Start[:]...)
		buf = append(buf, t.keyRange.End[:]...)
		buf = append(buf, lsnBytes[:]...)
	}

	if err := os.WriteFile(layerPath+tombstoneSidecarSuffix, buf, 0o644); err != nil {
		return fmt.Errorf("%w: write tombstone sidecar for %s: %v", ErrIo, layerPath, err)
	}
	return nil
}

func readTombstoneSidecar(layerPath string) ([]tombstoneEntry, error) {
	data, err := os.ReadFile(layerPath + tombstoneSidecarSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read tombstone sidecar for %s: %v", ErrIo, layerPath, err)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated tombstone sidecar for %s", ErrCorruptLayer, layerPath)
	}
	count := binary.BigEndian.Uint32(data[:4])
	rest := data[4:]

	const entrySize = 16 + 16 + 8
	if len(rest) != int(count)*entrySize {
		return nil, fmt.Errorf("%w: tombstone sidecar length mismatch for %s", ErrCorruptLayer, layerPath)
	}

	out := make([]tombstoneEntry, 0, count)
	for i := 0; i < int(count); i++ {
		off := i * entrySize
		var start, end pageval.Key
		copy(start[:], rest[off:off+16])
		copy(end[:], rest[off+16:off+32])
		lsn := pageval.Lsn(binary.BigEndian.Uint64(rest[off+32 : off+40]))
		out = append(out, tombstoneEntry{keyRange: pageval.KeyRange{Start: start, End: end}, lsn: lsn})
	}
	return out, nil
}
