package timeline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nainya/pageserver/pkg/pageval"
)

// metadataMagic identifies a timeline metadata blob written by this
// package, mirroring the fixed-header framing the teacher's WAL entry
// codec used (magic + version, CRC32 trailer over the payload).
const metadataMagic = "PSMETA01"

const metadataVersion = uint8(1)

// MaxMetadataSize bounds the on-disk metadata blob, per the external
// interfaces contract (opaque fixed-schema blob, <= 512 bytes).
const MaxMetadataSize = 512

// Metadata is the fixed-schema content of a timeline's metadata file.
type Metadata struct {
	DiskConsistentLsn pageval.Lsn

	HasPrevRecordLsn bool
	PrevRecordLsn    pageval.Lsn

	AncestorTimelineID string // empty means no ancestor
	AncestorLsn        pageval.Lsn

	LatestGcCutoffLsn pageval.Lsn
	InitdbLsn         pageval.Lsn
}

// EncodeMetadata serializes m into a checksummed blob no larger than
// MaxMetadataSize. Layout: 8-byte magic, 1-byte version, fixed-width
// fields, then a 4-byte big-endian CRC32 (IEEE) over everything before
// it.
func EncodeMetadata(m Metadata) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(metadataMagic)
	buf.WriteByte(metadataVersion)

	var fixed [8]byte
	binary.BigEndian.PutUint64(fixed[:], uint64(m.DiskConsistentLsn))
	buf.Write(fixed[:])

	if m.HasPrevRecordLsn {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.BigEndian.PutUint64(fixed[:], uint64(m.PrevRecordLsn))
	buf.Write(fixed[:])

	if len(m.AncestorTimelineID) > 255 {
		return nil, fmt.Errorf("timeline: ancestor timeline id too long (%d bytes)", len(m.AncestorTimelineID))
	}
	buf.WriteByte(byte(len(m.AncestorTimelineID)))
	buf.WriteString(m.AncestorTimelineID)

	binary.BigEndian.PutUint64(fixed[:], uint64(m.AncestorLsn))
	buf.Write(fixed[:])
	binary.BigEndian.PutUint64(fixed[:], uint64(m.LatestGcCutoffLsn))
	buf.Write(fixed[:])
	binary.BigEndian.PutUint64(fixed[:], uint64(m.InitdbLsn))
	buf.Write(fixed[:])

	if buf.Len() > MaxMetadataSize-4 {
		return nil, fmt.Errorf("timeline: metadata blob exceeds %d bytes (got %d)", MaxMetadataSize, buf.Len()+4)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], sum)
	buf.Write(crcBytes[:])

	return buf.Bytes(), nil
}

// DecodeMetadata validates the magic, version and checksum, then parses
// the fixed-schema fields. A checksum or magic mismatch is treated as a
// corrupt metadata file (ErrCorruptLayer), not a format-evolution concern,
// since this repository defines only version 1.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata

	if len(data) < len(metadataMagic)+1+4 {
		return m, fmt.Errorf("%w: metadata blob too short (%d bytes)", ErrCorruptLayer, len(data))
	}

	payload := data[:len(data)-4]
	wantCrc := binary.BigEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != wantCrc {
		return m, fmt.Errorf("%w: metadata checksum mismatch", ErrCorruptLayer)
	}

	r := bytes.NewReader(payload)

	magic := make([]byte, len(metadataMagic))
	if _, err := r.Read(magic); err != nil || string(magic) != metadataMagic {
		return m, fmt.Errorf("%w: bad metadata magic", ErrCorruptLayer)
	}

	version, err := r.ReadByte()
	if err != nil || version != metadataVersion {
		return m, fmt.Errorf("%w: unsupported metadata version %d", ErrCorruptLayer, version)
	}

	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := r.Read(b[:]); err != nil {
			return 0, fmt.Errorf("%w: truncated metadata", ErrCorruptLayer)
		}
		return binary.BigEndian.Uint64(b[:]), nil
	}

	v, err := readU64()
	if err != nil {
		return m, err
	}
	m.DiskConsistentLsn = pageval.Lsn(v)

	hasPrev, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("%w: truncated metadata", ErrCorruptLayer)
	}
	m.HasPrevRecordLsn = hasPrev != 0

	v, err = readU64()
	if err != nil {
		return m, err
	}
	m.PrevRecordLsn = pageval.Lsn(v)

	ancLen, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("%w: truncated metadata", ErrCorruptLayer)
	}
	if ancLen > 0 {
		ancBytes := make([]byte, ancLen)
		if _, err := r.Read(ancBytes); err != nil {
			return m, fmt.Errorf("%w: truncated metadata", ErrCorruptLayer)
		}
		m.AncestorTimelineID = string(ancBytes)
	}

	v, err = readU64()
	if err != nil {
		return m, err
	}
	m.AncestorLsn = pageval.Lsn(v)

	v, err = readU64()
	if err != nil {
		return m, err
	}
	m.LatestGcCutoffLsn = pageval.Lsn(v)

	v, err = readU64()
	if err != nil {
		return m, err
	}
	m.InitdbLsn = pageval.Lsn(v)

	return m, nil
}
