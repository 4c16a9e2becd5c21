// ABOUTME: Value variants stored against a (key, lsn) pair
// ABOUTME: A value is either a full page image, a WAL record, or a tombstone marker

package pageval

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	// KindImage holds a full page image; self-sufficient for reconstruction.
	KindImage ValueKind = iota
	// KindWalRecord holds an incremental WAL record.
	KindWalRecord
	// KindTombstone marks a key range as deleted as of some LSN.
	KindTombstone
)

func (k ValueKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindWalRecord:
		return "wal_record"
	case KindTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

// Value is the tagged variant persisted at a (key, lsn) entry.
type Value struct {
	Kind ValueKind

	// Image holds the full 8 KiB page when Kind == KindImage.
	Image []byte

	// WillInit, when Kind == KindWalRecord, means the record alone suffices
	// to materialize the page without an earlier base image.
	WillInit bool
	// Record holds the WAL record bytes when Kind == KindWalRecord.
	Record []byte
}

// NewImageValue builds an image value.
func NewImageValue(img []byte) Value {
	return Value{Kind: KindImage, Image: img}
}

// NewWalRecordValue builds a WAL record value.
func NewWalRecordValue(willInit bool, record []byte) Value {
	return Value{Kind: KindWalRecord, WillInit: willInit, Record: record}
}

// NewTombstoneValue builds a range-delete marker value.
func NewTombstoneValue() Value {
	return Value{Kind: KindTombstone}
}

// ImageAt pairs an image with the LSN it was taken at, used both for the
// materialized page cache and for ReconstructState's base image slot.
type ImageAt struct {
	Lsn Lsn
	Img []byte
}

// WalRecordAt pairs a WAL record with the LSN it was written at.
type WalRecordAt struct {
	Lsn      Lsn
	WillInit bool
	Record   []byte
}

// ReconstructState accumulates the inputs needed to rebuild a page: a base
// image (if any) plus the WAL records layered on top of it. Records are
// appended newest-first by layers during traversal; reconstruction reverses
// them into ascending-LSN order before calling the redo collaborator.
type ReconstructState struct {
	Records []WalRecordAt
	Img     *ImageAt
}

// ReconstructResult is returned by Layer.GetValueReconstructData.
type ReconstructResult int

const (
	// Continue means the layer found nothing conclusive; keep searching older layers.
	Continue ReconstructResult = iota
	// Complete means the layer supplied a will-init record or an image; stop searching.
	Complete
	// Missing means nothing in the layer's range matches the key at all.
	Missing
)

func (r ReconstructResult) String() string {
	switch r {
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}
