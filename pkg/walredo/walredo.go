// Package walredo defines the WAL-redo collaborator consumed by the
// reconstruction engine. The real implementation lives in a separate
// worker process (a Postgres binary run in single-user mode); this
// package only specifies the interface and provides fakes for tests.
package walredo

import (
	"context"
	"fmt"

	"github.com/nainya/pageserver/pkg/pageval"
)

// WalRecordInput is one record to replay against a base image, in
// ascending-LSN order.
type WalRecordInput struct {
	Lsn      pageval.Lsn
	WillInit bool
	Record   []byte
}

// Manager requests page reconstruction from the external WAL-redo worker.
// RequestRedo must be called with records already in ascending-LSN order;
// base is nil when the first record is a will-init record.
type Manager interface {
	RequestRedo(ctx context.Context, key pageval.Key, requestLsn pageval.Lsn, base []byte, records []WalRecordInput) ([]byte, error)
}

// ErrRedoFailed wraps any error returned by the redo worker so callers can
// match it with errors.Is regardless of the underlying cause.
var ErrRedoFailed = fmt.Errorf("wal-redo failed")

// FakeManager is an in-process stand-in for the redo worker, used by tests
// and by any caller that has not wired a real Postgres redo process. It
// "replays" records by appending their bytes onto the base image, which is
// enough to make round-trip tests deterministic without depending on an
// external binary.
type FakeManager struct {
	// Fail, if set, causes RequestRedo to return ErrRedoFailed.
	Fail bool
}

// RequestRedo concatenates base with each record's bytes, truncating or
// padding the result is not performed — callers choose image sizes that
// make the concatenation meaningful in tests.
func (m *FakeManager) RequestRedo(_ context.Context, _ pageval.Key, _ pageval.Lsn, base []byte, records []WalRecordInput) ([]byte, error) {
	if m.Fail {
		return nil, ErrRedoFailed
	}
	if len(records) == 0 {
		return base, nil
	}
	out := append([]byte(nil), base...)
	for _, r := range records {
		out = append(out, r.Record...)
	}
	return out, nil
}
