// Package storagesync defines the storage-sync collaborator interface
// consumed by the flush and GC paths. The real implementation uploads
// layer files to object storage out-of-band; this repository only
// schedules work against it, per spec Non-goals.
package storagesync

import "sync"

// LayerUpload describes a set of layer files produced by a flush, plus the
// refreshed metadata blob that should accompany them in the remote index.
type LayerUpload struct {
	TenantID   string
	TimelineID string
	Paths      []string
	Metadata   []byte
}

// LayerDelete describes a set of layer files removed by compaction or GC.
type LayerDelete struct {
	TenantID   string
	TimelineID string
	Paths      []string
}

// Scheduler hands upload/delete work to the out-of-process sync worker.
// Both methods must return quickly; they schedule, they do not block on
// the transfer itself.
type Scheduler interface {
	ScheduleUpload(u LayerUpload)
	ScheduleDelete(d LayerDelete)
}

// NoopScheduler discards all scheduled work. Use when cloud sync is not
// configured for a tenant.
type NoopScheduler struct{}

func (NoopScheduler) ScheduleUpload(LayerUpload) {}
func (NoopScheduler) ScheduleDelete(LayerDelete) {}

// RecordingScheduler keeps every scheduled call in memory, for tests that
// assert on what the flush/compaction/GC paths tried to sync.
type RecordingScheduler struct {
	mu      sync.Mutex
	Uploads []LayerUpload
	Deletes []LayerDelete
}

func (s *RecordingScheduler) ScheduleUpload(u LayerUpload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Uploads = append(s.Uploads, u)
}

func (s *RecordingScheduler) ScheduleDelete(d LayerDelete) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Deletes = append(s.Deletes, d)
}
