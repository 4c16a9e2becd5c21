// Package config holds the tunable knobs that drive checkpoint, flush,
// compaction and GC triggering for a tenant's timelines.
package config

import "time"

// TenantConf holds the eight named tunables from the external-interfaces
// contract, plus defaults modeled after the teacher's named constant
// declarations for background-worker intervals.
type TenantConf struct {
	// CheckpointDistance is the LSN-distance or open-layer-size threshold
	// that triggers a freeze.
	CheckpointDistance uint64

	// CheckpointTimeout is the idle duration after which an unfrozen
	// open layer is frozen even without hitting CheckpointDistance.
	CheckpointTimeout time.Duration

	// CompactionTargetSize is the desired size of level-1 delta files
	// produced by compact_level0.
	CompactionTargetSize uint64

	// CompactionThreshold is the minimum number of level-0 deltas
	// required before compact_level0 runs.
	CompactionThreshold int

	// ImageCreationThreshold is the minimum number of overlapping delta
	// layers since the last image that triggers a new image layer.
	ImageCreationThreshold int

	// WaitLsnTimeout bounds how long wait_lsn blocks before failing.
	WaitLsnTimeout time.Duration

	// GcHorizon derives horizon_cutoff = last_record_lsn - GcHorizon.
	GcHorizon uint64

	// PitrInterval is the time span used to derive pitr_cutoff.
	PitrInterval time.Duration
}

// DefaultCheckpointDistance is the default LSN distance between freezes:
// 256 MiB of WAL, a reasonable balance between read amplification from
// many small layers and write-stall risk from one huge open layer.
const DefaultCheckpointDistance = 256 << 20

// DefaultCheckpointTimeout freezes an idle open layer after 10 minutes
// even if it never reaches DefaultCheckpointDistance.
const DefaultCheckpointTimeout = 10 * time.Minute

// DefaultCompactionTargetSize is the desired level-1 delta file size.
const DefaultCompactionTargetSize = 128 << 20

// DefaultCompactionThreshold is the minimum level-0 delta count before
// compact_level0 fires.
const DefaultCompactionThreshold = 10

// DefaultImageCreationThreshold is the minimum overlapping-delta count
// since the last image before a new image layer is warranted.
const DefaultImageCreationThreshold = 3

// DefaultWaitLsnTimeout bounds wait_lsn.
const DefaultWaitLsnTimeout = 60 * time.Second

// DefaultGcHorizon keeps roughly 64 MiB of recent history ungarbage-
// collected regardless of PITR settings.
const DefaultGcHorizon = 64 << 20

// DefaultPitrInterval keeps a day of point-in-time recovery history.
const DefaultPitrInterval = 24 * time.Hour

// DefaultTenantConf returns a TenantConf populated with the package
// defaults.
func DefaultTenantConf() TenantConf {
	return TenantConf{
		CheckpointDistance:     DefaultCheckpointDistance,
		CheckpointTimeout:      DefaultCheckpointTimeout,
		CompactionTargetSize:   DefaultCompactionTargetSize,
		CompactionThreshold:    DefaultCompactionThreshold,
		ImageCreationThreshold: DefaultImageCreationThreshold,
		WaitLsnTimeout:         DefaultWaitLsnTimeout,
		GcHorizon:              DefaultGcHorizon,
		PitrInterval:           DefaultPitrInterval,
	}
}

// RepartitionThreshold is the LSN advance required since the last
// repartition before compact recomputes partitions, per spec
// (checkpoint_distance / 10).
func (c TenantConf) RepartitionThreshold() uint64 {
	return c.CheckpointDistance / 10
}
