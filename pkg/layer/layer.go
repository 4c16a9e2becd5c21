// Package layer defines the uniform contract every on-disk or in-memory
// layer implements. Layers never consult other layers; cross-layer
// traversal is the reconstruction engine's job (see package timeline).
package layer

import (
	"github.com/nainya/pageserver/pkg/pageval"
)

// Layer is the capability set exposed by InMemoryLayer, DeltaLayer and
// ImageLayer alike.
type Layer interface {
	// KeyRange returns the half-open key range this layer covers. An
	// in-memory layer covers the whole key space (it is not range-bounded).
	KeyRange() pageval.KeyRange

	// LsnRange returns the half-open LSN range this layer covers. An open
	// in-memory layer's End is undefined until frozen.
	LsnRange() pageval.LsnRange

	// IsIncremental reports whether this layer may depend on earlier layers
	// to reconstruct a value (delta layers and in-memory layers do; image
	// layers are self-contained).
	IsIncremental() bool

	// IsInMemory reports whether this layer lives in memory (open or frozen)
	// rather than as an on-disk file.
	IsInMemory() bool

	// Filename returns the on-disk file name this layer would be persisted
	// as, for logging and for the directory-layout scheme in spec §6.
	Filename() string

	// GetValueReconstructData appends records and/or an image to state for
	// the given key, restricted to the half-open lsnRange. It returns
	// Complete once a will-init record or an image has been supplied,
	// Continue when more (older) history is required, and Missing when
	// nothing in this layer's range matches the key at all.
	GetValueReconstructData(key pageval.Key, lsnRange pageval.LsnRange, state *pageval.ReconstructState) (pageval.ReconstructResult, error)
}
