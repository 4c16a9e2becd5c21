package timeline

import "os"

// removeLayerFile deletes a layer file and its tombstone sidecar, if any.
// Missing files are not an error: compaction and GC may race with a crash
// that already removed them on a previous, interrupted pass.
func removeLayerFile(path string) {
	_ = os.Remove(path)
	_ = os.Remove(path + tombstoneSidecarSuffix)
}
