// ABOUTME: Transaction support for atomic multi-entry writes to a layer file
// ABOUTME: Implements Begin/Set/Commit with copy-on-write atomicity

package pagestore

// KVTX batches the many Sets that build one layer file into a single
// atomic commit. A deltaLayerWriter/imageLayerWriter opens one KVTX,
// calls Set for every (key, lsn)/(key) entry in ascending order, and
// commits once at the end; nothing in this repo reads mid-build or rolls
// a build back, so the transaction surface is exactly Begin/Set/Commit.
type KVTX struct {
	db   *KV
	meta []byte // saved meta, restored by updateOrRevert if the commit fails
}

// Begin starts a new transaction.
func (db *KV) Begin() *KVTX {
	return &KVTX{db: db, meta: db.saveMeta()}
}

// Commit commits the transaction atomically.
func (tx *KVTX) Commit() error {
	return tx.db.updateOrRevert(tx.meta)
}

// Set inserts or updates a key-value pair within the transaction.
func (tx *KVTX) Set(key []byte, val []byte) {
	tx.db.tree.Insert(key, val)
}
