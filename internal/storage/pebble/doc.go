// Package pebblestore wraps Pebble with an fsync policy, batch helpers, and
// a minimal metrics hook.
//
// The batch is the durability primitive everything above builds on: callers
// stage entry writes and cursor updates into one batch and commit it with
// CommitBatch, so related mutations become visible together or not at all.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: dir,
//	    Fsync:   pebblestore.FsyncModeAlways,
//	})
//	if err != nil { ... }
//	defer db.Close()
//
//	b := db.NewBatch()
//	defer b.Close()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(ctx, b)
package pebblestore
