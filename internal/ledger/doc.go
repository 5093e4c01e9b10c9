// Package ledger implements the append-only segment store for one topic.
//
// # Overview
//
// Entries are grouped into segments ("ledgers"): a topic has exactly one
// writable segment; all earlier segments are sealed (immutable) or
// unavailable (a durability failure was observed; closed forever, still
// readable). Everything persists in Pebble under a per-topic keyspace:
//
//   - t/{topic}/m                      topic meta (current segment, last position)
//   - t/{topic}/s/{seg_be8}            segment meta
//   - t/{topic}/e/{seg_be8}{off_be8}   entries in position order
//
// # Durability and failure
//
// Append commits the entry, the segment and topic meta, and any
// caller-staged BatchMutation in a single Pebble batch. The batch is the
// durable unit the dedup invariant rests on: an entry is never visible
// without its producer cursor advance, and vice versa. When the medium
// rejects the commit, the writable segment becomes Unavailable and appends
// fail with ErrUnavailable until OpenNewWritable succeeds; the store never
// retries a failed write itself.
//
// # API surface (internal)
//
//	s, _ := ledger.Open(db, "orders", ledger.Options{})
//	pos, err := s.Append(ctx, ledger.Record{Producer: "p1", Sequence: 0, Payload: b})
//	e, _ := s.Read(pos)
//	entries, _ := s.ReadFrom(ledger.Position{}, 128)
//	last, ok := s.LastStored()
//	woke := s.WaitForAppend(50 * time.Millisecond)
package ledger
