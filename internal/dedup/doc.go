// Package dedup tracks, per topic, the highest sequence id each producer has
// durably persisted, and decides whether an incoming append is new or a
// retry of something already stored.
//
// The tracker never writes its durable cursor on its own: it stages the
// advance into the append's Pebble batch (StageCommit) so that no reader can
// observe a stored entry without the advanced cursor, and no failure can
// advance the cursor without the entry being durable.
package dedup
