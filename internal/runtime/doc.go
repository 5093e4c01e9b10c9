// Package runtime wires storage, config, topics and the recovery supervisor
// into a single-node Quill instance. It exposes Open/Close, basic health
// checks, and the topic registry used by the servers.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	tp, _ := rt.OpenTopic("orders")
//	sess, _ := tp.Admit("producer-1")
//	_, _ = tp.Publish(context.Background(), sess, 0, []byte("hello"))
//
// A topic that reports a storage failure is retried by the supervisor with
// capped exponential backoff until a fresh writable segment opens.
package runtime
