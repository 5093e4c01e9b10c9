package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	cfgpkg "github.com/quillmq/quill/internal/config"
	"github.com/quillmq/quill/internal/ledger"
	"github.com/quillmq/quill/internal/metrics"
	pebblestore "github.com/quillmq/quill/internal/storage/pebble"
	"github.com/quillmq/quill/internal/topic"
	logpkg "github.com/quillmq/quill/pkg/log"
)

// ErrShutdown reports an operation against a closed runtime.
var ErrShutdown = errors.New("runtime: shut down")

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        logpkg.Logger
	// Registry receives runtime and storage metrics when set.
	Registry prometheus.Registerer
}

// Runtime wires storage, config, topics and the recovery supervisor for a
// single-node instance.
type Runtime struct {
	id      string
	db      *pebblestore.DB
	config  cfgpkg.Config
	logger  logpkg.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[string]*topicSlot
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	var m *metrics.Metrics
	dbOpts := pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval}
	if opts.Registry != nil {
		m = metrics.New(opts.Registry)
		dbOpts.Metrics = metrics.NewStorageMetrics(opts.Registry)
	}
	db, err := pebblestore.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		id:      uuid.NewString(),
		db:      db,
		config:  opts.Config,
		logger:  logger.With(logpkg.Component("runtime")),
		metrics: m,
		topics:  make(map[string]*topicSlot),
		ctx:     ctx,
		cancel:  cancel,
	}
	rt.logger.Info("runtime open", logpkg.Str("instance", rt.id), logpkg.Str("data_dir", opts.DataDir))
	return rt, nil
}

// ID returns the per-process instance id.
func (r *Runtime) ID() string { return r.id }

// Close stops recovery supervisors, closes every topic, then the store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	topics := r.topics
	r.topics = make(map[string]*topicSlot)
	r.mu.Unlock()

	r.cancel()
	for _, slot := range topics {
		<-slot.ready
		if slot.tp != nil {
			slot.tp.Close()
		}
	}
	r.wg.Wait()
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// topicSlot is the registry cell for one topic. It is inserted before the
// topic is loaded so that the registry lock never covers storage reads:
// concurrent opens of unrelated topics proceed independently, while a second
// open of the same name waits on ready.
type topicSlot struct {
	ready chan struct{}
	tp    *topic.Topic
	err   error
}

// OpenTopic returns the topic, loading or creating it on first use. Topics
// that enter their failing state are handed to the recovery supervisor.
func (r *Runtime) OpenTopic(name string) (*topic.Topic, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	if slot, ok := r.topics[name]; ok {
		r.mu.Unlock()
		<-slot.ready
		return slot.tp, slot.err
	}
	slot := &topicSlot{ready: make(chan struct{})}
	r.topics[name] = slot
	r.mu.Unlock()

	tp, err := topic.Open(r.db, name, topic.Options{
		Ledger: ledger.Options{
			MaxSegmentEntries: r.config.Topics.MaxSegmentEntries,
			MaxSegmentBytes:   r.config.Topics.MaxSegmentBytes,
		},
		Logger:    r.logger,
		Metrics:   r.metrics,
		OnFailure: r.superviseRecovery,
	})
	if err != nil {
		r.mu.Lock()
		if r.topics[name] == slot {
			delete(r.topics, name) // let a later open retry
		}
		r.mu.Unlock()
		slot.err = err
		close(slot.ready)
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		tp.Close()
		slot.err = ErrShutdown
		close(slot.ready)
		return nil, ErrShutdown
	}
	r.mu.Unlock()
	slot.tp = tp
	close(slot.ready)

	// A topic that went down with the last process resumes recovery here.
	if tp.State() == topic.StateFailing {
		r.superviseRecovery(name, errors.New("no writable segment after restart"))
	}
	return tp, nil
}

// GetTopic returns an already-open topic, or false. A topic still loading in
// a concurrent OpenTopic does not count as open yet.
func (r *Runtime) GetTopic(name string) (*topic.Topic, bool) {
	r.mu.Lock()
	slot, ok := r.topics[name]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-slot.ready:
		return slot.tp, slot.err == nil
	default:
		return nil, false
	}
}

// Topics lists open topic names.
func (r *Runtime) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for name := range r.topics {
		out = append(out, name)
	}
	return out
}

// DeleteTopic closes the topic and purges its keyspace: entries, segment
// meta, dedup cursors and subscription cursors.
func (r *Runtime) DeleteTopic(name string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	slot := r.topics[name]
	delete(r.topics, name)
	r.mu.Unlock()

	if slot != nil {
		<-slot.ready
		if slot.tp != nil {
			slot.tp.Close()
		}
	}
	prefix := ledger.TopicPrefix(name)
	if err := r.db.DeleteRange(prefix, ledger.PrefixUpperBound(prefix)); err != nil {
		return fmt.Errorf("runtime: purge topic %s: %w", name, err)
	}
	r.logger.Info("topic deleted", logpkg.Str("topic", name))
	return nil
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
