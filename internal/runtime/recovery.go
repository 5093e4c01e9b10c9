package runtime

import (
	"errors"
	"time"

	"github.com/quillmq/quill/internal/topic"
	logpkg "github.com/quillmq/quill/pkg/log"
)

// superviseRecovery runs recovery attempts for a failing topic with capped
// exponential backoff until the topic is open, closed, or the runtime shuts
// down. It is the topic's OnFailure hook; the topic itself never retries.
func (r *Runtime) superviseRecovery(name string, cause error) {
	r.mu.Lock()
	slot := r.topics[name]
	closed := r.closed
	r.mu.Unlock()
	if slot == nil || closed {
		return
	}
	<-slot.ready
	tp := slot.tp
	if tp == nil {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		logger := r.logger.With(logpkg.Str("topic", name))
		logger.Warn("recovery supervisor engaged", logpkg.Err(cause))

		backoff := time.Duration(r.config.Recovery.InitialBackoffMs) * time.Millisecond
		if backoff <= 0 {
			backoff = 100 * time.Millisecond
		}
		maxBackoff := time.Duration(r.config.Recovery.MaxBackoffMs) * time.Millisecond
		if maxBackoff < backoff {
			maxBackoff = backoff
		}
		for attempt := 1; ; attempt++ {
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(backoff):
			}
			err := tp.Recover(r.ctx)
			switch {
			case err == nil:
				logger.Info("recovery succeeded", logpkg.Int("attempts", attempt))
				return
			case errors.Is(err, topic.ErrClosed):
				return
			case errors.Is(err, topic.ErrRecoveryPending):
				// Another path drove recovery; let it finish.
				return
			}
			logger.Warn("recovery attempt failed",
				logpkg.Int("attempt", attempt), logpkg.Dur("backoff", backoff), logpkg.Err(err))
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}
