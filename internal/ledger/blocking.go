package ledger

import (
	"time"
)

// wake releases every goroutine blocked in WaitForAppend. Callers hold s.mu.
func (s *Store) wake() {
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

// WaitForAppend blocks until a new append commits or timeout elapses. It
// returns true if woken by an append, false on timeout. A timeout <= 0
// blocks indefinitely.
func (s *Store) WaitForAppend(timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.notifyCh
	s.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
