package reconciler

import (
	"sync/atomic"
	"time"
)

// Status is the process-wide view of the reconciler: whether a run is in
// progress and when the last fully successful run finished.
type Status struct {
	running    atomic.Bool
	lastUpdate atomic.Int64
}

// Running reports whether a run is in progress.
func (s *Status) Running() bool {
	return s.running.Load()
}

// LastUpdate returns the end of the last successful run. ok is false if
// no run succeeded yet.
func (s *Status) LastUpdate() (t time.Time, ok bool) {
	ns := s.lastUpdate.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

func (s *Status) begin() bool {
	return s.running.CompareAndSwap(false, true)
}

func (s *Status) end() {
	s.running.Store(false)
}

func (s *Status) succeeded(t time.Time) {
	s.lastUpdate.Store(t.UnixNano())
}
