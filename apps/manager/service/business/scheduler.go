package business

import (
	"strings"
	"sync"
	"time"
)

// Timer kinds scheduled against an instance.
const (
	timerKindDebounce = "debounce"
	timerKindEviction = "eviction"
	timerKindVerify   = "verify"
)

// taskScheduler owns every deferred task in the subsystem, keyed by
// instance name and kind. Scheduling a key that is already armed replaces
// the pending task, and removing an instance cancels all of its timers,
// so nothing ever fires against a stale closure.
type taskScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTaskScheduler() *taskScheduler {
	return &taskScheduler{timers: make(map[string]*time.Timer)}
}

func taskKey(instanceName, kind string) string {
	return instanceName + "/" + kind
}

// Schedule arms fn to run after d, replacing any pending task on the same
// instance and kind.
func (s *taskScheduler) Schedule(instanceName, kind string, d time.Duration, fn func()) {
	key := taskKey(instanceName, kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Armed reports whether a task is pending for the instance and kind.
func (s *taskScheduler) Armed(instanceName, kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[taskKey(instanceName, kind)]
	return ok
}

// Cancel stops the pending task for the instance and kind, reporting
// whether one was armed.
func (s *taskScheduler) Cancel(instanceName, kind string) bool {
	key := taskKey(instanceName, kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}

// CancelInstance stops every pending task for one instance, returning the
// number cancelled.
func (s *taskScheduler) CancelInstance(instanceName string) int {
	prefix := instanceName + "/"

	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for key, t := range s.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(s.timers, key)
			cancelled++
		}
	}
	return cancelled
}

// CancelAll stops every pending task. Used by the shutdown drain.
func (s *taskScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
