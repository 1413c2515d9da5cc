package core

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps timers sorted by wake time. The sample clock runs as a
// self-rescheduling timer on it.
type Scheduler struct {
	timers *Timer
}

// timeBefore compares clock values across counter wraparound
func timeBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// Schedule adds a timer
func (s *Scheduler) Schedule(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	s.insert(t)
}

func (s *Scheduler) insert(t *Timer) {
	if s.timers == nil || timeBefore(t.WakeTime, s.timers.WakeTime) {
		t.Next = s.timers
		s.timers = t
		return
	}

	current := s.timers
	for current.Next != nil && !timeBefore(t.WakeTime, current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// Cancel removes a timer if it is scheduled
func (s *Scheduler) Cancel(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for p := &s.timers; *p != nil; p = &(*p).Next {
		if *p == t {
			*p = t.Next
			t.Next = nil
			return
		}
	}
}

// Dispatch runs every timer due at now. Handlers run outside the critical
// section and may reschedule by moving WakeTime and returning SF_RESCHEDULE.
// It returns the number of handlers run.
func (s *Scheduler) Dispatch(now uint32) int {
	ran := 0
	for {
		state := disableInterrupts()
		t := s.timers
		if t == nil || timeBefore(now, t.WakeTime) {
			restoreInterrupts(state)
			return ran
		}
		s.timers = t.Next
		t.Next = nil
		restoreInterrupts(state)

		ran++
		if t.Handler(t) == SF_RESCHEDULE {
			s.Schedule(t)
		}
	}
}

// Pending returns the wake time of the earliest timer
func (s *Scheduler) Pending() (uint32, bool) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if s.timers == nil {
		return 0, false
	}
	return s.timers.WakeTime, true
}
