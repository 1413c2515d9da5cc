package core

import "testing"

func recordTimer(wake uint32, log *[]uint32) *Timer {
	return &Timer{
		WakeTime: wake,
		Handler: func(t *Timer) uint8 {
			*log = append(*log, t.WakeTime)
			return SF_DONE
		},
	}
}

func TestSchedulerOrder(t *testing.T) {
	var s Scheduler
	var log []uint32

	s.Schedule(recordTimer(30, &log))
	s.Schedule(recordTimer(10, &log))
	s.Schedule(recordTimer(20, &log))

	if wake, ok := s.Pending(); !ok || wake != 10 {
		t.Errorf("Pending = %d, %v", wake, ok)
	}
	if n := s.Dispatch(25); n != 2 {
		t.Errorf("Dispatch(25) ran %d timers", n)
	}
	if n := s.Dispatch(100); n != 1 {
		t.Errorf("Dispatch(100) ran %d timers", n)
	}
	if len(log) != 3 || log[0] != 10 || log[1] != 20 || log[2] != 30 {
		t.Errorf("run order %v", log)
	}
	if _, ok := s.Pending(); ok {
		t.Error("timers left after dispatch")
	}
}

func TestSchedulerWraparound(t *testing.T) {
	var s Scheduler
	var log []uint32

	s.Schedule(recordTimer(5, &log))          // after the wrap
	s.Schedule(recordTimer(0xFFFFFFF0, &log)) // before the wrap

	s.Dispatch(0xFFFFFFF8)
	if len(log) != 1 || log[0] != 0xFFFFFFF0 {
		t.Fatalf("before wrap ran %v", log)
	}
	s.Dispatch(8)
	if len(log) != 2 || log[1] != 5 {
		t.Errorf("after wrap ran %v", log)
	}
}

func TestSchedulerCancel(t *testing.T) {
	var s Scheduler
	var log []uint32

	a := recordTimer(10, &log)
	b := recordTimer(20, &log)
	s.Schedule(a)
	s.Schedule(b)
	s.Cancel(a)
	s.Cancel(a) // not scheduled any more

	s.Dispatch(50)
	if len(log) != 1 || log[0] != 20 {
		t.Errorf("ran %v, want only the uncancelled timer", log)
	}
}

func TestSampleClock(t *testing.T) {
	var s Scheduler
	e := NewEngine(NewConfiguration(DefaultSettings()), 4)
	r := e.NewReader(nil)
	e.Prime()

	var got []Sample
	clock := NewSampleClock(r, 10, func(smp Sample) { got = append(got, smp) })
	clock.Start(&s, 0)

	if n := s.Dispatch(25); n != 2 {
		t.Errorf("Dispatch(25) ran %d samples, want 2", n)
	}
	if wake, _ := s.Pending(); wake != 30 {
		t.Errorf("next sample at %d, want 30", wake)
	}
	if len(got) != 2 || got[0].Channel != ChannelX || got[1].Channel != ChannelY {
		t.Errorf("samples %+v", got)
	}

	clock.Stop(&s)
	if n := s.Dispatch(1000); n != 0 {
		t.Errorf("stopped clock ran %d times", n)
	}
}

func TestSamplePeriod(t *testing.T) {
	if p := SamplePeriod(100000); p != 120 {
		t.Errorf("100kHz period = %d ticks", p)
	}
	if p := SamplePeriod(0); p != SamplePeriod(DefaultSampleRate) {
		t.Errorf("zero rate should use the default, got %d", p)
	}
	if us := TimerToUS(TimerFromUS(250)); us != 250 {
		t.Errorf("us round trip = %d", us)
	}
}
