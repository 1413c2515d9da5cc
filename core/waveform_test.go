package core

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/stat"

	"afm/protocol"
)

func regulatingConfig() *Configuration {
	s := DefaultSettings()
	s.ZControl = protocol.ZControlRegulateHeight
	return NewConfiguration(s)
}

// drain reads n cycles from the reader and returns the values per channel
func drain(r *BufferReader, cycles int) [NumChannels][]float64 {
	var out [NumChannels][]float64
	for i := 0; i < cycles*r.SamplesPerCycle(); i++ {
		s := r.Next()
		out[s.Channel] = append(out[s.Channel], float64(s.Value))
	}
	return out
}

func TestRefillExactEndpoint(t *testing.T) {
	e := NewEngine(regulatingConfig(), 4)
	e.SetSetpoint(ChannelZ, SetpointCenter+4*0x10000)

	e.Refill(FirstHalf)
	half := e.Buffer().Half(FirstHalf)

	for i := 0; i < 4; i++ {
		z := half[i*NumChannels+int(ChannelZ)]
		if z.Channel != ChannelZ || z.Value != uint16(0x8001+i) {
			t.Errorf("Z sample %d = %+v, want 0x%04X", i, z, 0x8001+i)
		}
		x := half[i*NumChannels+int(ChannelX)]
		if x.Channel != ChannelX || x.Value != 0x8000 {
			t.Errorf("X sample %d = %+v, want center", i, x)
		}
	}
}

func TestWaveformMeanConvergesToSetpoint(t *testing.T) {
	e := NewEngine(regulatingConfig(), 16)
	r := e.NewReader(nil)
	e.Prime()

	rng := rand.New(rand.NewSource(7))
	const measureCycles = 64

	for step := 0; step < 20; step++ {
		var want [NumChannels]uint32
		for ch := Channel(0); ch < NumChannels; ch++ {
			// Stay below the top code so the output never saturates
			want[ch] = rng.Uint32() % 0xFFFF0000
			e.SetSetpoint(ch, want[ch])
		}

		drain(r, 2) // ramp settles within one refill; two cycles flush the buffer
		got := drain(r, measureCycles)

		for ch := Channel(0); ch < NumChannels; ch++ {
			mean := stat.Mean(got[ch], nil)
			ideal := float64(want[ch]) / 65536
			// The carried remainder is below one LSB over the whole window
			if tol := 1.0 / float64(len(got[ch])); math.Abs(mean-ideal) > tol {
				t.Errorf("step %d channel %s: mean %.6f, setpoint %.6f (tol %.6f)", step, ch, mean, ideal, tol)
			}

			// Accumulated error never grows past one LSB
			var acc float64
			for i, v := range got[ch] {
				acc += v - ideal
				if math.Abs(acc) >= 1 {
					t.Fatalf("step %d channel %s: accumulated error %.4f after %d samples", step, ch, acc, i+1)
				}
			}
		}
	}
}

func TestZControlOffForcesCenter(t *testing.T) {
	cfg := regulatingConfig()
	e := NewEngine(cfg, 8)
	r := e.NewReader(nil)
	e.Prime()

	e.SetSetpoint(ChannelX, 0x10000000)
	e.SetSetpoint(ChannelY, 0xF0000000)
	e.SetSetpoint(ChannelZ, 0x20000000)
	drain(r, 3)

	cfg.SetZControl(protocol.ZControlOff)
	drain(r, 1) // both halves refill during this cycle
	got := drain(r, 2)

	for ch := Channel(0); ch < NumChannels; ch++ {
		for i, v := range got[ch] {
			if v != 0x8000 {
				t.Fatalf("channel %s sample %d = 0x%04X after OFF, want center", ch, i, uint16(v))
			}
		}
	}

	if e.Setpoint(ChannelX) != 0x10000000 || e.Setpoint(ChannelZ) != 0x20000000 {
		t.Error("OFF must not rewrite the setpoint cells")
	}
}

func TestBufferReaderRefillEvents(t *testing.T) {
	e := NewEngine(regulatingConfig(), 8)
	cycles := 0
	r := e.NewReader(func() { cycles++ })
	e.Prime()
	primed := e.Refills()

	for i := 0; i < r.SamplesPerCycle()/2; i++ {
		r.Next()
	}
	if e.Refills() != primed+1 {
		t.Errorf("crossing the half boundary should refill once, got %d", e.Refills()-primed)
	}
	if cycles != 0 {
		t.Error("cycle hook ran before the wrap")
	}

	for i := 0; i < r.SamplesPerCycle()/2; i++ {
		r.Next()
	}
	if e.Refills() != primed+2 || cycles != 1 || r.Cycles() != 1 {
		t.Errorf("after one cycle: refills %d, hook %d, cycles %d", e.Refills()-primed, cycles, r.Cycles())
	}
}

func TestQuantizeCarries(t *testing.T) {
	var g generator
	// 0x8000_8000 is half an LSB above 0x8000: outputs must alternate
	got := []uint16{g.quantize(0x80008000), g.quantize(0x80008000), g.quantize(0x80008000), g.quantize(0x80008000)}
	want := []uint16{0x8000, 0x8001, 0x8000, 0x8001}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("quantize sequence %v, want %v", got, want)
		}
	}

	g = generator{}
	if v := g.quantize(0xFFFFFFFF); v != 0xFFFF {
		t.Errorf("top code should saturate at 0xFFFF, got 0x%04X", v)
	}
}
