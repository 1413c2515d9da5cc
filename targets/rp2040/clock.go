//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"
)

// RP2040 timer peripheral: a free running 64-bit microsecond counter
const (
	timerBase     = 0x40054000
	timerTIMERAWL = timerBase + 0x0C // raw timer low word
)

var timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))

// GetHardwareTime returns the low 32 bits of the microsecond counter
func GetHardwareTime() uint32 {
	return timerRAWL.Get()
}

// sampleClock paces Firmware.Tick against the hardware counter
type sampleClock struct {
	periodUS uint32
	next     uint32
}

// maxCatchUp bounds the ticks run in one pass so a long link stall cannot
// starve the USB poll
const maxCatchUp = 32

func newSampleClock(periodUS uint32) *sampleClock {
	if periodUS == 0 {
		periodUS = 1
	}
	return &sampleClock{periodUS: periodUS, next: GetHardwareTime() + periodUS}
}

// due returns how many sample periods have elapsed since the last call
func (c *sampleClock) due() int {
	now := GetHardwareTime()
	n := 0
	for int32(now-c.next) >= 0 {
		c.next += c.periodUS
		n++
		if n == maxCatchUp {
			// Drop the backlog rather than replay it
			c.next = now + c.periodUS
			break
		}
	}
	return n
}
