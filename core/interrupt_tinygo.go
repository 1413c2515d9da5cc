//go:build tinygo

package core

import "runtime/interrupt"

// State is the saved interrupt mask
type State = interrupt.State

// disableInterrupts masks interrupts and returns the previous state. Critical
// sections in this package are a few word copies long.
func disableInterrupts() State {
	return interrupt.Disable()
}

func restoreInterrupts(state State) {
	interrupt.Restore(state)
}
