//go:build !tinygo

package core

import "sync"

// State is the saved interrupt state; unused on regular Go
type State uintptr

// critical stands in for the interrupt mask when goroutines play the part of
// the sample interrupt and the command task
var critical sync.Mutex

func disableInterrupts() State {
	critical.Lock()
	return 0
}

func restoreInterrupts(State) {
	critical.Unlock()
}
