package core

import (
	"fmt"
	"sort"
	"sync"

	"afm/protocol"
)

// CommandHandler executes one decoded request. A nil response means the
// command answers with a status byte only.
type CommandHandler func(req protocol.Request) (protocol.Response, error)

// Command is one registered control command
type Command struct {
	Code    protocol.Code
	Name    string
	Handler CommandHandler
}

// CommandRegistry maps command codes to handlers
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[protocol.Code]*Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[protocol.Code]*Command),
	}
}

// Register adds a handler for code. The first registration for a code wins;
// Register reports whether this one was stored.
func (r *CommandRegistry) Register(code protocol.Code, handler CommandHandler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[code]; exists {
		return false
	}
	r.commands[code] = &Command{
		Code:    code,
		Name:    code.String(),
		Handler: handler,
	}
	return true
}

// GetCommand retrieves a command by code
func (r *CommandRegistry) GetCommand(code protocol.Code) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[code]
	return cmd, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Codes returns the registered codes in ascending order
func (r *CommandRegistry) Codes() []protocol.Code {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]protocol.Code, 0, len(r.commands))
	for code := range r.commands {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Dispatch calls the handler registered for the request's code
func (r *CommandRegistry) Dispatch(req protocol.Request) (protocol.Response, error) {
	cmd, ok := r.GetCommand(req.Code())
	if !ok || cmd.Handler == nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, req.Code())
	}
	return cmd.Handler(req)
}
