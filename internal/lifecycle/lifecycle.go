// Package lifecycle exposes the app's foreground/background transitions as
// a process-wide observable. The platform layer feeds it; the change watch
// and the connection-pool reset policy consume it.
package lifecycle

import "sync"

type State int

const (
	StateForeground State = iota
	StateBackground
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateForeground:
		return "foreground"
	case StateBackground:
		return "background"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Signal is a last-known-state observable. Until the platform reports a
// transition, the state is treated as foreground.
type Signal struct {
	mu     sync.Mutex
	state  State
	known  bool
	subs   map[int]func(State)
	nextID int
}

func NewSignal() *Signal {
	return &Signal{subs: make(map[int]func(State))}
}

// Current returns the last known state, defaulting to foreground.
func (s *Signal) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known {
		return StateForeground
	}
	return s.state
}

// Set records a transition and notifies subscribers. Callbacks run outside
// the lock; invocation order is not guaranteed.
func (s *Signal) Set(state State) {
	s.mu.Lock()
	s.state = state
	s.known = true
	callbacks := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(state)
	}
}

// Subscribe registers a transition callback and returns its unsubscribe
// function, which is idempotent.
func (s *Signal) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

var (
	defaultMu     sync.Mutex
	defaultSignal *Signal
)

// Init installs the process-wide signal. Called once at startup.
func Init() *Signal {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSignal == nil {
		defaultSignal = NewSignal()
	}
	return defaultSignal
}

// Default returns the process-wide signal, initializing it on first use so
// dependents never observe a nil signal.
func Default() *Signal {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSignal == nil {
		defaultSignal = NewSignal()
	}
	return defaultSignal
}

// Shutdown drops the process-wide signal. Subscribers keep their
// unsubscribe functions; calling them after shutdown is a no-op.
func Shutdown() {
	defaultMu.Lock()
	defaultSignal = nil
	defaultMu.Unlock()
}
