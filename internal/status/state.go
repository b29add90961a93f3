package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a message list lifecycle state.
type State string

const (
	Idle           State = "IDLE"
	LoadingInitial State = "LOADING_INITIAL"
	Ready          State = "READY"
	Error          State = "ERROR"
	Closed         State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal.
var validTransitions = map[State][]State{
	Idle:           {LoadingInitial, Closed},
	LoadingInitial: {Ready, Error, Closed},
	Ready:          {LoadingInitial, Error, Closed},
	Error:          {LoadingInitial, Closed},
}

// Machine tracks and enforces the lifecycle of one contact's message list.
type Machine struct {
	mu        sync.RWMutex
	current   State
	contactID int64
	bus       *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(contactID int64, b *bus.Bus) *Machine {
	return &Machine{
		current:   Idle,
		contactID: contactID,
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindListStatusChanged, StatusChange{
		ContactID: m.contactID,
		From:      from,
		To:        to,
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	ContactID int64
	From      State
	To        State
}
