package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/reclaimapp/messenger/internal/bus"
)

// State represents the transport session state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. The machine stays in
// CONNECTING/RECONNECTING across individual dial attempts; only a successful
// connect moves it to CONNECTED.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Connecting, Disconnected},
}

// Machine tracks the session state and the connection epoch. The epoch is a
// monotonically increasing counter bumped on every successful (re)connect;
// events and fetch results produced under an older epoch are discarded by the
// reconciliation engine.
type Machine struct {
	mu      sync.RWMutex
	current State
	epoch   uint64
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting disconnected at epoch 0.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Epoch returns the current connection epoch.
func (m *Machine) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// NextEpoch increments and returns the connection epoch. Called by the
// transport session exactly once per successful connect.
func (m *Machine) NextEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	return m.epoch
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		defer m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	epoch := m.epoch
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Epoch:     epoch,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
