package gpio

import (
	"fmt"
	"sync"

	"trashtrack-station/internal/domain"
)

// EventKind names a recorded line operation.
type EventKind string

const (
	EventOpenOutput EventKind = "open-output"
	EventOpenPWM    EventKind = "open-pwm"
	EventSet        EventKind = "set"
	EventDuty       EventKind = "duty"
	EventRelease    EventKind = "release"
	EventStop       EventKind = "stop"
	EventReset      EventKind = "reset"
)

// Event is one recorded operation. Value is 0/1 for EventSet and the duty
// percentage for EventDuty.
type Event struct {
	Kind  EventKind
	Pin   int
	Value float64
}

// MockBackend is an in-memory Backend that records every operation.
// It enforces single ownership per pin like the hardware backend does.
type MockBackend struct {
	mu     sync.Mutex
	claims map[int]*mockClaim
	levels map[int]bool
	duty   map[int]float64
	events []Event

	// OpenErr, when set for a pin, is returned by OpenOutput/OpenPWM.
	OpenErr map[int]error
	// ResetErr is returned by Reset after claims are dropped.
	ResetErr error
}

// mockClaim is compared by identity so that handles abandoned before a
// Reset become inert.
type mockClaim struct {
	role Role
}

// NewMockBackend creates an empty mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		claims:  make(map[int]*mockClaim),
		levels:  make(map[int]bool),
		duty:    make(map[int]float64),
		OpenErr: make(map[int]error),
	}
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) claim(pin int, role Role) (*mockClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.OpenErr[pin]; err != nil {
		return nil, err
	}
	if c, ok := m.claims[pin]; ok {
		if c.role != role {
			return nil, domain.NewSubSystemError(domain.SubSystemPins, "MockBackend.Open", domain.ErrPinRole,
				fmt.Sprintf("GPIO%d held as %s", pin, c.role))
		}
		return nil, domain.NewSubSystemError(domain.SubSystemPins, "MockBackend.Open", domain.ErrBusy,
			fmt.Sprintf("GPIO%d", pin))
	}
	c := &mockClaim{role: role}
	m.claims[pin] = c
	return c, nil
}

func (m *MockBackend) OpenOutput(pin int) (OutputLine, error) {
	c, err := m.claim(pin, RoleOutput)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.levels[pin] = false
	m.events = append(m.events, Event{Kind: EventOpenOutput, Pin: pin})
	m.mu.Unlock()
	return &mockOutput{m: m, pin: pin, claim: c}, nil
}

func (m *MockBackend) OpenPWM(pin int, freqHz int) (PWMLine, error) {
	if freqHz <= 0 {
		return nil, fmt.Errorf("%w: pwm frequency %d", domain.ErrInvalidInput, freqHz)
	}
	c, err := m.claim(pin, RolePWM)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.duty[pin] = 0
	m.events = append(m.events, Event{Kind: EventOpenPWM, Pin: pin, Value: float64(freqHz)})
	m.mu.Unlock()
	return &mockPWM{m: m, pin: pin, claim: c}, nil
}

func (m *MockBackend) Reset(pins []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pin := range pins {
		delete(m.claims, pin)
		m.levels[pin] = false
		m.duty[pin] = 0
		m.events = append(m.events, Event{Kind: EventReset, Pin: pin})
	}
	return m.ResetErr
}

// Events returns a copy of the recorded operations.
func (m *MockBackend) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ClearEvents drops the recorded operations.
func (m *MockBackend) ClearEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Claimed reports the role a pin is currently held in.
func (m *MockBackend) Claimed(pin int) (Role, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[pin]
	if !ok {
		return "", false
	}
	return c.role, true
}

// ClaimCount returns the number of pins currently held.
func (m *MockBackend) ClaimCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

// Duty returns the last duty cycle written to pin.
func (m *MockBackend) Duty(pin int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duty[pin]
}

// Level returns the last level written to pin.
func (m *MockBackend) Level(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin]
}

// live reports whether the handle's claim survived any Reset.
func (m *MockBackend) live(pin int, c *mockClaim) bool {
	cur, ok := m.claims[pin]
	return ok && cur == c
}

type mockOutput struct {
	m     *MockBackend
	pin   int
	claim *mockClaim
}

func (o *mockOutput) Pin() int { return o.pin }

func (o *mockOutput) Set(high bool) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if !o.m.live(o.pin, o.claim) {
		return fmt.Errorf("GPIO%d: %w", o.pin, domain.ErrDisplayClosed)
	}
	o.m.levels[o.pin] = high
	v := 0.0
	if high {
		v = 1
	}
	o.m.events = append(o.m.events, Event{Kind: EventSet, Pin: o.pin, Value: v})
	return nil
}

func (o *mockOutput) Release() error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if !o.m.live(o.pin, o.claim) {
		return nil
	}
	delete(o.m.claims, o.pin)
	o.m.levels[o.pin] = false
	o.m.events = append(o.m.events, Event{Kind: EventRelease, Pin: o.pin})
	return nil
}

type mockPWM struct {
	m     *MockBackend
	pin   int
	claim *mockClaim
}

func (p *mockPWM) Pin() int { return p.pin }

func (p *mockPWM) Start(duty float64) error { return p.ChangeDutyCycle(duty) }

func (p *mockPWM) ChangeDutyCycle(duty float64) error {
	if duty < DutyLow || duty > DutyHigh {
		return fmt.Errorf("%w: duty %v", domain.ErrInvalidInput, duty)
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if !p.m.live(p.pin, p.claim) {
		return fmt.Errorf("GPIO%d: %w", p.pin, domain.ErrDisplayClosed)
	}
	p.m.duty[p.pin] = duty
	p.m.events = append(p.m.events, Event{Kind: EventDuty, Pin: p.pin, Value: duty})
	return nil
}

func (p *mockPWM) Stop() error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if !p.m.live(p.pin, p.claim) {
		return nil
	}
	delete(p.m.claims, p.pin)
	p.m.duty[p.pin] = 0
	p.m.events = append(p.m.events, Event{Kind: EventStop, Pin: p.pin})
	return nil
}
