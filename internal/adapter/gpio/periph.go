//go:build edge

package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"trashtrack-station/internal/domain"
)

// PeriphBackend implements Backend using periph.io for real hardware GPIO.
type PeriphBackend struct {
	mu     sync.Mutex
	pins   map[int]gpio.PinIO // cached pin handles
	claims map[int]*periphClaim
}

type periphClaim struct {
	role Role
}

// NewPeriphBackend initializes periph.io and returns a hardware backend.
// Returns an error if periph.io host initialization fails.
func NewPeriphBackend() (*PeriphBackend, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return &PeriphBackend{
		pins:   make(map[int]gpio.PinIO),
		claims: make(map[int]*periphClaim),
	}, nil
}

func (b *PeriphBackend) Name() string { return "periph" }

// resolvePin looks up a GPIO pin by number, caching the result.
func (b *PeriphBackend) resolvePin(pin int) (gpio.PinIO, error) {
	if p, ok := b.pins[pin]; ok {
		return p, nil
	}
	name := fmt.Sprintf("GPIO%d", pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("pin %d (%s) not found in hardware", pin, name)
	}
	b.pins[pin] = p
	return p, nil
}

func (b *PeriphBackend) claim(pin int, role Role) (gpio.PinIO, *periphClaim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.claims[pin]; ok {
		if c.role != role {
			return nil, nil, domain.NewSubSystemError(domain.SubSystemPins, "PeriphBackend.Open", domain.ErrPinRole,
				fmt.Sprintf("GPIO%d held as %s", pin, c.role))
		}
		return nil, nil, domain.NewSubSystemError(domain.SubSystemPins, "PeriphBackend.Open", domain.ErrBusy,
			fmt.Sprintf("GPIO%d", pin))
	}
	p, err := b.resolvePin(pin)
	if err != nil {
		return nil, nil, err
	}
	c := &periphClaim{role: role}
	b.claims[pin] = c
	return p, c, nil
}

func (b *PeriphBackend) unclaim(pin int, c *periphClaim) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claims[pin] != c {
		return false
	}
	delete(b.claims, pin)
	return true
}

func (b *PeriphBackend) live(pin int, c *periphClaim) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claims[pin] == c
}

func (b *PeriphBackend) OpenOutput(pin int) (OutputLine, error) {
	p, c, err := b.claim(pin, RoleOutput)
	if err != nil {
		return nil, err
	}
	if err := p.Out(gpio.Low); err != nil {
		b.unclaim(pin, c)
		return nil, fmt.Errorf("set pin %d to output: %w", pin, err)
	}
	return &periphOutput{b: b, p: p, pin: pin, claim: c}, nil
}

func (b *PeriphBackend) OpenPWM(pin int, freqHz int) (PWMLine, error) {
	if freqHz <= 0 {
		return nil, fmt.Errorf("%w: pwm frequency %d", domain.ErrInvalidInput, freqHz)
	}
	p, c, err := b.claim(pin, RolePWM)
	if err != nil {
		return nil, err
	}
	return &periphPWM{b: b, p: p, pin: pin, claim: c, freq: physic.Frequency(freqHz) * physic.Hertz}, nil
}

// Reset halts and floats every listed pin, dropping claims held by any
// handle, including ones abandoned by an earlier owner in this process.
func (b *PeriphBackend) Reset(pins []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, pin := range pins {
		delete(b.claims, pin)
		p, err := b.resolvePin(pin)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := p.Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("halt pin %d: %w", pin, err)
		}
		if err := p.In(gpio.PullNoChange, gpio.NoEdge); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("set pin %d to input: %w", pin, err)
		}
	}
	return firstErr
}

type periphOutput struct {
	b     *PeriphBackend
	p     gpio.PinIO
	pin   int
	claim *periphClaim
}

func (o *periphOutput) Pin() int { return o.pin }

func (o *periphOutput) Set(high bool) error {
	if !o.b.live(o.pin, o.claim) {
		return fmt.Errorf("GPIO%d: %w", o.pin, domain.ErrDisplayClosed)
	}
	level := gpio.Low
	if high {
		level = gpio.High
	}
	return o.p.Out(level)
}

func (o *periphOutput) Release() error {
	if !o.b.unclaim(o.pin, o.claim) {
		return nil
	}
	return o.p.In(gpio.PullNoChange, gpio.NoEdge)
}

type periphPWM struct {
	b     *PeriphBackend
	p     gpio.PinIO
	pin   int
	claim *periphClaim
	freq  physic.Frequency

	// static is set once the pin has refused PWM output. From then on the
	// extreme duty values are rendered as steady levels, which is what the
	// display latches anyway.
	static bool
}

func (l *periphPWM) Pin() int { return l.pin }

func (l *periphPWM) Start(duty float64) error { return l.ChangeDutyCycle(duty) }

func (l *periphPWM) ChangeDutyCycle(duty float64) error {
	if duty < DutyLow || duty > DutyHigh {
		return fmt.Errorf("%w: duty %v", domain.ErrInvalidInput, duty)
	}
	if !l.b.live(l.pin, l.claim) {
		return fmt.Errorf("GPIO%d: %w", l.pin, domain.ErrDisplayClosed)
	}
	if !l.static {
		err := l.p.PWM(gpio.Duty(duty/DutyHigh*float64(gpio.DutyMax)), l.freq)
		if err == nil {
			return nil
		}
		if duty != DutyLow && duty != DutyHigh {
			return fmt.Errorf("pwm pin %d: %w", l.pin, err)
		}
		l.static = true
	}
	switch duty {
	case DutyLow:
		return l.p.Out(gpio.Low)
	case DutyHigh:
		return l.p.Out(gpio.High)
	default:
		return fmt.Errorf("pwm pin %d: duty %v unsupported without hardware pwm", l.pin, duty)
	}
}

func (l *periphPWM) Stop() error {
	if !l.b.unclaim(l.pin, l.claim) {
		return nil
	}
	haltErr := l.p.Halt()
	// Held low, not floated, until the data lines are released.
	outErr := l.p.Out(gpio.Low)
	if haltErr != nil {
		return fmt.Errorf("halt pin %d: %w", l.pin, haltErr)
	}
	return outErr
}
