// Package gpio abstracts the station's GPIO lines. Control lines that can
// only be driven through a duty-cycle setter are opened as PWMLine; plain
// binary outputs are opened as OutputLine. A pin is claimed in exactly one
// role until it is released or the backend is reset.
package gpio

// Role is the mode a pin is claimed in.
type Role string

const (
	RoleOutput Role = "output"
	RolePWM    Role = "pwm"
)

// DefaultPWMFrequencyHz is the carrier frequency for control lines.
const DefaultPWMFrequencyHz = 1000

// Duty cycle levels in percent. Control lines only ever use these two values.
const (
	DutyLow  = 0.0
	DutyHigh = 100.0
)

// Backend opens and resets GPIO lines.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// OpenOutput claims pin as a digital output driven low.
	OpenOutput(pin int) (OutputLine, error)
	// OpenPWM claims pin as a PWM line at freqHz. The line is idle until Start.
	OpenPWM(pin int, freqHz int) (PWMLine, error)
	// Reset returns the given pins to input and drops any claims on them,
	// including claims held by abandoned handles.
	Reset(pins []int) error
}

// OutputLine is a claimed digital output.
type OutputLine interface {
	Pin() int
	Set(high bool) error
	Release() error
}

// PWMLine is a claimed duty-cycle line. Duty values are percentages in [0,100].
type PWMLine interface {
	Pin() int
	Start(duty float64) error
	ChangeDutyCycle(duty float64) error
	Stop() error
}
