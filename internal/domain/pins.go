package domain

import "fmt"

// PinAssignment maps the six HD44780 roles to BCM GPIO numbers.
// RS and E are driven through PWM duty cycle; D4..D7 are plain outputs.
type PinAssignment struct {
	RS   int    `yaml:"rs"`
	E    int    `yaml:"e"`
	Data [4]int `yaml:"data"` // D4, D5, D6, D7
}

// DefaultPinAssignment returns the wiring used by the station board.
func DefaultPinAssignment() PinAssignment {
	return PinAssignment{
		RS:   25,
		E:    24,
		Data: [4]int{23, 17, 18, 22},
	}
}

// All returns every pin in the order RS, E, D4, D5, D6, D7.
func (p PinAssignment) All() []int {
	return []int{p.RS, p.E, p.Data[0], p.Data[1], p.Data[2], p.Data[3]}
}

// Validate rejects negative or duplicated pin numbers.
func (p PinAssignment) Validate() error {
	seen := make(map[int]bool, 6)
	for _, pin := range p.All() {
		if pin < 0 {
			return fmt.Errorf("%w: negative pin %d", ErrInvalidInput, pin)
		}
		if seen[pin] {
			return fmt.Errorf("%w: pin %d assigned twice", ErrInvalidInput, pin)
		}
		seen[pin] = true
	}
	return nil
}
