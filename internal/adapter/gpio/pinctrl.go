package gpio

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"trashtrack-station/internal/adapter/subproc"
)

// DefaultPinctrlTimeout bounds a single pinctrl invocation.
const DefaultPinctrlTimeout = 2 * time.Second

// Pinctrl drives pins through the pinctrl utility, bypassing any handle held
// by this or another process.
type Pinctrl struct {
	Binary string // default "pinctrl"
	Runner subproc.Runner
}

// NewPinctrl returns a Pinctrl that runs the system binary with a timeout.
func NewPinctrl(binary string) *Pinctrl {
	if binary == "" {
		binary = "pinctrl"
	}
	return &Pinctrl{
		Binary: binary,
		Runner: subproc.ExecRunner{Timeout: DefaultPinctrlTimeout},
	}
}

// ForceOutputLow sets pin to output driven low.
func (p *Pinctrl) ForceOutputLow(ctx context.Context, pin int) error {
	return p.set(ctx, pin, "op", "dl")
}

// ForceInput returns pin to input.
func (p *Pinctrl) ForceInput(ctx context.Context, pin int) error {
	return p.set(ctx, pin, "ip")
}

func (p *Pinctrl) set(ctx context.Context, pin int, mode ...string) error {
	args := append([]string{"set", strconv.Itoa(pin)}, mode...)
	if _, err := p.Runner.Run(ctx, p.Binary, args...); err != nil {
		return fmt.Errorf("pinctrl GPIO%d: %w", pin, err)
	}
	return nil
}
