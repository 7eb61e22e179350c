// Package lcd drives an HD44780 character display in 4-bit mode. The
// register-select and enable lines are reachable only through a PWM duty
// cycle setter, so logic low is 0% duty and logic high is 100%.
package lcd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"trashtrack-station/internal/adapter/gpio"
	"trashtrack-station/internal/domain"
)

// HD44780 instruction set subset.
const (
	CmdClear       byte = 0x01
	CmdHome        byte = 0x02
	CmdEntryMode   byte = 0x06 // increment, no shift
	CmdDisplayOn   byte = 0x0C // display on, cursor off, blink off
	CmdFunctionSet byte = 0x28 // 4-bit bus, 2 lines, 5x8 font
	CmdSetDDRAM    byte = 0x80

	// GlyphBlock is the solid 5x8 block in the A00 character ROM.
	GlyphBlock byte = 0xFF
)

// Default geometry.
const (
	DefaultColumns = 16
	DefaultRows    = 2
)

var rowOffsets = [4]byte{0x00, 0x40, 0x14, 0x54}

// Timing holds every delay the driver inserts. Zero fields are replaced by
// the defaults in DefaultTiming.
type Timing struct {
	PowerOn    time.Duration // before the reset sequence, at least 40ms
	ResetFirst time.Duration // after the first 0x03 nibble, at least 4.1ms
	ResetNext  time.Duration // after the remaining reset nibbles, at least 100µs
	Settle     time.Duration // after every control line transition
	Command    time.Duration // after every instruction
	ClearExtra time.Duration // added after clear and home
	PostInit   time.Duration // after the init sequence completes
}

// DefaultTiming returns conservative datasheet timings for the
// duty-cycle-driven control lines.
func DefaultTiming() Timing {
	return Timing{
		PowerOn:    50 * time.Millisecond,
		ResetFirst: 5 * time.Millisecond,
		ResetNext:  200 * time.Microsecond,
		Settle:     500 * time.Microsecond,
		Command:    2 * time.Millisecond,
		ClearExtra: 3 * time.Millisecond,
		PostInit:   50 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.PowerOn <= 0 {
		t.PowerOn = d.PowerOn
	}
	if t.ResetFirst <= 0 {
		t.ResetFirst = d.ResetFirst
	}
	if t.ResetNext <= 0 {
		t.ResetNext = d.ResetNext
	}
	if t.Settle <= 0 {
		t.Settle = d.Settle
	}
	if t.Command <= 0 {
		t.Command = d.Command
	}
	if t.ClearExtra <= 0 {
		t.ClearExtra = d.ClearExtra
	}
	if t.PostInit <= 0 {
		t.PostInit = d.PostInit
	}
	return t
}

// Option configures a Display.
type Option func(*Display)

// WithTiming overrides the driver delays.
func WithTiming(t Timing) Option {
	return func(d *Display) { d.timing = t.withDefaults() }
}

// WithSleep replaces time.Sleep, for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(d *Display) { d.sleep = fn }
}

// WithPWMFrequency sets the carrier frequency of the control lines.
func WithPWMFrequency(hz int) Option {
	return func(d *Display) { d.pwmHz = hz }
}

// Display is an initialized HD44780. All methods are serialized; the
// display must be released exactly once via Release.
type Display struct {
	mu     sync.Mutex
	rs     gpio.PWMLine
	e      gpio.PWMLine
	data   [4]gpio.OutputLine
	cols   int
	rows   int
	timing Timing
	sleep  func(time.Duration)
	pwmHz  int
	closed bool
}

// Open claims the pins on backend and runs the power-on initialization.
// Any failure releases what was claimed and returns ErrHardwareInit.
func Open(backend gpio.Backend, pins domain.PinAssignment, columns, rows int, opts ...Option) (*Display, error) {
	if columns <= 0 {
		columns = DefaultColumns
	}
	if rows <= 0 || rows > len(rowOffsets) {
		rows = DefaultRows
	}
	d := &Display{
		cols:   columns,
		rows:   rows,
		timing: DefaultTiming(),
		sleep:  time.Sleep,
		pwmHz:  gpio.DefaultPWMFrequencyHz,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := pins.Validate(); err != nil {
		return nil, domain.NewSubSystemError(domain.SubSystemDisplay, "Display.Open", domain.ErrHardwareInit, err.Error())
	}
	if err := d.claim(backend, pins); err != nil {
		d.releaseLines()
		return nil, domain.NewSubSystemError(domain.SubSystemDisplay, "Display.Open", domain.ErrHardwareInit, err.Error())
	}
	if err := d.initialize(); err != nil {
		d.releaseLines()
		return nil, domain.NewSubSystemError(domain.SubSystemDisplay, "Display.Open", domain.ErrHardwareInit, err.Error())
	}
	return d, nil
}

func (d *Display) claim(backend gpio.Backend, pins domain.PinAssignment) error {
	for i, pin := range pins.Data {
		line, err := backend.OpenOutput(pin)
		if err != nil {
			return fmt.Errorf("data line D%d: %w", i+4, err)
		}
		d.data[i] = line
	}
	rs, err := backend.OpenPWM(pins.RS, d.pwmHz)
	if err != nil {
		return fmt.Errorf("rs line: %w", err)
	}
	d.rs = rs
	if err := rs.Start(gpio.DutyLow); err != nil {
		return fmt.Errorf("rs line: %w", err)
	}
	e, err := backend.OpenPWM(pins.E, d.pwmHz)
	if err != nil {
		return fmt.Errorf("enable line: %w", err)
	}
	d.e = e
	if err := e.Start(gpio.DutyLow); err != nil {
		return fmt.Errorf("enable line: %w", err)
	}
	return nil
}

func (d *Display) initialize() error {
	d.sleep(d.timing.PowerOn)

	if err := d.setRS(false); err != nil {
		return err
	}
	resetWaits := []time.Duration{d.timing.ResetFirst, d.timing.ResetNext, d.timing.ResetNext}
	for _, wait := range resetWaits {
		if err := d.writeNibble(0x03); err != nil {
			return fmt.Errorf("reset sequence: %w", err)
		}
		d.sleep(wait)
	}
	if err := d.writeNibble(0x02); err != nil {
		return fmt.Errorf("reset sequence: %w", err)
	}
	d.sleep(d.timing.ResetNext)

	for _, cmd := range []byte{CmdFunctionSet, CmdDisplayOn, CmdEntryMode} {
		if err := d.command(cmd); err != nil {
			return err
		}
	}
	if err := d.command(CmdClear); err != nil {
		return err
	}
	d.sleep(d.timing.ClearExtra)
	d.sleep(d.timing.PostInit)
	return nil
}

// Columns returns the display width in characters.
func (d *Display) Columns() int { return d.cols }

// Rows returns the number of display lines.
func (d *Display) Rows() int { return d.rows }

// WriteCommand sends an instruction byte with RS low.
func (d *Display) WriteCommand(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDisplayClosed
	}
	return d.command(b)
}

// WriteData sends a character byte with RS high.
func (d *Display) WriteData(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDisplayClosed
	}
	return d.data8(b)
}

// Clear blanks the display and homes the cursor.
func (d *Display) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDisplayClosed
	}
	return d.clear()
}

// Home returns the cursor to row 0, column 0.
func (d *Display) Home() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDisplayClosed
	}
	if err := d.command(CmdHome); err != nil {
		return err
	}
	d.sleep(d.timing.ClearExtra)
	return nil
}

// SetCursor moves the cursor. An out-of-range row or column is clamped to 0
// on that axis independently.
func (d *Display) SetCursor(row, col int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDisplayClosed
	}
	return d.command(CmdSetDDRAM | d.address(row, col))
}

func (d *Display) address(row, col int) byte {
	if row < 0 || row >= d.rows {
		row = 0
	}
	if col < 0 || col >= d.cols {
		col = 0
	}
	return rowOffsets[row] + byte(col)
}

// WriteText writes up to Columns characters of s at the cursor. Characters
// outside the 8-bit character ROM are written as '?'.
func (d *Display) WriteText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDisplayClosed
	}
	n := 0
	for _, r := range s {
		if n == d.cols {
			break
		}
		if r > 0xFF {
			r = '?'
		}
		if err := d.data8(byte(r)); err != nil {
			return err
		}
		n++
	}
	return nil
}

// WriteGlyph writes a raw character code at the cursor.
func (d *Display) WriteGlyph(code byte) error {
	return d.WriteData(code)
}

// Release clears the display, stops both control lines and frees the data
// lines. Every step runs even if an earlier one fails; the returned error
// joins all failures. Calling Release again is a no-op.
func (d *Display) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if err := d.clear(); err != nil {
		errs = append(errs, fmt.Errorf("clear: %w", err))
	}
	errs = append(errs, d.releaseLines()...)
	return errors.Join(errs...)
}

// releaseLines frees every claimed line, collecting failures.
func (d *Display) releaseLines() []error {
	var errs []error
	if d.rs != nil {
		if err := d.rs.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop rs: %w", err))
		}
		d.rs = nil
	}
	if d.e != nil {
		if err := d.e.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop enable: %w", err))
		}
		d.e = nil
	}
	for i, line := range d.data {
		if line == nil {
			continue
		}
		if err := line.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release D%d: %w", i+4, err))
		}
		d.data[i] = nil
	}
	return errs
}

func (d *Display) clear() error {
	if err := d.command(CmdClear); err != nil {
		return err
	}
	d.sleep(d.timing.ClearExtra)
	return nil
}

func (d *Display) command(b byte) error {
	if err := d.setRS(false); err != nil {
		return err
	}
	if err := d.write8(b); err != nil {
		return fmt.Errorf("command 0x%02X: %w", b, err)
	}
	d.sleep(d.timing.Command)
	return nil
}

func (d *Display) data8(b byte) error {
	if err := d.setRS(true); err != nil {
		return err
	}
	if err := d.write8(b); err != nil {
		return fmt.Errorf("data 0x%02X: %w", b, err)
	}
	return nil
}

func (d *Display) write8(b byte) error {
	if err := d.writeNibble(b >> 4); err != nil {
		return err
	}
	return d.writeNibble(b & 0x0F)
}

// writeNibble places the low four bits of n on D4..D7 and latches them.
func (d *Display) writeNibble(n byte) error {
	for i, line := range d.data {
		if line == nil {
			return domain.ErrDisplayClosed
		}
		if err := line.Set(n>>i&1 == 1); err != nil {
			return err
		}
	}
	return d.pulseEnable()
}

// pulseEnable latches the data lines on the falling edge of E.
func (d *Display) pulseEnable() error {
	for _, duty := range []float64{gpio.DutyLow, gpio.DutyHigh, gpio.DutyLow} {
		if err := d.e.ChangeDutyCycle(duty); err != nil {
			return fmt.Errorf("enable pulse: %w", err)
		}
		d.sleep(d.timing.Settle)
	}
	return nil
}

func (d *Display) setRS(high bool) error {
	duty := gpio.DutyLow
	if high {
		duty = gpio.DutyHigh
	}
	if err := d.rs.ChangeDutyCycle(duty); err != nil {
		return fmt.Errorf("register select: %w", err)
	}
	d.sleep(d.timing.Settle)
	return nil
}
