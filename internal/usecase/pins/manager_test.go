package pins

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trashtrack-station/internal/adapter/gpio"
	"trashtrack-station/internal/adapter/lcd"
	"trashtrack-station/internal/adapter/osproc"
	"trashtrack-station/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProc struct {
	cmdline    string
	alive      bool
	ignoreTerm bool
	signals    []syscall.Signal
}

type fakeTable struct {
	procs   map[int]*fakeProc
	findErr error
}

func (f *fakeTable) FindByName(pattern string) ([]osproc.Process, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []osproc.Process
	for pid, p := range f.procs {
		if p.alive && p.cmdline == pattern {
			out = append(out, osproc.Process{PID: pid, Cmdline: p.cmdline})
		}
	}
	return out, nil
}

func (f *fakeTable) Signal(pid int, sig syscall.Signal) error {
	p, ok := f.procs[pid]
	if !ok || !p.alive {
		return syscall.ESRCH
	}
	p.signals = append(p.signals, sig)
	if sig == syscall.SIGKILL || !p.ignoreTerm {
		p.alive = false
	}
	return nil
}

func (f *fakeTable) Alive(pid int) bool {
	p, ok := f.procs[pid]
	return ok && p.alive
}

type fakeForcer struct {
	low   []int
	input []int
	err   error
}

func (f *fakeForcer) ForceOutputLow(_ context.Context, pin int) error {
	f.low = append(f.low, pin)
	return f.err
}

func (f *fakeForcer) ForceInput(_ context.Context, pin int) error {
	f.input = append(f.input, pin)
	return f.err
}

func newTestManager(backend gpio.Backend, procs ProcessTable, forcer Forcer) *Manager {
	m := NewManager(Config{
		Columns:     16,
		Rows:        2,
		ProcessName: "trashtrack-station",
		EvictGrace:  200 * time.Millisecond,
		LCDOptions:  []lcd.Option{lcd.WithSleep(func(time.Duration) {})},
	}, backend, procs, forcer, newTestLogger())
	m.sleep = func(time.Duration) {}
	return m
}

func TestAcquire_FullSequence(t *testing.T) {
	backend := gpio.NewMockBackend()
	forcer := &fakeForcer{}
	m := newTestManager(backend, &fakeTable{procs: map[int]*fakeProc{}}, forcer)

	d, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)

	pins := domain.DefaultPinAssignment()
	assert.Equal(t, pins.All(), forcer.low)
	assert.Equal(t, 6, backend.ClaimCount())

	events := backend.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, gpio.EventReset, events[0].Kind, "reset precedes open")
}

func TestAcquire_EvictsStaleDaemon(t *testing.T) {
	table := &fakeTable{procs: map[int]*fakeProc{
		41: {cmdline: "trashtrack-station", alive: true},
		42: {cmdline: "trashtrack-station", alive: true, ignoreTerm: true},
		43: {cmdline: "sshd", alive: true},
	}}
	m := newTestManager(gpio.NewMockBackend(), table, &fakeForcer{})

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, table.procs[41].signals)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, table.procs[42].signals)
	assert.Empty(t, table.procs[43].signals)
	assert.True(t, table.procs[43].alive)
}

func TestAcquire_PreparationFailuresAreNonFatal(t *testing.T) {
	backend := gpio.NewMockBackend()
	backend.ResetErr = errors.New("reset failed")
	m := newTestManager(backend,
		&fakeTable{findErr: errors.New("no /proc")},
		&fakeForcer{err: errors.New("pinctrl missing")})

	d, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestAcquire_OpenFailureIsHardwareInit(t *testing.T) {
	backend := gpio.NewMockBackend()
	backend.OpenErr[23] = errors.New("no such pin")
	m := newTestManager(backend, nil, nil)

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHardwareInit)
	assert.Equal(t, domain.CodeHardwareInit, domain.ErrorCodeOf(err))
}

func TestAcquire_AfterAbandonedHandle(t *testing.T) {
	// Simulates a crash: the first owner never releases.
	backend := gpio.NewMockBackend()
	first := newTestManager(backend, nil, nil)
	d1, err := first.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d1)

	second := newTestManager(backend, nil, nil)
	d2, err := second.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, d2.SetCursor(0, 0))
	require.NoError(t, d2.WriteText("ok"))
	assert.ErrorIs(t, d1.WriteText("stale"), domain.ErrDisplayClosed)
}

func TestRelease_RevertsPins(t *testing.T) {
	backend := gpio.NewMockBackend()
	forcer := &fakeForcer{}
	m := newTestManager(backend, nil, forcer)

	d, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Release(context.Background(), d))

	pins := domain.DefaultPinAssignment()
	assert.Zero(t, backend.ClaimCount())
	assert.Equal(t, gpio.DutyLow, backend.Duty(pins.RS))
	assert.Equal(t, gpio.DutyLow, backend.Duty(pins.E))
	assert.Equal(t, pins.All(), forcer.input)
}

func TestRelease_NilDisplay(t *testing.T) {
	forcer := &fakeForcer{}
	m := newTestManager(gpio.NewMockBackend(), nil, forcer)
	require.NoError(t, m.Release(context.Background(), nil))
	assert.Len(t, forcer.input, 6)
}

func TestRelease_JoinsErrors(t *testing.T) {
	forcer := &fakeForcer{}
	m := newTestManager(gpio.NewMockBackend(), nil, forcer)
	d, err := m.Acquire(context.Background())
	require.NoError(t, err)

	forcer.err = errors.New("pinctrl missing")
	err = m.Release(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinctrl missing")
	assert.Len(t, forcer.input, 6, "every pin attempted despite failures")
}

func TestGuard_RunsOnce(t *testing.T) {
	forcer := &fakeForcer{}
	m := newTestManager(gpio.NewMockBackend(), nil, forcer)
	d, err := m.Acquire(context.Background())
	require.NoError(t, err)

	release := m.Guard(d)
	release()
	release()
	assert.Len(t, forcer.input, 6)
}

func TestGuard_RunsOnPanic(t *testing.T) {
	backend := gpio.NewMockBackend()
	m := newTestManager(backend, nil, nil)
	d, err := m.Acquire(context.Background())
	require.NoError(t, err)

	func() {
		release := m.Guard(d)
		defer func() {
			if r := recover(); r != nil {
				release()
			}
		}()
		panic("boom")
	}()
	assert.Zero(t, backend.ClaimCount())
}

func TestGuard_FailedOpenRevertsForcedPins(t *testing.T) {
	backend := gpio.NewMockBackend()
	backend.OpenErr[domain.DefaultPinAssignment().E] = errors.New("claimed elsewhere")
	forcer := &fakeForcer{}
	m := newTestManager(backend, nil, forcer)

	d, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, domain.ErrHardwareInit)
	assert.Nil(t, d)
	assert.Len(t, forcer.low, 6)

	release := m.Guard(nil)
	release()
	release()
	assert.Equal(t, domain.DefaultPinAssignment().All(), forcer.input)
	assert.Zero(t, backend.ClaimCount())
}
