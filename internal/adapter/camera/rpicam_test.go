package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trashtrack-station/internal/adapter/subproc"
	"trashtrack-station/internal/domain"
)

// fakeRunner writes content to the -o path, imitating rpicam-still.
type fakeRunner struct {
	content []byte
	err     error
	args    []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (subproc.Result, error) {
	f.args = append([]string{name}, args...)
	if f.err != nil {
		return subproc.Result{}, f.err
	}
	for i, a := range args {
		if a == "-o" && i+1 < len(args) && f.content != nil {
			if err := os.WriteFile(args[i+1], f.content, 0o644); err != nil {
				return subproc.Result{}, err
			}
		}
	}
	return subproc.Result{}, nil
}

func TestStill_Capture(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{content: []byte("jpegdata")}
	cam := NewStill(Config{Dir: dir}, r)

	img, err := cam.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, img.ID+".jpg"), img.Path)
	assert.Equal(t, int64(8), img.SizeBytes)
	assert.False(t, img.CapturedAt.IsZero())

	assert.Equal(t, []string{
		"rpicam-still", "-o", img.Path,
		"--width", "1920", "--height", "1080",
		"-t", "1500", "--nopreview",
	}, r.args)
}

func TestStill_CommandFails(t *testing.T) {
	r := &fakeRunner{err: &subproc.ExitError{Command: "rpicam-still", ExitCode: 255, Stderr: "no cameras available"}}
	cam := NewStill(Config{Dir: t.TempDir()}, r)

	_, err := cam.Capture(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCapture)
	assert.Contains(t, err.Error(), "no cameras available")
}

func TestStill_Timeout(t *testing.T) {
	r := &fakeRunner{err: fmt.Errorf("rpicam-still: %w", context.DeadlineExceeded)}
	cam := NewStill(Config{Dir: t.TempDir(), Timeout: time.Second}, r)

	_, err := cam.Capture(context.Background())
	assert.ErrorIs(t, err, domain.ErrCapture)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.CodeCameraTimeout, domain.ErrorCodeOf(err))
}

func TestStill_NoFileWritten(t *testing.T) {
	cam := NewStill(Config{Dir: t.TempDir()}, &fakeRunner{})
	_, err := cam.Capture(context.Background())
	assert.ErrorIs(t, err, domain.ErrCapture)
}

func TestStill_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	cam := NewStill(Config{Dir: dir}, &fakeRunner{content: []byte{}})
	_, err := cam.Capture(context.Background())
	assert.ErrorIs(t, err, domain.ErrCapture)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
