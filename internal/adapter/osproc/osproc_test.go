//go:build linux

package osproc

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trashtrack-station/internal/infra/config"
)

func writeProc(t *testing.T, root string, pid, cmdline string) {
	t.Helper()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
}

func TestFindByName_FakeProc(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "100", "/usr/local/bin/trashtrack-station\x00run\x00")
	writeProc(t, root, "200", "/usr/bin/python3\x00other.py\x00")
	writeProc(t, root, "300", "")
	writeProc(t, root, "self", "trashtrack-station")
	writeProc(t, root, "400", "/usr/local/bin/trashtrack-station\x00run\x00")

	tbl := &Table{Root: root, self: 400}
	procs, err := tbl.FindByName("trashtrack-station")
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, 100, procs[0].PID)
	assert.Equal(t, "/usr/local/bin/trashtrack-station run", procs[0].Cmdline)
}

func TestFindByName_EveryLaunchShape(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "101", "/usr/local/bin/trashtrack-station\x00")
	writeProc(t, root, "102", "trashtrack-station\x00--config\x00/etc/trashtrack/station.yaml\x00run\x00")
	writeProc(t, root, "103", "./trashtrack-station\x00lcd-test\x00")
	writeProc(t, root, "104", "/usr/local/bin/trashtrack-station\x00run\x00--config\x00/etc/trashtrack/station.yaml\x00")
	writeProc(t, root, "105", "journalctl\x00-u\x00trashtrack-station\x00")
	writeProc(t, root, "106", "/usr/bin/vim\x00/srv/trashtrack-station/main.go\x00")
	writeProc(t, root, "107", "/usr/local/bin/trashtrack-station-old\x00run\x00")

	tbl := &Table{Root: root, self: 1}
	procs, err := tbl.FindByName(config.Defaults().Display.ProcessName)
	require.NoError(t, err)

	var pids []int
	for _, p := range procs {
		pids = append(pids, p.PID)
	}
	assert.ElementsMatch(t, []int{101, 102, 103, 104}, pids)
}

func TestFindByName_EmptyPattern(t *testing.T) {
	procs, err := (&Table{Root: t.TempDir()}).FindByName("")
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestFindByName_MissingRoot(t *testing.T) {
	_, err := (&Table{Root: filepath.Join(t.TempDir(), "nope")}).FindByName("x")
	assert.Error(t, err)
}

func TestSignalAndAlive_RealProcess(t *testing.T) {
	if _, err := os.Stat("/proc/self"); err != nil {
		t.Skip("no /proc")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	tbl := NewTable()
	pid := cmd.Process.Pid
	assert.True(t, tbl.Alive(pid))

	procs, err := tbl.FindByName("sleep")
	require.NoError(t, err)
	found := false
	for _, p := range procs {
		if p.PID == pid {
			found = true
			assert.True(t, strings.HasPrefix(p.Cmdline, "sleep"))
		}
	}
	assert.True(t, found)

	require.NoError(t, tbl.Signal(pid, syscall.SIGTERM))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, tbl.Alive(pid))
}
