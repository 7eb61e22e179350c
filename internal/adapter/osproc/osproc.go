//go:build linux

// Package osproc finds and signals processes by executable name, for
// evicting a stale daemon instance that still holds the display pins.
package osproc

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Process is one entry in the process table.
type Process struct {
	PID     int
	Cmdline string
}

// Table reads /proc.
type Table struct {
	Root string // default "/proc"
	self int
}

// NewTable returns a process table rooted at /proc that never reports the
// calling process.
func NewTable() *Table {
	return &Table{Root: "/proc", self: os.Getpid()}
}

// FindByName returns processes whose executable name, the base name of
// argv[0], equals name. Subcommands and flags are ignored, so every launch
// shape of a binary matches. The calling process is excluded.
func (t *Table) FindByName(name string) ([]Process, error) {
	if name == "" {
		return nil, nil
	}
	root := t.Root
	if root == "" {
		root = "/proc"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var out []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == t.self {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			// Exited between ReadDir and ReadFile, or a kernel thread.
			continue
		}
		if execName(raw) != name {
			continue
		}
		cmdline := string(bytes.TrimRight(bytes.ReplaceAll(raw, []byte{0}, []byte{' '}), " "))
		out = append(out, Process{PID: pid, Cmdline: cmdline})
	}
	return out, nil
}

// execName returns the base name of argv[0] from a NUL-separated cmdline.
func execName(raw []byte) string {
	argv0, _, _ := bytes.Cut(raw, []byte{0})
	return filepath.Base(strings.TrimSpace(string(argv0)))
}

// Signal delivers sig to pid.
func (t *Table) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Alive reports whether pid still exists. Zombies count as gone.
func (t *Table) Alive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	root := t.Root
	if root == "" {
		root = "/proc"
	}
	stat, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	// The state field follows the parenthesised command name.
	if i := bytes.LastIndexByte(stat, ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] != 'Z'
	}
	return true
}
