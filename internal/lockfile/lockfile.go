// Package lockfile guards a local sqlite store against a second threadsync process.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrAlreadyLocked is matched by a *HeldError.
var ErrAlreadyLocked = errors.New("lock already held")

// HeldError reports the process recorded in a lock someone else holds. PID is 0 when the
// holder has not written it yet; Name is empty when the process cannot be inspected.
type HeldError struct {
	Path string
	PID  int
	Name string
}

func (e *HeldError) Error() string {
	switch {
	case e.PID > 0 && e.Name != "":
		return fmt.Sprintf("%s is held by %s (pid %d)", e.Path, e.Name, e.PID)
	case e.PID > 0:
		return fmt.Sprintf("%s is held by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("%s is held by another process", e.Path)
}

func (e *HeldError) Is(target error) bool { return target == ErrAlreadyLocked }

type Lock struct {
	path string
	f    *os.File
}

// ForStore is the lock path guarding the sqlite database at dbPath.
func ForStore(dbPath string) string {
	return filepath.Clean(dbPath) + ".lock"
}

// Acquire takes an exclusive non-blocking lock on path and records the current pid in it.
func Acquire(path string) (*Lock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty lock path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			pid := readPID(f)
			err = &HeldError{Path: path, PID: pid, Name: processName(pid)}
		}
		_ = f.Close()
		return nil, err
	}
	_ = f.Truncate(0)
	_, _ = f.Seek(0, io.SeekStart)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()
	return &Lock{path: path, f: f}, nil
}

func readPID(f *os.File) int {
	b, err := io.ReadAll(io.LimitReader(f, 32))
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(b)))
	return pid
}

func processName(pid int) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the file. The file itself stays; releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(unlockErr, closeErr)
}
