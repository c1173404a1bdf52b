package maildir

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// fileLock holds a POSIX fcntl write-lock (and, on Linux, an advisory
// flock for legacy-tool compatibility) over the whole of a state file for
// the duration of one sync (spec.md §4.4.2). It is grounded on
// golang.org/x/sys/unix's Flock/FcntlFlock wrappers — the ecosystem's
// portable substitute for hand-written per-platform syscall constants.
type fileLock struct {
	f *os.File
}

// lockFile opens path (creating it if missing) and takes an exclusive
// fcntl write-lock, blocking until it is available (F_SETLKW).
func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("maildir: open %s: %w", path, err)
	}

	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0, // whole file
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk); err != nil {
		f.Close()
		return nil, fmt.Errorf("maildir: fcntl lock %s: %w", path, err)
	}

	if runtime.GOOS == "linux" {
		// Best-effort: legacy tools that only understand flock(2) still
		// see this mailbox as locked. Failure here is not fatal — the
		// fcntl lock above is the one this driver itself honors.
		_ = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(os.SEEK_SET)}
	_ = unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &lk)
	return l.f.Close()
}
