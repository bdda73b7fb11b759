// Package lockfile implements the advisory whole-file write lock of
// at most one process may hold the lock on a given path; the holder's
// pid is recoverable from the file's contents by a process that lost the
// race. Grounded on original_source/lib/ts/lockfile.cc (open+F_SETLK,
// read-pid-on-EAGAIN, FD_CLOEXEC, truncate+write-pid, kill-the-holder
// loop).
package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"
)

// Outcome classifies the result of an Open/acquisition attempt.
type Outcome int

const (
	Acquired Outcome = iota
	HeldByOther
	OpenError
)

// File represents one lock file on disk. Zero value is not usable; use
// New.
type File struct {
	path string
	fd   int
	log  *logrus.Entry

	held    bool
	holder  int // populated on HeldByOther
}

// New constructs a File bound to path but does not touch the filesystem.
func New(path string, log *logrus.Entry) *File {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &File{path: path, fd: -1, log: log.WithField("lockfile", path)}
}

func (f *File) Path() string { return f.path }

// Open creates the file (mode 0644) if absent and attempts a
// non-blocking exclusive whole-file write lock via fcntl(F_SETLK). On
// EAGAIN/EACCES (lock busy) it reads the holder's decimal pid from the
// file and returns HeldByOther; any other errno is OpenError. On
// Acquired, the descriptor is marked close-on-exec so a forked child
// never inherits the lock.
func (f *File) Open() (Outcome, error) {
	fd, err := retryEINTR(func() (int, error) {
		return unix.Open(f.path, unix.O_RDWR|unix.O_CREAT, 0644)
	})
	if err != nil {
		return OpenError, fmt.Errorf("lockfile: open %s: %w", f.path, err)
	}

	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  0,
		Len:    0,
	}

	_, err = retryEINTR(func() (int, error) {
		return 0, unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &lock)
	})
	if err != nil {
		if err == unix.EAGAIN || err == unix.EACCES {
			holder, rerr := readHolderPid(fd)
			unix.Close(fd)
			if rerr != nil {
				return OpenError, rerr
			}
			f.holder = holder
			f.log.WithField("holder", holder).Debug("lock busy")
			return HeldByOther, nil
		}
		unix.Close(fd)
		return OpenError, fmt.Errorf("lockfile: F_SETLK %s: %w", f.path, err)
	}

	if ferr := setCloseOnExec(fd); ferr != nil {
		unix.Close(fd)
		return OpenError, ferr
	}

	f.fd = fd
	f.held = true
	return Acquired, nil
}

// WritePid truncates the file to zero and writes this process' decimal
// pid followed by "\n". Must only be called after Acquired.
func (f *File) WritePid() error {
	if !f.held {
		return fmt.Errorf("lockfile: WritePid called without holding the lock")
	}
	if err := unix.Ftruncate(f.fd, 0); err != nil {
		return fmt.Errorf("lockfile: ftruncate: %w", err)
	}
	buf := []byte(strconv.Itoa(os.Getpid()) + "\n")
	off := 0
	for off < len(buf) {
		n, err := retryEINTR(func() (int, error) { return unix.Pwrite(f.fd, buf[off:], int64(off)) })
		if err != nil {
			return fmt.Errorf("lockfile: write pid: %w", err)
		}
		off += n
	}
	return nil
}

// Close releases the lock and descriptor. Idempotent.
func (f *File) Close() error {
	if !f.held || f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	f.held = false
	return err
}

// HolderPid returns the pid most recently observed to hold the lock
// (only meaningful after Open returned HeldByOther).
func (f *File) HolderPid() int { return f.holder }

// Probe is a read-only liveness check: try the lock; if held by
// another process, signal(0) them to distinguish "alive" from
// "stale, process gone", the same disambiguation traffic_cop.cc
// performs before deciding to spawn.
func (f *File) Probe() (pid int, alive bool, err error) {
	outcome, err := f.Open()
	if err != nil {
		return 0, false, err
	}
	if outcome == Acquired {
		f.Close()
		return 0, false, nil
	}
	pid = f.holder
	if pid <= 0 {
		return pid, false, nil
	}
	serr := unix.Kill(pid, 0)
	return pid, serr == nil, nil
}

// KillHolder implements kill_holder: if the lock is free, return
// immediately. Otherwise read the holder pid, optionally deliver
// preliminarySignal and reap zombies, then loop delivering finalSignal
// until kill() fails with something other than EINTR; ESRCH/EPERM are
// treated as "gone/replaced". Never signals a pid other than the
// observed holder.
func (f *File) KillHolder(finalSignal unix.Signal, preliminarySignal *unix.Signal) error {
	outcome, err := f.Open()
	if err != nil {
		return err
	}
	if outcome == Acquired {
		// Nobody holds it; nothing to kill.
		f.Close()
		return nil
	}

	pid := f.holder
	if pid <= 0 {
		return nil
	}
	f.log.WithField("pid", pid).WithField("signal", finalSignal).Warn("killing lock holder")

	if preliminarySignal != nil {
		_ = unix.Kill(pid, *preliminarySignal)
		reapZombies()
	}

	for {
		err := unix.Kill(pid, finalSignal)
		if err == nil {
			time.Sleep(20 * time.Millisecond)
			// A holder that is our own child stays signalable as a
			// zombie until reaped; reap it so kill() can report ESRCH.
			var ws unix.WaitStatus
			_, _ = unix.Wait4(pid, &ws, unix.WNOHANG, nil)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.ESRCH || err == unix.EPERM {
			return nil
		}
		return fmt.Errorf("lockfile: kill %d: %w", pid, err)
	}
}

// KillGroup is KillHolder but signals the holder's whole process group
// (negative pid), matching kill_group — used by the watchdog when the
// manager's children may have escaped supervision.
func (f *File) KillGroup(finalSignal unix.Signal, preliminarySignal *unix.Signal) error {
	outcome, err := f.Open()
	if err != nil {
		return err
	}
	if outcome == Acquired {
		f.Close()
		return nil
	}
	pid := f.holder
	if pid <= 0 {
		return nil
	}

	if preliminarySignal != nil {
		_ = unix.Kill(-pid, *preliminarySignal)
		reapZombies()
	}

	for {
		err := unix.Kill(-pid, finalSignal)
		if err == nil {
			time.Sleep(20 * time.Millisecond)
			// Reap any zombie of ours in the group so kill() can report
			// ESRCH once every member is gone.
			var ws unix.WaitStatus
			_, _ = unix.Wait4(-pid, &ws, unix.WNOHANG, nil)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.ESRCH || err == unix.EPERM {
			return nil
		}
		return fmt.Errorf("lockfile: killgroup %d: %w", pid, err)
	}
}

func readHolderPid(fd int) (int, error) {
	buf := make([]byte, 16)
	n, err := retryEINTR(func() (int, error) { return unix.Pread(fd, buf, 0) })
	if err != nil {
		return 0, fmt.Errorf("lockfile: read holder pid: %w", err)
	}
	s := bytes.TrimSpace(buf[:n])
	if len(s) == 0 {
		return 0, nil
	}
	v, err := strconv.Atoi(string(s))
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func setCloseOnExec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("lockfile: F_GETFD: %w", err)
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("lockfile: F_SETFD: %w", err)
	}
	return nil
}

func retryEINTR(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// reapZombies performs a best-effort non-blocking wait to collect any
// zombie left by a preliminary signal before the final kill.
func reapZombies() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
