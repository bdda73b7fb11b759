// Package supervisor implements ChildSupervisor, the manager's
// fork/exec/restart logic for the server child process: launch with a
// new process group and a death signal so an unexpected manager exit
// does not orphan the server, redirect stdout/stderr to configured
// files, collect exit status via signalrouter's latched reaping, and
// restart with exponential back-off. Grounded on
// process/process.go's use of SysProcAttr (Setpgid, Pdeathsig) from the
// teacher repo and nsenter/nsexec.go's argv-construction-then-exec
// shape, narrowed here to a single plain child instead of a namespaced
// one.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tscore/tscore/domain"
	"github.com/tscore/tscore/eventbus"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second
)

// ExitClass is how ChildSupervisor classifies a reaped child.
type ExitClass int

const (
	ExitNormal ExitClass = iota
	ExitSignalled
	ExitCrashed
)

// Supervisor owns at most one running child at a time.
type Supervisor struct {
	log   *logrus.Entry
	bus   *eventbus.Bus
	alarm domain.AlarmID

	stdoutPath string
	stderrPath string

	mu      sync.Mutex
	child   domain.ChildProcess
	cmd     *exec.Cmd
	backoff time.Duration
}

// New constructs a Supervisor that posts alarmOnCrash whenever the
// child exits abnormally.
func New(log *logrus.Entry, bus *eventbus.Bus, alarmOnCrash domain.AlarmID, stdoutPath, stderrPath string) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{log: log, bus: bus, alarm: alarmOnCrash, stdoutPath: stdoutPath, stderrPath: stderrPath}
}

// Start forks+execs binPath with args, setting the child's own process
// group (so it survives a manager SIGTERM delivered only to the
// manager's pgid) and arranging SIGTERM as its death signal so it does
// not outlive an unexpected manager death.
func (s *Supervisor) Start(binPath string, args []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child.Running() {
		return fmt.Errorf("supervisor: child already running (pid %d)", s.child.Pid)
	}

	outF, err := openAppend(s.stdoutPath)
	if err != nil {
		return err
	}
	errF, err := openAppend(s.stderrPath)
	if err != nil {
		outF.Close()
		return err
	}

	cmd := exec.Command(binPath, args...)
	cmd.Stdout = outF
	cmd.Stderr = errF
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	if err := cmd.Start(); err != nil {
		outF.Close()
		errF.Close()
		return fmt.Errorf("supervisor: start %s: %w", binPath, err)
	}
	outF.Close()
	errF.Close()

	s.cmd = cmd
	s.child = domain.ChildProcess{
		Pid:               cmd.Process.Pid,
		BinPath:           binPath,
		Args:              args,
		LaunchedAt:        time.Now(),
		LaunchOutstanding: true,
	}
	s.log.WithField("pid", s.child.Pid).Info("supervisor: child started")
	return nil
}

func openAppend(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open %s: %w", path, err)
	}
	return f, nil
}

// IsRunning reports whether the supervisor believes a child is alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child.Running()
}

// MarkContacted clears the launch-outstanding flag and resets the
// back-off once the child has proven itself alive (re-contacted the
// manager), matching the "reset after one successful contact" policy.
func (s *Supervisor) MarkContacted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.child.LaunchOutstanding = false
	s.backoff = 0
}

// Poll checks whether pid belongs to the current child and, if so,
// consumes the exit, classifies it, posts an alarm, and clears the pid
// so Running() becomes false. Callers pass in a (pid, status) latched
// by signalrouter.DrainExited.
func (s *Supervisor) Poll(pid int, status syscall.WaitStatus) (ExitClass, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.child.Running() || s.child.Pid != pid {
		return 0, false
	}

	var class ExitClass
	switch {
	case status.Exited():
		s.child.ExitCode = status.ExitStatus()
		class = ExitNormal
	case status.Signaled():
		s.child.ExitSignal = int(status.Signal())
		s.child.Signalled = true
		class = ExitSignalled
	default:
		class = ExitCrashed
	}

	s.child.Pid = -1
	s.child.LaunchOutstanding = false

	if class != ExitNormal && s.bus != nil {
		s.bus.Post(s.alarm, fmt.Sprintf("child pid %d exited abnormally: %+v", pid, status))
	}
	return class, true
}

// LaunchOutstanding reports whether the most recent child has not yet
// re-contacted the manager since launch.
func (s *Supervisor) LaunchOutstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child.LaunchOutstanding
}

// Stop signals the child's process group (not just the child) so any
// grandchildren it spawned are signalled too. It does not wait for the
// child to exit; the exit is observed later through Poll.
func (s *Supervisor) Stop(sig syscall.Signal) error {
	s.mu.Lock()
	pid := s.child.Pid
	s.mu.Unlock()
	if pid <= 0 {
		return nil
	}
	return unix.Kill(-pid, unix.Signal(sig))
}

// NextBackoff returns the delay to wait before the next restart
// attempt, advancing the internal exponential schedule (clamped at
// maxBackoff) each time it is called.
func (s *Supervisor) NextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff == 0 {
		s.backoff = minBackoff
	} else {
		s.backoff *= 2
		if s.backoff > maxBackoff {
			s.backoff = maxBackoff
		}
	}
	return s.backoff
}

// ResetBackoff clears the exponential schedule, e.g. after a clean
// RECONFIGURE.
func (s *Supervisor) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoff = 0
}

// Pid returns the current child pid, or -1 if none is running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child.Pid
}
