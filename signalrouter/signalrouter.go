// Package signalrouter converts asynchronous POSIX signals into
// synchronous state the main supervision loop polls: the signal handler
// only latches state into atomics (never logs, never allocates); the
// caller's loop drains the latched state and does the actual work. Grounded in cmd/sysbox-fs/main.go's exitHandler, which
// channels signals to a goroutine rather than doing work inline in a
// runtime-installed handler — generalized here to the five roles this
// core needs: reap+latch (SIGCHLD/SIGTERM), re-read flag (SIGHUP), fatal
// dump-and-abort (SIGSEGV et al.), deadline-or-warn (SIGALRM), and
// ignore (SIGPIPE).
package signalrouter

import (
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ReapedChild is the last (pid, status) SIGCHLD/SIGTERM reaping latched;
// consumed by the main loop in FIFO-of-reaping order (the loop drains
// with Wait4(WNOHANG) directly — see DrainExited — so this is really a
// "something changed" wakeup, not the sole source of truth).
type ReapedChild struct {
	Pid    int
	Status syscall.WaitStatus
}

// Router owns the signal channel and the latched atomics. One Router per
// process (watchdog and manager each construct their own).
type Router struct {
	log *logrus.Entry

	reread       int32 // SIGHUP latch
	alarmWaiting int32 // 1 while a kill/lock-wait deadline is "warn only"

	sigCh  chan os.Signal
	alarmC chan struct{}
	fatalC chan os.Signal
}

func New(log *logrus.Entry) *Router {
	return &Router{
		log:    log,
		sigCh:  make(chan os.Signal, 16),
		alarmC: make(chan struct{}, 1),
		fatalC: make(chan os.Signal, 1),
	}
}

// Start installs the process-wide signal disposition and begins routing.
// Call once per process.
func (r *Router) Start() {
	signal.Ignore(syscall.SIGPIPE)

	signal.Notify(r.sigCh,
		syscall.SIGCHLD,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGALRM,
		syscall.SIGSEGV,
		syscall.SIGBUS,
		syscall.SIGILL,
		syscall.SIGFPE,
		syscall.SIGSYS,
		syscall.SIGQUIT,
	)

	go r.loop()
}

func (r *Router) loop() {
	for s := range r.sigCh {
		switch s {
		case syscall.SIGCHLD, syscall.SIGTERM:
			// The real reaping happens via Wait4(WNOHANG) in
			// DrainExited; this just wakes up a loop that may be
			// sleeping.
			select {
			case r.alarmC <- struct{}{}:
			default:
			}

		case syscall.SIGHUP:
			atomic.StoreInt32(&r.reread, 1)

		case syscall.SIGALRM:
			if atomic.LoadInt32(&r.alarmWaiting) == 1 {
				r.log.Warn("SIGALRM received during safe-kill/lock-wait window; ignoring")
				continue
			}
			r.fatalC <- s

		case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL, syscall.SIGFPE, syscall.SIGSYS, syscall.SIGQUIT:
			r.fatalC <- s
		}
	}
}

// ConsumeRereadFlag reports and clears whether SIGHUP arrived since the
// last call (spec: "SIGHUP sets a re-read flag consumed by the main loop").
func (r *Router) ConsumeRereadFlag() bool {
	return atomic.CompareAndSwapInt32(&r.reread, 1, 0)
}

// DrainExited performs the actual, signal-safe-equivalent reaping: a
// loop of non-blocking waitpid calls, returning every child that exited
// since the last call, in reaping order.
func DrainExited() []ReapedChild {
	var out []ReapedChild
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return out
		}
		out = append(out, ReapedChild{Pid: pid, Status: ws})
	}
}

// Wake returns a channel the main loop can select on instead of a bare
// sleep, so a SIGCHLD/SIGTERM interrupts a wait promptly.
func (r *Router) Wake() <-chan struct{} { return r.alarmC }

// BeginSafeKill marks that a kill/lock-wait is outstanding: subsequent
// SIGALRMs are logged rather than treated as fatal (spec §4.10
// "safe_kill"). The alarm is not re-armed; a further deadline exists
// only if the caller arms one. Callers must pair with EndSafeKill.
func (r *Router) BeginSafeKill() { atomic.StoreInt32(&r.alarmWaiting, 1) }
func (r *Router) EndSafeKill()   { atomic.StoreInt32(&r.alarmWaiting, 0) }

// ArmDeadline schedules a real SIGALRM after d; if it fires outside a
// safe-kill window it is fatal.
func ArmDeadline(d time.Duration) {
	syscall.Alarm(uint32(d / time.Second))
}

func CancelDeadline() {
	syscall.Alarm(0)
}

// WaitFatal blocks until a fatal signal arrives, then writes the signal
// name and the stacks of all goroutines to stderr (safe here: by the
// time we're here we've already left the handler) and exits with status
// 134. Run this in its own goroutine from main().
func (r *Router) WaitFatal() {
	s := <-r.fatalC
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	os.Stderr.WriteString("fatal signal: " + s.String() + "\n")
	os.Stderr.Write(buf[:n])
	os.Stderr.WriteString("\n")
	os.Exit(134)
}
