// Package bootstrap implements the startup sequence every long-lived
// process (watchdog, manager, server) runs once: argv parsing, layout
// resolution, session/process-group detachment, rlimit tuning,
// privilege drop with POSIX-capability restoration, and the initial
// lockfile check. Follows cmd/sysbox-fs/main.go's urfave/cli App
// construction and process/process.go's rlimit/capability handling.
package bootstrap

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/tscore/tscore/domain"
	"github.com/tscore/tscore/lockfile"
)

// Layout mirrors the shared layout module: prefix-relative directories
// every process resolves the same way.
type Layout struct {
	Prefix    string
	SysConfDir string
	RunDir    string
	BinDir    string
	LogDir    string
}

// ResolveLayout honors TS_ROOT as an override of the install prefix,
// then derives the standard subdirectories beneath it.
func ResolveLayout() Layout {
	prefix := os.Getenv("TS_ROOT")
	if prefix == "" {
		prefix = "/usr/local/tscore"
	}
	return Layout{
		Prefix:     prefix,
		SysConfDir: prefix + "/etc",
		RunDir:     prefix + "/var/run",
		BinDir:     prefix + "/bin",
		LogDir:     prefix + "/var/log",
	}
}

// Options is the result of argv/env parsing common to all three
// binaries; each cmd/ main reads its role-specific flags from the cli
// context separately.
type Options struct {
	Debug       bool
	BindStdout  string
	BindStderr  string
	NoSyslog    bool
	StopSignal  unix.Signal // -s/--stop: SIGSTOP instead of SIGKILL for debugging
	AdminUserID string
}

// CommonFlags returns the urfave/cli flag descriptors shared by every
// process, so each cmd/ binary's App.Flags can append its own to this
// slice.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolFlag{Name: "debug, d"},
		cli.StringFlag{Name: "stdout, o"},
		cli.StringFlag{Name: "stderr"},
		cli.BoolFlag{Name: "stop, s", Usage: "send SIGSTOP instead of SIGKILL when forcing termination"},
		cli.BoolFlag{Name: "nosyslog"},
	}
}

// ParseCommon extracts the Options struct plus PROXY_BIND_STDOUT/
// PROXY_BIND_STDERR environment fallbacks from a urfave/cli context.
func ParseCommon(c *cli.Context) Options {
	stdout := c.String("stdout")
	if stdout == "" {
		stdout = os.Getenv("PROXY_BIND_STDOUT")
	}
	stderr := c.String("stderr")
	if stderr == "" {
		stderr = os.Getenv("PROXY_BIND_STDERR")
	}
	stop := unix.SIGKILL
	if c.Bool("stop") {
		stop = unix.SIGSTOP
	}
	return Options{
		Debug:      c.Bool("debug"),
		BindStdout: stdout,
		BindStderr: stderr,
		NoSyslog:   c.Bool("nosyslog"),
		StopSignal: stop,
	}
}

// Detach performs setsid + new process group + stdio redirection to
// /dev/null unless explicit bindings were given; must be called before
// any goroutine that might inherit stdin/stdout is started.
func Detach(opts Options) error {
	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return fmt.Errorf("bootstrap: setsid: %w", err)
	}

	if opts.BindStdout == "" {
		if err := redirectToDevNull(os.Stdout); err != nil {
			return err
		}
	}
	if opts.BindStderr == "" {
		if err := redirectToDevNull(os.Stderr); err != nil {
			return err
		}
	}
	return redirectToDevNull(os.Stdin)
}

func redirectToDevNull(f *os.File) error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("bootstrap: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()
	return unix.Dup2(int(devNull.Fd()), int(f.Fd()))
}

// RaiseLimits implements the rlimit tuning step: raise RLIMIT_NOFILE
// toward filePct of its hard limit, and raise RLIMIT_DATA/STACK/FSIZE
// to their hard limits where the current soft limit is lower.
func RaiseLimits(filePct float64) error {
	if err := raiseOne(unix.RLIMIT_NOFILE, filePct); err != nil {
		return err
	}
	for _, which := range []int{unix.RLIMIT_DATA, unix.RLIMIT_STACK, unix.RLIMIT_FSIZE} {
		if err := raiseOne(which, 1.0); err != nil {
			return err
		}
	}
	return nil
}

func raiseOne(which int, pct float64) error {
	var rl unix.Rlimit
	if err := unix.Getrlimit(which, &rl); err != nil {
		return fmt.Errorf("bootstrap: getrlimit(%d): %w", which, err)
	}
	target := uint64(float64(rl.Max) * pct)
	if target > rl.Max {
		target = rl.Max
	}
	if target <= rl.Cur {
		return nil
	}
	rl.Cur = target
	if err := unix.Setrlimit(which, &rl); err != nil {
		return fmt.Errorf("bootstrap: setrlimit(%d): %w", which, err)
	}
	return nil
}

// DropPrivileges implements: if running as root and adminUserID names a
// real user, setresgid/setresuid to that user, initialising
// supplementary groups from the target's password entry first, then
// restore the POSIX capabilities this core still needs (CAP_NET_ADMIN,
// CAP_NET_BIND_SERVICE, CAP_IPC_LOCK) into the effective set so the
// dropped-privilege process can still bind privileged ports and lock
// memory.
func DropPrivileges(adminUserID string, log *logrus.Entry) error {
	if os.Geteuid() != 0 || adminUserID == "" {
		return nil
	}

	u, err := user.Lookup(adminUserID)
	if err != nil {
		return fmt.Errorf("bootstrap: lookup user %s: %w", adminUserID, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("bootstrap: parse uid %s: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("bootstrap: parse gid %s: %w", u.Gid, err)
	}

	gids, err := u.GroupIds()
	if err == nil {
		numericGids := make([]int, 0, len(gids))
		for _, g := range gids {
			if n, err := strconv.Atoi(g); err == nil {
				numericGids = append(numericGids, n)
			}
		}
		if len(numericGids) > 0 {
			_ = unix.Setgroups(numericGids)
		}
	}

	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("bootstrap: setresgid: %w", err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("bootstrap: setresuid: %w", err)
	}

	if err := restoreCapabilities(log); err != nil {
		log.WithError(err).Warn("bootstrap: capability restore failed, continuing without them")
	}
	return nil
}

func restoreCapabilities(log *logrus.Entry) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capability.NewPid2: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("capability.Load: %w", err)
	}

	caps.Set(capability.EFFECTIVE|capability.PERMITTED,
		capability.CAP_NET_ADMIN, capability.CAP_NET_BIND_SERVICE, capability.CAP_IPC_LOCK)

	if err := caps.Apply(capability.EFFECTIVE | capability.PERMITTED); err != nil {
		return fmt.Errorf("capability.Apply: %w", err)
	}
	log.Debug("bootstrap: restored CAP_NET_ADMIN, CAP_NET_BIND_SERVICE, CAP_IPC_LOCK")
	return nil
}

// CheckLockfile opens and, on success, writes this process' pid to the
// named lock file, failing fast with a descriptive error if another
// process already holds it.
func CheckLockfile(path string, log *logrus.Entry) (*lockfile.File, error) {
	lf := lockfile.New(path, log)
	outcome, err := lf.Open()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %s: %w", path, err)
	}
	if outcome == lockfile.HeldByOther {
		return nil, fmt.Errorf("bootstrap: %s already held by pid %d", path, lf.HolderPid())
	}
	if err := lf.WritePid(); err != nil {
		return nil, err
	}
	return lf, nil
}

// NewLogger builds the logrus entry every process threads through
// domain.Context, honoring Debug to lower the level.
func NewLogger(role string, debug bool) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l.WithField("role", role)
}

// NotifyReady tells an enclosing systemd unit (Type=notify) that this
// process has finished its startup sequence; a no-op outside systemd,
// since daemon.SdNotify checks NOTIFY_SOCKET itself.
func NotifyReady(log *logrus.Entry) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.WithError(err).Debug("bootstrap: sd_notify failed")
		return
	}
	if sent {
		log.Debug("bootstrap: notified systemd READY=1")
	}
}

// NewContext assembles the domain.Context passed to every subsystem.
func NewContext(role string, layout Layout, log *logrus.Entry) *domain.Context {
	hostname, _ := os.Hostname()
	return &domain.Context{
		Log:      log,
		Role:     role,
		RunDir:   layout.RunDir,
		SysDir:   layout.SysConfDir,
		BinDir:   layout.BinDir,
		LogDir:   layout.LogDir,
		Hostname: hostname,
	}
}
