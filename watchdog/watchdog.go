// Package watchdog implements the cop process: the independent
// supervisor that owns the cop lockfile, spawns and flap-detects the
// manager, and forces termination of a manager or server that stops
// answering health checks. Generalizes cmd/sysbox-fs/main.go's
// top-level run loop and signal-driven shutdown from "run one
// long-lived daemon" to "periodically evaluate and correct the state
// of two supervised processes".
package watchdog

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tscore/tscore/configstore"
	"github.com/tscore/tscore/domain"
	"github.com/tscore/tscore/eventbus"
	"github.com/tscore/tscore/healthprobe"
	"github.com/tscore/tscore/lockfile"
	"github.com/tscore/tscore/signalrouter"
)

// Policy bundles the tunables the original calls cop_sleep_time,
// manager_timeout, server_timeout, init_sleep_time, cop_kill_timeout,
// max_flap_count and the flap retry window.
type Policy struct {
	SleepInterval   time.Duration
	ManagerTimeout  time.Duration
	ServerTimeout   time.Duration
	InitSleepTime   time.Duration
	KillTimeout     time.Duration
	MaxFlapCount    int
	FlapRetryWindow time.Duration
	MinSwapFreeKB   int64
	MinMemFreeKB    int64
	MemCheckPolicy  MemKillPolicy
	FinalKillSignal unix.Signal // configurable per the -s/--stop debug flag
	NoCopMarkerPath string
}

// MemKillPolicy is the bitmask of which process(es) check_memory may
// force-kill on low memory.
type MemKillPolicy int

const (
	MemKillNone    MemKillPolicy = 0
	MemKillManager MemKillPolicy = 1 << 0
	MemKillServer  MemKillPolicy = 1 << 1
)

// Watchdog runs check_programs/check_memory on an interval from Run.
type Watchdog struct {
	log    *logrus.Entry
	policy Policy

	managerLock *lockfile.File
	serverLock  *lockfile.File
	prober      *healthprobe.Prober
	events      *eventbus.Bus
	router      *signalrouter.Router
	configStore *configstore.Store
	configPath  string

	managerArgv func() (string, []string)

	flap FlapState

	managerFailCount int
	serverNotFound   int
	serverFailCount  int
}

// FlapState tracks the manager's spawn-flap detector.
type FlapState struct {
	Flapping      bool
	Count         int
	IntervalStart time.Time
	RetryStart    time.Time
}

func New(
	log *logrus.Entry,
	policy Policy,
	managerLock, serverLock *lockfile.File,
	prober *healthprobe.Prober,
	events *eventbus.Bus,
	router *signalrouter.Router,
	configStore *configstore.Store,
	configPath string,
	managerArgv func() (string, []string),
) *Watchdog {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watchdog{
		log: log, policy: policy,
		managerLock: managerLock, serverLock: serverLock,
		prober: prober, events: events, router: router,
		configStore: configStore, configPath: configPath,
		managerArgv: managerArgv,
	}
}

// Run blocks, executing one iteration per policy.SleepInterval, until
// the no_cop marker file appears (checked first, each iteration) or the
// process is asked to exit.
func (w *Watchdog) Run() {
	for {
		if w.policy.NoCopMarkerPath != "" {
			if _, err := os.Stat(w.policy.NoCopMarkerPath); err == nil {
				w.log.Info("watchdog: no_cop marker present, exiting")
				return
			}
		}

		for _, rc := range signalrouter.DrainExited() {
			w.log.WithField("pid", rc.Pid).Info("watchdog: reaped child exit")
		}

		// The SIGHUP re-read flag is cleared here but does not change
		// anything: the reload is the same stat-mtime-gated check every
		// iteration performs, and SIGHUP does not cut the sleep short.
		w.router.ConsumeRereadFlag()
		if _, err := w.configStore.ReloadIfChanged(w.configPath); err != nil {
			w.log.WithError(err).Warn("watchdog: config reload failed")
		}

		w.checkPrograms()
		w.checkMemory()

		deadline := 2 * (w.policy.SleepInterval + 2*w.policy.ManagerTimeout + w.policy.ServerTimeout)
		signalrouter.ArmDeadline(deadline)
		time.Sleep(w.policy.SleepInterval)
		signalrouter.CancelDeadline()
	}
}

// checkPrograms is the core state-machine step described by the
// manager/server observation table: evaluate which of the two is
// running and healthy, and correct toward the desired state.
func (w *Watchdog) checkPrograms() {
	outcome, err := w.managerLock.Open()
	if err != nil {
		w.log.WithError(err).Warn("watchdog: manager lock open failed")
		return
	}

	if outcome == lockfile.Acquired {
		// Manager not running: any stray server is orphaned and must go.
		w.managerLock.Close()
		_ = w.serverLock.KillGroup(unix.SIGKILL, nil)
		w.spawnManagerIfNotFlapping()
		return
	}

	w.managerLock.Close()
	w.checkManagerHealth()
}

func (w *Watchdog) spawnManagerIfNotFlapping() {
	now := time.Now()
	if w.flap.Flapping {
		if now.Sub(w.flap.RetryStart) > w.policy.FlapRetryWindow {
			w.flap = FlapState{}
		} else {
			return
		}
	}

	if w.flap.IntervalStart.IsZero() {
		w.flap.IntervalStart = now
	}
	if now.Sub(w.flap.IntervalStart) < w.policy.FlapRetryWindow && w.flap.Count >= w.policy.MaxFlapCount {
		w.flap.Flapping = true
		w.flap.RetryStart = now
		w.events.Post(domain.AlarmManagerFlapping, "manager respawn rate exceeded threshold")
		return
	}

	bin, args := w.managerArgv()
	if err := spawnDetached(bin, args); err != nil {
		w.log.WithError(err).Error("watchdog: failed to spawn manager")
		return
	}
	w.flap.Count++
	w.log.Info("watchdog: manager spawned")
}

// checkManagerHealth probes a running manager via the control protocol;
// two consecutive failures trigger a forced kill of the manager's whole
// process group.
func (w *Watchdog) checkManagerHealth() {
	outcome := w.prober.ProbeControl(w.managerCtlSocket(), "proxy.process.proxy.running", "", w.policy.ManagerTimeout)
	if outcome != healthprobe.Ok && outcome != healthprobe.MalformedBody {
		w.managerFailCount++
		if w.managerFailCount >= 2 {
			w.log.Warn("watchdog: manager unresponsive twice, killing group")
			w.safeKillGroup(w.managerLock, domain.AlarmManagerKilled)
			w.managerFailCount = 0
		}
		return
	}
	w.managerFailCount = 0
	w.checkServer()
}

func (w *Watchdog) checkServer() {
	outcome, err := w.serverLock.Open()
	if err != nil {
		w.log.WithError(err).Warn("watchdog: server lock open failed")
		return
	}
	if outcome == lockfile.Acquired {
		w.serverLock.Close()
		w.serverNotFound++
		if w.serverNotFound >= 2 {
			w.log.Warn("watchdog: server missing twice, killing manager")
			w.safeKillGroup(w.managerLock, domain.AlarmServerKilled)
			w.serverNotFound = 0
		}
		return
	}
	w.serverLock.Close()
	w.serverNotFound = 0

	result := w.prober.ProbeServer(w.syntheticPort(), w.policy.ServerTimeout)
	if result != healthprobe.Ok {
		w.serverFailCount++
		if w.serverFailCount >= 2 {
			w.log.Warn("watchdog: server unhealthy twice, killing server")
			w.safeKillGroup(w.serverLock, domain.AlarmServerKilled)
			w.serverFailCount = 0
			time.Sleep(w.policy.InitSleepTime)
		}
		return
	}
	w.serverFailCount = 0
}

// safeKillGroup implements safe_kill: swap SIGALRM to warn-only, arm a
// bounded deadline, kill, then restore the fatal disposition.
func (w *Watchdog) safeKillGroup(lock *lockfile.File, alarm domain.AlarmID) {
	w.router.BeginSafeKill()
	signalrouter.ArmDeadline(w.policy.KillTimeout)
	defer func() {
		signalrouter.CancelDeadline()
		w.router.EndSafeKill()
	}()

	final := w.policy.FinalKillSignal
	if final == 0 {
		final = unix.SIGKILL
	}
	warn := unix.SIGTERM
	if err := lock.KillGroup(final, &warn); err != nil {
		w.log.WithError(err).Warn("watchdog: kill group failed")
		return
	}
	w.events.Post(alarm, "watchdog forced termination after repeated health check failures")
}

// checkMemory implements the Linux /proc/meminfo low-memory guard.
func (w *Watchdog) checkMemory() {
	info, err := readMeminfo("/proc/meminfo")
	if err != nil {
		return
	}

	low := false
	if info.SwapTotalKB > 0 {
		low = info.SwapFreeKB < w.policy.MinSwapFreeKB
	} else {
		low = info.MemFreeKB < w.policy.MinMemFreeKB
	}
	if !low {
		return
	}

	w.events.Post(domain.AlarmLowMemory, "low memory condition detected, applying kill policy")
	if w.policy.MemCheckPolicy&MemKillServer != 0 {
		_ = w.serverLock.KillGroup(unix.SIGKILL, nil)
	}
	if w.policy.MemCheckPolicy&MemKillManager != 0 {
		_ = w.managerLock.KillGroup(unix.SIGKILL, nil)
	}
}

// managerCtlSocket and syntheticPort read the watchdog's own config
// store on every call; an unset record yields its zero value (an empty
// socket path or port 0).
func (w *Watchdog) managerCtlSocket() string {
	v, _ := w.configStore.GetString("proxy.config.admin.control_socket", true)
	return v
}

func (w *Watchdog) syntheticPort() int {
	v, _ := w.configStore.GetInt("proxy.config.admin.synthetic_port", true)
	return int(v)
}
