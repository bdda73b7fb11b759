package domain

import "time"

// ChildProcess holds a supervised child's pid (or -1) and bookkeeping
// a supervisor keeps on a forked child.
type ChildProcess struct {
	Pid              int
	BinPath          string
	Args             []string
	LaunchedAt       time.Time
	LaunchOutstanding bool
	ExitSignal       int
	ExitCode         int
	Signalled        bool
}

// Running reports whether the supervisor believes this child is alive.
func (c *ChildProcess) Running() bool {
	return c.Pid > 0
}

// FlapState is the manager-flap-detection state, owned by the
// Watchdog (one instance, tracking spawns of the manager).
type FlapState struct {
	Flapping      bool
	Count         int
	IntervalStart time.Time
	RetryStart    time.Time
}
