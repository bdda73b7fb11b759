// Package shutdown implements GracefulShutdown: the manager-wide state
// machine that control commands (RESTART/BOUNCE/STOP/DRAIN and their
// Idle variants) feed into, and the manager's main loop consumes.
// Generalizes handler/handler.go's request/response state-tracking
// pattern from a single pending request to the fixed outstanding-action
// enum this domain needs.
package shutdown

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lru "github.com/hashicorp/golang-lru"
)

// Action is the shared `mgmt_shutdown_outstanding` state.
type Action int

const (
	None Action = iota
	Restart
	IdleRestart
	Bounce
	IdleBounce
	Stop
	IdleStop
	Drain
	IdleDrain
	UndoDrain
)

func (a Action) String() string {
	switch a {
	case None:
		return "NONE"
	case Restart:
		return "RESTART"
	case IdleRestart:
		return "IDLE_RESTART"
	case Bounce:
		return "BOUNCE"
	case IdleBounce:
		return "IDLE_BOUNCE"
	case Stop:
		return "STOP"
	case IdleStop:
		return "IDLE_STOP"
	case Drain:
		return "DRAIN"
	case IdleDrain:
		return "IDLE_DRAIN"
	case UndoDrain:
		return "UNDO_DRAIN"
	default:
		return "UNKNOWN"
	}
}

// isIdleVariant reports whether a is one of the Idle* actions, which
// wait for idleness or the shutdown timeout before acting.
func (a Action) isIdleVariant() bool {
	switch a {
	case IdleRestart, IdleBounce, IdleStop, IdleDrain:
		return true
	default:
		return false
	}
}

// Machine owns the shared outstanding action plus the accounting needed
// to decide when an Idle* variant may act: an idle-client threshold, a
// trigger timestamp, and a timeout after which waiting further is
// abandoned.
type Machine struct {
	log *logrus.Entry

	idleThreshold int
	shutdownTimeout time.Duration

	mu          sync.Mutex
	outstanding Action
	triggeredAt time.Time
	drained     bool

	// clientRate throttles RESTART/BOUNCE requests per ClientConn,
	// keyed by an opaque client identifier, to absorb a client that
	// floods restart requests.
	clientRate *lru.Cache
}

// clientBudget is a simple token bucket: Tokens refills toward max at
// refillEvery, consumed one per allowed RESTART/BOUNCE.
type clientBudget struct {
	tokens     int
	lastRefill time.Time
}

const (
	maxTokens    = 3
	refillEvery  = 10 * time.Second
	rateCacheCap = 256
)

func New(log *logrus.Entry, idleThreshold int, shutdownTimeout time.Duration) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cache, _ := lru.New(rateCacheCap)
	return &Machine{
		log:             log,
		idleThreshold:   idleThreshold,
		shutdownTimeout: shutdownTimeout,
		clientRate:      cache,
	}
}

// Request sets the outstanding action if none is pending, recording the
// trigger time for Idle* deadline accounting. A second request while
// one is already outstanding is rejected (the caller should report
// FAIL); only Drain/UndoDrain may be requested freely since they are
// idempotent toggles rather than terminal actions.
func (m *Machine) Request(a Action) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a != Drain && a != UndoDrain && m.outstanding != None {
		return false
	}
	m.outstanding = a
	m.triggeredAt = time.Now()
	return true
}

// Outstanding reports the current pending action.
func (m *Machine) Outstanding() Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// Clear resets to None, e.g. after UndoDrain cancels a pending Drain or
// after the action has been fully carried out.
func (m *Machine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outstanding = None
}

// ReadyToAct reports whether the current outstanding action may proceed
// now, given the current active-client count: non-idle variants are
// always ready; idle variants wait for activeClients <= idleThreshold
// or for the shutdown_timeout to have elapsed since it was requested.
func (m *Machine) ReadyToAct(activeClients int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding == None {
		return false
	}
	if !m.outstanding.isIdleVariant() {
		return true
	}
	if activeClients <= m.idleThreshold {
		return true
	}
	return time.Since(m.triggeredAt) >= m.shutdownTimeout
}

// BeginDrain calls the caller-supplied drain callback at most once until
// EndDrain clears the guard, so repeated calls are idempotent;
// processDrain should make the data plane stop accepting new connections.
func (m *Machine) BeginDrain(processDrain func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drained {
		return
	}
	processDrain()
	m.drained = true
}

// EndDrain clears the idempotency guard so a future Drain request calls
// processDrain again (used after UndoDrain).
func (m *Machine) EndDrain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drained = false
}

// AllowRestartRequest implements the anti-flood guard: each client gets
// a small token bucket refilled over time; a RESTART/BOUNCE request
// beyond the bucket is rejected so a single misbehaving client cannot
// force repeated restarts.
func (m *Machine) AllowRestartRequest(clientKey string) bool {
	now := time.Now()
	v, ok := m.clientRate.Get(clientKey)
	var b clientBudget
	if ok {
		b = v.(clientBudget)
	} else {
		b = clientBudget{tokens: maxTokens, lastRefill: now}
	}

	if elapsed := now.Sub(b.lastRefill); elapsed >= refillEvery {
		refills := int(elapsed / refillEvery)
		b.tokens += refills
		if b.tokens > maxTokens {
			b.tokens = maxTokens
		}
		b.lastRefill = now
	}

	allowed := b.tokens > 0
	if allowed {
		b.tokens--
	}
	m.clientRate.Add(clientKey, b)
	return allowed
}
