// Package coreapi is the composition root the manager builds at
// startup: it ties ConfigStore, EventBus, ChildSupervisor and
// GracefulShutdown together behind a single set of operations that
// ctlserver's dispatch table calls into, mirroring the "one façade the
// RPC server calls through" role domain/handler.go's HandlerServiceIface
// plays for container-management operations.
package coreapi

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tscore/tscore/configstore"
	"github.com/tscore/tscore/domain"
	"github.com/tscore/tscore/eventbus"
	"github.com/tscore/tscore/shutdown"
	"github.com/tscore/tscore/supervisor"
)

// reconfigureAlarmEvery matches the original traffic_manager's habit of
// logging an operational signal once many reconfigs have happened
// without an intervening restart.
const reconfigureAlarmEvery = 50

// ProxyState mirrors PROXY_STATE_GET/SET's wire values.
type ProxyState int32

const (
	ProxyUninitialized ProxyState = iota
	ProxyInitializing
	ProxyRunning
	ProxyStopping
)

type CoreAPI struct {
	log *logrus.Entry

	Config     *configstore.Store
	Events     *eventbus.Bus
	Proxy      *supervisor.Supervisor
	Shutdown   *shutdown.Machine
	configPath string

	proxyState     int32 // ProxyState, accessed atomically
	reconfigureCnt uint64
	drainFlagName  string
}

func New(log *logrus.Entry, cfg *configstore.Store, events *eventbus.Bus, proxy *supervisor.Supervisor, sm *shutdown.Machine, configPath, drainFlagName string) *CoreAPI {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CoreAPI{log: log, Config: cfg, Events: events, Proxy: proxy, Shutdown: sm, configPath: configPath, drainFlagName: drainFlagName}
}

func (c *CoreAPI) ProxyState() ProxyState {
	return ProxyState(atomic.LoadInt32(&c.proxyState))
}

func (c *CoreAPI) SetProxyState(s ProxyState, clearCache bool) domain.ErrCode {
	atomic.StoreInt32(&c.proxyState, int32(s))
	if clearCache {
		c.log.Info("coreapi: proxy state set with cache-clear requested")
	}
	return domain.ErrOkay
}

// RecordSet implements RECORD_SET: store the value, returning
// action-needed 1 if the record requires a restart to take effect
// (signalled here by class != Local, matching the convention that only
// Local records are hot-reloadable).
func (c *CoreAPI) RecordSet(name, value string) (domain.ErrCode, int32) {
	rec, ok := c.Config.Get(name)
	if !ok {
		return domain.ErrParams, 0
	}
	if !c.Config.Set(name, value) {
		return domain.ErrParams, 0
	}
	if rec.Class != domain.ClassLocal {
		return domain.ErrOkay, 1
	}
	return domain.ErrOkay, 0
}

func (c *CoreAPI) RecordGet(name string) (domain.Record, domain.ErrCode) {
	rec, ok := c.Config.Get(name)
	if !ok {
		return domain.Record{}, domain.ErrParams
	}
	return rec, domain.ErrOkay
}

func (c *CoreAPI) RecordMatchGet(prefix string, yield func(domain.Record)) {
	c.Config.MatchGet(prefix, yield)
}

// Reconfigure implements RECONFIGURE: reload the config file and bump
// the rolling counter, posting an operational alarm every
// reconfigureAlarmEvery reconfigs without an intervening restart
// (supplementing the original traffic_manager's diagnostic habit).
func (c *CoreAPI) Reconfigure() domain.ErrCode {
	if _, err := c.Config.ReloadIfChanged(c.configPath); err != nil {
		c.log.WithError(err).Warn("coreapi: reconfigure failed")
		c.Events.Post(domain.AlarmConfigUpdateFailed, err.Error())
		return domain.ErrFatalConfig
	}
	n := atomic.AddUint64(&c.reconfigureCnt, 1)
	if n%reconfigureAlarmEvery == 0 {
		c.Events.Post(domain.AlarmConfigUpdateFailed, fmt.Sprintf("%d reconfigures since manager start without a restart", n))
	}
	return domain.ErrOkay
}

func (c *CoreAPI) ReconfigureCount() uint64 {
	return atomic.LoadUint64(&c.reconfigureCnt)
}

// RequestShutdown implements RESTART/BOUNCE/STOP/DRAIN, applying the
// anti-flood token bucket keyed by clientKey before admitting the
// request.
func (c *CoreAPI) RequestShutdown(clientKey string, a shutdown.Action) domain.ErrCode {
	if (a == shutdown.Restart || a == shutdown.IdleRestart || a == shutdown.Bounce || a == shutdown.IdleBounce) &&
		!c.Shutdown.AllowRestartRequest(clientKey) {
		return domain.ErrFail
	}
	if !c.Shutdown.Request(a) {
		return domain.ErrFail
	}
	return domain.ErrOkay
}

func (c *CoreAPI) EventActive(name string) (bool, domain.ErrCode) {
	// Reports whether the config record with this name has a non-empty
	// value. Posting an alarm through the event bus does not write any
	// config record, so an alarm name with no such record yields
	// ErrParams.
	rec, ok := c.Config.Get(name)
	if !ok {
		return false, domain.ErrParams
	}
	return rec.Value != "", domain.ErrOkay
}

func (c *CoreAPI) EventResolve(name string) domain.ErrCode {
	if !c.Config.Set(name, "") {
		return domain.ErrParams
	}
	return domain.ErrOkay
}
