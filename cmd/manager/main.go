// Command manager owns the control/event sockets, the synthetic health
// responder, and the server child process. It is spawned by the
// watchdog, never run standalone as a daemon.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/tscore/tscore/bootstrap"
	"github.com/tscore/tscore/configstore"
	"github.com/tscore/tscore/coreapi"
	"github.com/tscore/tscore/ctlserver"
	"github.com/tscore/tscore/domain"
	"github.com/tscore/tscore/eventbus"
	"github.com/tscore/tscore/shutdown"
	"github.com/tscore/tscore/signalrouter"
	"github.com/tscore/tscore/supervisor"
	"github.com/tscore/tscore/syntheticserver"
)

func main() {
	app := cli.NewApp()
	app.Name = "manager"
	app.Usage = "own the control plane and supervise the server process"
	app.Version = "1.0.0"
	app.Flags = append(bootstrap.CommonFlags(),
		cli.StringFlag{Name: "path", Usage: "runtime directory for lockfiles and sockets"},
		cli.StringFlag{Name: "recordsConf", Usage: "path to records.config"},
		cli.BoolFlag{Name: "proxyOff", Usage: "do not launch the server child"},
		cli.BoolFlag{Name: "listenOff", Usage: "do not bind control/event sockets"},
		cli.StringFlag{Name: "tsArgs", Usage: "extra arguments passed to the server binary"},
		cli.StringFlag{Name: "debugTags", Usage: "debug tag filter (tag|tag|...)"},
		cli.StringFlag{Name: "action", Usage: "action tag filter"},
		cli.StringFlag{Name: "adminUserId", Usage: "drop privileges to this user during startup, before any socket is bound"},
	)
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "manager:", err)
		os.Exit(1)
	}
}

func defaultRecords(yield func(domain.Record)) {
	yield(domain.Record{Name: "proxy.config.admin.control_socket", Class: domain.ClassConfig, Type: domain.TypeString, Value: "", Default: ""})
	yield(domain.Record{Name: "proxy.config.admin.event_socket", Class: domain.ClassConfig, Type: domain.TypeString, Value: "", Default: ""})
	yield(domain.Record{Name: "proxy.config.admin.synthetic_port", Class: domain.ClassConfig, Type: domain.TypeInt, Value: "8083", Default: "8083"})
	yield(domain.Record{Name: "proxy.config.admin.api_restricted", Class: domain.ClassConfig, Type: domain.TypeInt, Value: "1", Default: "1"})
	yield(domain.Record{Name: "proxy.process.proxy.running", Class: domain.ClassProcess, Type: domain.TypeInt, Value: "0", Default: "0"})
	yield(domain.Record{Name: "proxy.config.admin.idle_threshold", Class: domain.ClassConfig, Type: domain.TypeInt, Value: "0", Default: "0"})
	yield(domain.Record{Name: "proxy.config.admin.shutdown_timeout", Class: domain.ClassConfig, Type: domain.TypeInt, Value: "30", Default: "30"})
	yield(domain.Record{Name: "proxy.process.http.current_client_connections", Class: domain.ClassProcess, Type: domain.TypeInt, Value: "0", Default: "0"})
	yield(domain.Record{Name: "proxy.config.admin.drain_flag", Class: domain.ClassConfig, Type: domain.TypeInt, Value: "0", Default: "0"})
}

func run(c *cli.Context) error {
	opts := bootstrap.ParseCommon(c)
	layout := bootstrap.ResolveLayout()
	if p := c.String("path"); p != "" {
		layout.RunDir = p
	}
	configPath := c.String("recordsConf")
	if configPath == "" {
		configPath = filepath.Join(layout.SysConfDir, "records.config")
	}

	log := bootstrap.NewLogger("manager", opts.Debug)
	_ = bootstrap.NewContext("manager", layout, log)

	if err := bootstrap.Detach(opts); err != nil {
		log.WithError(err).Warn("detach failed, continuing in foreground")
	}
	if err := bootstrap.RaiseLimits(0.9); err != nil {
		log.WithError(err).Warn("rlimit tuning failed")
	}
	if err := bootstrap.DropPrivileges(c.String("adminUserId"), log); err != nil {
		log.WithError(err).Warn("privilege drop failed")
	}

	managerLock, err := bootstrap.CheckLockfile(filepath.Join(layout.RunDir, "manager.lock"), log)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer managerLock.Close()

	router := signalrouter.New(log)
	router.Start()
	go router.WaitFatal()

	store := configstore.New(log, nil)
	store.LoadDefaults(defaultRecords)
	if err := store.LoadFile(configPath); err != nil {
		log.WithError(err).Warn("initial config load failed, using defaults")
	}
	_ = store.Set("proxy.process.proxy.running", "1")

	events := eventbus.New(log)

	idleThreshold, _ := store.GetInt("proxy.config.admin.idle_threshold", true)
	shutdownTimeoutSec, _ := store.GetInt("proxy.config.admin.shutdown_timeout", true)
	sm := shutdown.New(log, int(idleThreshold), time.Duration(shutdownTimeoutSec)*time.Second)

	serverBin := filepath.Join(layout.BinDir, "server")
	proxy := supervisor.New(log, events, domain.AlarmProxyProcessDied,
		filepath.Join(layout.LogDir, "server.out"), filepath.Join(layout.LogDir, "server.err"))

	api := coreapi.New(log, store, events, proxy, sm, configPath, "proxy.config.admin.drain_flag")

	syntheticPort, _ := store.GetInt("proxy.config.admin.synthetic_port", true)
	synth, err := syntheticserver.New(log, int(syntheticPort))
	if err != nil {
		log.WithError(err).Error("failed to bind synthetic health responder")
	} else {
		go synth.Serve()
		defer synth.Close()
		log.WithField("addr", synth.Addr()).Info("synthetic responder listening")
	}

	if !c.Bool("listenOff") {
		ctlSock := filepath.Join(layout.RunDir, "ctl.sock")
		eventSock := filepath.Join(layout.RunDir, "event.sock")
		restricted, _ := store.GetInt("proxy.config.admin.api_restricted", true)

		srv := ctlserver.New(log, api)
		if err := srv.Listen(ctlSock, eventSock, restricted != 0); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		srv.Serve()
		go dispatchEventsForever(srv)
		_ = store.Set("proxy.config.admin.control_socket", ctlSock)
		_ = store.Set("proxy.config.admin.event_socket", eventSock)
	}

	if !c.Bool("proxyOff") {
		args := []string{"--path", layout.RunDir}
		if extra := c.String("tsArgs"); extra != "" {
			args = append(args, strings.Fields(extra)...)
		}
		if err := proxy.Start(serverBin, args); err != nil {
			log.WithError(err).Error("failed to start server child")
		}
	}

	bootstrap.NotifyReady(log)
	mainLoop(log, router, proxy, sm, api, serverBin)
	return nil
}

func dispatchEventsForever(srv *ctlserver.Server) {
	for {
		srv.DispatchEvents()
		time.Sleep(100 * time.Millisecond)
	}
}

// mainLoop is the manager's cooperative scheduler: reap exited
// children, evaluate graceful-shutdown readiness, and restart the
// server with back-off when it dies unexpectedly.
func mainLoop(log *logrus.Entry, router *signalrouter.Router, proxy *supervisor.Supervisor, sm *shutdown.Machine, api *coreapi.CoreAPI, serverBin string) {
	for {
		for _, rc := range signalrouter.DrainExited() {
			class, matched := proxy.Poll(rc.Pid, rc.Status)
			if matched && class != supervisor.ExitNormal {
				delay := proxy.NextBackoff()
				log.WithField("delay", delay).Warn("server child exited abnormally, restarting after back-off")
				time.Sleep(delay)
				if err := proxy.Start(serverBin, nil); err != nil {
					log.WithError(err).Error("restart failed")
				}
			}
		}

		if action := sm.Outstanding(); action != shutdown.None {
			activeClients, _ := api.Config.GetInt("proxy.process.http.current_client_connections", true)
			if sm.ReadyToAct(int(activeClients)) {
				sm.BeginDrain(func() { _ = api.Config.Set("proxy.config.admin.drain_flag", "1") })
				switch action {
				case shutdown.Stop, shutdown.IdleStop:
					os.Exit(0)
				case shutdown.Restart, shutdown.IdleRestart:
					sm.Clear()
					os.Exit(0)
				case shutdown.Bounce, shutdown.IdleBounce:
					_ = proxy.Stop(syscall.SIGTERM)
					sm.Clear()
				case shutdown.Drain, shutdown.IdleDrain:
					// The drain state itself lives in the config
					// record and in sm's idempotency flag, not in
					// outstanding: clearing here lets a later
					// STOP/RESTART/BOUNCE be requested while draining.
					sm.Clear()
				case shutdown.UndoDrain:
					sm.EndDrain()
					_ = api.Config.Set("proxy.config.admin.drain_flag", "0")
					sm.Clear()
				}
			}
		}

		router.ConsumeRereadFlag()
		time.Sleep(1 * time.Second)
	}
}
