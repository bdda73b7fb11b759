// Command watchdog is the cop process: an independent supervisor that
// owns the cop lockfile and keeps the manager (and transitively the
// server) alive, restarting on crash and killing on unresponsiveness.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli"
	svc "gopkg.in/hlandau/service.v1"

	"github.com/tscore/tscore/bootstrap"
	"github.com/tscore/tscore/configstore"
	"github.com/tscore/tscore/domain"
	"github.com/tscore/tscore/eventbus"
	"github.com/tscore/tscore/healthprobe"
	"github.com/tscore/tscore/lockfile"
	"github.com/tscore/tscore/signalrouter"
	"github.com/tscore/tscore/watchdog"
)

func main() {
	app := cli.NewApp()
	app.Name = "watchdog"
	app.Usage = "supervise the manager and server processes"
	app.Version = "1.0.0"
	app.Flags = append(bootstrap.CommonFlags(),
		cli.StringFlag{Name: "path", Usage: "runtime directory for lockfiles and sockets"},
		cli.StringFlag{Name: "recordsConf", Usage: "path to records.config"},
	)
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "watchdog:", err)
		os.Exit(1)
	}
}

func defaultRecords(yield func(domain.Record)) {
	yield(domain.Record{Name: "proxy.config.admin.control_socket", Class: domain.ClassConfig, Type: domain.TypeString, Value: "", Default: ""})
	yield(domain.Record{Name: "proxy.config.admin.synthetic_port", Class: domain.ClassConfig, Type: domain.TypeInt, Value: "8083", Default: "8083"})
	yield(domain.Record{Name: "proxy.config.admin.user_id", Class: domain.ClassConfig, Type: domain.TypeString, Value: "", Default: ""})
	yield(domain.Record{Name: "proxy.config.admin.api_restricted", Class: domain.ClassConfig, Type: domain.TypeInt, Value: "1", Default: "1"})
	yield(domain.Record{Name: "proxy.process.proxy.running", Class: domain.ClassProcess, Type: domain.TypeInt, Value: "0", Default: "0"})
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

	log := bootstrap.NewLogger("watchdog", opts.Debug)
	_ = bootstrap.NewContext("watchdog", layout, log)

	if err := bootstrap.Detach(opts); err != nil {
		log.WithError(err).Warn("detach failed, continuing in foreground")
	}
	if err := bootstrap.RaiseLimits(0.9); err != nil {
		log.WithError(err).Warn("rlimit tuning failed")
	}

	copLock, err := bootstrap.CheckLockfile(filepath.Join(layout.RunDir, "cop.lock"), log)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer copLock.Close()

	router := signalrouter.New(log)
	router.Start()
	go router.WaitFatal()

	store := configstore.New(log, nil)
	store.LoadDefaults(defaultRecords)
	if err := store.LoadFile(configPath); err != nil {
		log.WithError(err).Warn("initial config load failed, using defaults")
	}

	events := eventbus.New(log)
	prober := healthprobe.New(log)
	managerLock := lockfile.New(filepath.Join(layout.RunDir, "manager.lock"), log)
	serverLock := lockfile.New(filepath.Join(layout.RunDir, "server.lock"), log)

	policy := watchdog.Policy{
		SleepInterval:   10 * time.Second,
		ManagerTimeout:  5 * time.Second,
		ServerTimeout:   5 * time.Second,
		InitSleepTime:   2 * time.Second,
		KillTimeout:     10 * time.Second,
		MaxFlapCount:    5,
		FlapRetryWindow: 2 * time.Minute,
		MinSwapFreeKB:   8192,
		MinMemFreeKB:    16384,
		MemCheckPolicy:  watchdog.MemKillServer,
		FinalKillSignal: opts.StopSignal,
		NoCopMarkerPath: filepath.Join(layout.RunDir, "no_cop"),
	}

	managerBin := filepath.Join(layout.BinDir, "manager")
	wd := watchdog.New(log, policy, managerLock, serverLock, prober, events, router, store, configPath,
		func() (string, []string) {
			return managerBin, []string{"--path", layout.RunDir, "--recordsConf", configPath}
		})

	svc.Main(&svc.Info{
		Name:      "watchdog",
		AllowRoot: true,
		RunFunc: func(smgr svc.Manager) error {
			smgr.SetStarted()
			smgr.SetStatus("supervising manager and server")
			bootstrap.NotifyReady(log)
			wd.Run()
			return nil
		},
	})
	return nil
}
