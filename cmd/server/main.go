// Command server is a minimal stand-in for the data-plane proxy: the
// real request routing, caching and TLS termination are out of scope
// for this core. It exists only so ChildSupervisor has a real process
// to fork/exec, monitor, and restart. The loopback responder that
// HealthProbe actually probes lives in the manager, not here.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"

	"github.com/tscore/tscore/bootstrap"
)

func main() {
	app := cli.NewApp()
	app.Name = "server"
	app.Usage = "minimal data-plane stand-in supervised by the manager"
	app.Version = "1.0.0"
	app.Flags = append(bootstrap.CommonFlags(),
		cli.StringFlag{Name: "path", Usage: "runtime directory for lockfiles"},
	)
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	opts := bootstrap.ParseCommon(c)
	layout := bootstrap.ResolveLayout()
	if p := c.String("path"); p != "" {
		layout.RunDir = p
	}

	log := bootstrap.NewLogger("server", opts.Debug)

	if err := bootstrap.Detach(opts); err != nil {
		log.WithError(err).Warn("detach failed, continuing in foreground")
	}

	serverLock, err := bootstrap.CheckLockfile(filepath.Join(layout.RunDir, "server.lock"), log)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer serverLock.Close()

	log.Info("server child up, holding lockfile")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	return nil
}
