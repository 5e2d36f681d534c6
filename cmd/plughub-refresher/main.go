package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/app"
	"github.com/platinummonkey/plughub/pkg/config"
	"github.com/platinummonkey/plughub/pkg/observability"
	"github.com/platinummonkey/plughub/pkg/refresher"
)

var runOnce = flag.Bool("run-once", false, "Refresh metadata once and exit")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "plughub-refresher: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		return err
	}
	log := logger.WithField("service", "plughub-refresher")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := refresher.New(a.Service, cfg.Refresher.Schedule, log,
		refresher.WithTimeout(cfg.Refresher.Timeout),
		refresher.WithRecorder(a.Metrics),
	)
	if err != nil {
		return err
	}

	if *runOnce {
		report, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"checked":   report.Checked,
			"refreshed": report.Refreshed,
			"failed":    report.Failed,
		}).Info("metadata refresh complete")
		return nil
	}

	r.Start(ctx)
	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}
