package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughub/pkg/app"
	"github.com/platinummonkey/plughub/pkg/config"
	"github.com/platinummonkey/plughub/pkg/observability"
	"github.com/platinummonkey/plughub/pkg/refresher"
)

func main() {
	withRefresher := flag.Bool("refresher", false, "Also run the scheduled metadata refresh in this process")
	flag.Parse()

	if err := run(*withRefresher); err != nil {
		fmt.Fprintf(os.Stderr, "plughub: %v\n", err)
		os.Exit(1)
	}
}

func run(withRefresher bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		return err
	}
	log := logger.WithField("service", "plughub")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, log)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.StartReplicaMonitor(ctx, 30*time.Second)

	api, ops := a.Servers(ctx)
	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout, api, ops)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		return a.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, log)
	})

	if withRefresher {
		r, err := refresher.New(a.Service, cfg.Refresher.Schedule, log,
			refresher.WithTimeout(cfg.Refresher.Timeout),
			refresher.WithRecorder(a.Metrics),
		)
		if err != nil {
			return err
		}
		r.Start(ctx)
		shutdown.RegisterShutdownFunc(r.Stop)
	}

	serve := func(srv *http.Server, name string) {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "server": name}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("server", name).Fatal("server failed")
		}
	}
	go serve(ops, "ops")
	go serve(api, "api")

	return shutdown.WaitForShutdown()
}
