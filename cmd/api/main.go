package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"orchid.org/internal/app"
	"orchid.org/internal/auth"
	"orchid.org/internal/config"
	"orchid.org/internal/grpcapi"
	"orchid.org/internal/httpapi"
	"orchid.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()
	if err := run(); err != nil {
		log.WithError(err).Fatal("orchid-api stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := obs.Logger()
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	build := obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStores(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Warn("close stores")
		}
	}()
	if err := st.Migrate(ctx, cfg.Store.Driver); err != nil {
		return err
	}

	svc, err := app.NewService(cfg, st, log)
	if err != nil {
		return err
	}
	if cfg.Seed {
		n, err := svc.Seed(ctx, auth.DemoAccounts, cfg.SeedPassword)
		if err != nil {
			return err
		}
		log.WithField("created", n).Info("demo accounts seeded")
	}

	probe := httpapi.ReadyProbe{}
	for _, p := range st.Pingers {
		probe.Deps = append(probe.Deps, p)
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	api := httpapi.New(svc, auth.NewGuard(auth.DefaultPolicy(httpapi.APIPrefix), svc),
		httpapi.WithReadyProbe(probe),
		httpapi.WithVersion(version),
		httpapi.WithLogger(log),
		httpapi.WithLoginRateLimit(cfg.LoginRatePerSec, cfg.LoginRateBurst),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.CORSOrigins),
		httpapi.WithTrustedProxies(proxies),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version, "commit": build}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		gs := grpcapi.NewServer(svc, auth.NewGuard(auth.GRPCPolicy(), svc),
			grpcapi.WithReadiness(probe),
			grpcapi.WithVersion(version),
			grpcapi.WithLogger(log),
		)
		g.Go(func() error {
			log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
			return gs.Serve(lis)
		})
		g.Go(func() error { return gs.WatchHealth(gctx, 10*time.Second) })
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}
