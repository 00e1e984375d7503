// Package app builds the checker, runner and store from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/August26/proxytest-go/internal/api"
	"github.com/August26/proxytest-go/internal/checker"
	"github.com/August26/proxytest-go/internal/config"
	"github.com/August26/proxytest-go/internal/geo"
	"github.com/August26/proxytest-go/internal/store"
)

// App holds the wired components. Close releases the store and any geo
// databases.
type App struct {
	Tester *checker.Tester
	Runner *checker.Runner
	Store  store.Repository

	cfg    *config.Config
	logger *slog.Logger
	geo    io.Closer
}

// New wires everything described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	resolver, geoCloser, err := geo.New(GeoOptions(cfg.Geo))
	if err != nil {
		return nil, fmt.Errorf("failed to open geo providers: %w", err)
	}

	repo, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		geoCloser.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var real checker.RealIPSource
	if cfg.Identity.RealIP != "" {
		real = checker.StaticRealIP(cfg.Identity.RealIP)
	} else {
		real = checker.NewDirectEcho(cfg.Identity.RealIPURL, cfg.Checker.ResolveTimeout)
	}

	tester := checker.NewTester(
		checker.NewDialProbe(cfg.Checker.ConnectTimeout),
		checker.NewHTTPRelay(RelayOptions(cfg.Checker)),
		checker.NewEchoResolver(resolver, real, logger),
		TesterOptions(cfg.Checker),
		logger,
	)
	if cfg.Checker.Capabilities {
		tester.WithCapabilities(checker.NewSOCKS5Capabilities(cfg.Checker.ConnectTimeout, checker.DefaultMailTargets))
	}
	runner := checker.NewRunner(tester, checker.BatchOptions{
		Concurrency: cfg.Batch.Concurrency,
		Delay:       cfg.Batch.Delay,
		Retries:     cfg.Batch.Retries,
	}, logger)

	logger.Debug("components ready",
		"geo", cfg.Geo.Providers,
		"store", cfg.Store.Driver,
		"capabilities", cfg.Checker.Capabilities,
		"concurrency", cfg.Batch.Concurrency,
	)

	return &App{
		Tester: tester,
		Runner: runner,
		Store:  repo,
		cfg:    cfg,
		logger: logger,
		geo:    geoCloser,
	}, nil
}

// Server builds the HTTP API over a's components.
func (a *App) Server() *api.Server {
	s := a.cfg.Server
	return api.NewServer(a.Tester, a.Runner, a.Store, api.ServerOptions{
		Addr:            s.ListenAddr,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		IdleTimeout:     s.IdleTimeout,
		ShutdownTimeout: s.ShutdownTimeout,
		MaxBatchSize:    s.MaxBatchSize,
		TestURL:         a.cfg.Checker.TestURL,
		Logger:          a.logger,
	})
}

func (a *App) Close() error {
	return errors.Join(a.Store.Close(), a.geo.Close())
}

func GeoOptions(c config.GeoConfig) geo.Options {
	return geo.Options{
		Providers:     c.Providers,
		MaxMindCityDB: c.MaxMindCityDB,
		MaxMindOrgDB:  c.MaxMindISPDB,
		IP2LocationDB: c.IP2LocationDB,
		HTTPURL:       c.HTTPURL,
		Timeout:       c.Timeout,
		CacheTTL:      c.CacheTTL,
	}
}

func RelayOptions(c config.CheckerConfig) checker.RelayOptions {
	return checker.RelayOptions{
		Timeout:      c.RelayTimeout,
		DialTimeout:  c.ConnectTimeout,
		MaxRedirects: c.MaxRedirects,
		MaxBodyBytes: c.MaxBodyBytes,
		UserAgent:    c.UserAgent,
		InsecureTLS:  c.InsecureTLS,
	}
}

func TesterOptions(c config.CheckerConfig) checker.Options {
	return checker.Options{
		ConnectTimeout:    c.ConnectTimeout,
		RelayTimeout:      c.RelayTimeout,
		ResolveTimeout:    c.ResolveTimeout,
		CapabilityTimeout: c.CapabilityTimeout,
		OverallTimeout:    c.OverallTimeout,
	}
}
