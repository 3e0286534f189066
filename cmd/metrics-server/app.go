package main

import (
	"context"
	"fmt"
	"log/slog"

	"megacity-metro/internal/config"
	"megacity-metro/internal/hostinfo"
	"megacity-metro/internal/observability/logging"
	"megacity-metro/internal/observability/stats"
	"megacity-metro/internal/probes"
	"megacity-metro/internal/router"
	"megacity-metro/internal/server"
	"megacity-metro/internal/serverutil"
)

const (
	healthPath     = "/healthz"
	prometheusPath = "/metrics/prometheus"
)

type app struct {
	server   *server.Server
	recorder *stats.Recorder
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// run serves until ctx is cancelled. A disabled configuration never binds.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if !cfg.Enabled {
		logger.Info("metrics server disabled")
		return nil
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return serverutil.Run(ctx, serverutil.Config{
		Server:          a.server,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Workers:         []serverutil.Worker{serverutil.WatchRunning(a.server)},
	})
}

// build assembles a stopped server with the info producer, request
// statistics, dependency probes and auxiliary endpoints registered.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	collector := hostinfo.New(hostinfo.Config{
		Project:       cfg.Project,
		ServerName:    cfg.Name,
		Version:       cfg.Version,
		EngineVersion: cfg.EngineVersion,
		GPUName:       cfg.GPU.Name,
		GPUMemory:     cfg.GPU.Memory,
		GPUVersion:    cfg.GPU.Version,
		Logger:        logging.WithComponent(logger, "hostinfo"),
	})
	recorder := stats.New()

	srv, err := server.New(server.Config{
		Port:         cfg.Port,
		Name:         cfg.Name,
		Host:         cfg.Host,
		Info:         collector.Producer(),
		Logger:       logger,
		Observer:     recorder,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Indent:       cfg.Indent,
	})
	if err != nil {
		return nil, err
	}
	a := &app{server: srv, recorder: recorder}

	if err := recorder.Register(srv.Registry(), "server"); err != nil {
		return nil, fmt.Errorf("register request stats: %w", err)
	}
	if err := srv.AddEndpoint(healthPath, router.MethodGet, serveHealth); err != nil {
		return nil, err
	}
	if err := srv.AddEndpoint(prometheusPath, router.MethodGet, func(*router.Request) (any, error) {
		text, err := recorder.Exposition()
		if err != nil {
			return nil, err
		}
		return router.Raw{ContentType: stats.ExpositionContentType(), Body: text}, nil
	}); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		probe, closeFn, err := probes.DialRedis(probes.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DialTimeout: cfg.ProbeTimeout,
			ReadTimeout: cfg.ProbeTimeout,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := closeFn(); err != nil {
				logger.Warn("close redis probe", "error", err)
			}
		})
		if err := srv.RegisterMetric("dependencies/redis", probes.Producer(probe, cfg.ProbeTimeout)); err != nil {
			a.close()
			return nil, err
		}
		logger.Info("redis probe enabled", "addr", cfg.Redis.Addr)
	}

	if cfg.Postgres.DSN != "" {
		probe, closeFn, err := probes.DialPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		if err := srv.RegisterMetric("dependencies/postgres", probes.Producer(probe, cfg.ProbeTimeout)); err != nil {
			a.close()
			return nil, err
		}
		logger.Info("postgres probe enabled")
	}

	return a, nil
}

func serveHealth(*router.Request) (any, error) {
	return map[string]any{"status": "ok"}, nil
}
