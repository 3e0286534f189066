package serverutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Lifecycle is a server that binds on Start and releases its listener on Stop.
type Lifecycle interface {
	Start() error
	Stop(ctx context.Context) error
	IsRunning() bool
	// Done is closed when the running server stops for any reason.
	Done() <-chan struct{}
}

// Worker runs alongside the server until ctx is cancelled. A non-nil error
// stops the server and is returned from Run.
type Worker func(ctx context.Context) error

// Config controls the server runtime behaviour.
type Config struct {
	Server          Lifecycle
	ShutdownTimeout time.Duration
	Ready           chan<- struct{}
	Workers         []Worker
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// ErrServerDown is reported by WatchRunning when the server stopped without
// being asked to.
var ErrServerDown = errors.New("server stopped unexpectedly")

// Run starts the server and blocks until ctx is cancelled or a worker fails.
// The server is then stopped, bounded by ShutdownTimeout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	if err := cfg.Server.Start(); err != nil {
		return err
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, worker := range cfg.Workers {
		worker := worker
		group.Go(func() error {
			return worker(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return cfg.Server.Stop(shutdownCtx)
	})

	return group.Wait()
}

// WatchRunning fails as soon as the server stops without being asked to,
// e.g. after its listener was closed underneath it.
func WatchRunning(server Lifecycle) Worker {
	return func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		case <-server.Done():
			// Stop only begins after ctx is done, so a stopped server
			// with a live ctx was not stopped by Run.
			if ctx.Err() == nil {
				return ErrServerDown
			}
			return nil
		}
	}
}
