package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"megacity-metro/internal/metrics"
	"megacity-metro/internal/observability/logging"
	"megacity-metro/internal/router"
	"megacity-metro/internal/serializer"
)

const (
	// MetricsPath is the route of the built-in metrics endpoint.
	MetricsPath = "/metrics"
	// InfoMetric is the registry path of the built-in host information leaf.
	InfoMetric = "info"

	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 15 * time.Second
	DefaultMaxBodyBytes = 1 << 20
)

// RequestObserver receives one call per served request. route is the matched
// endpoint path, or empty for misses.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, duration time.Duration)
}

// Config holds the construction-time settings of a Server.
type Config struct {
	// Port to listen on. Zero picks an ephemeral port, see Server.Addr.
	Port int
	// Name labels the metrics document: {"<Name>": {...}}.
	Name string
	// Host restricts the listening interface. Empty listens on all of them.
	Host string
	// Info produces the built-in "info" metric. When nil a minimal producer
	// reporting the server name and time is used.
	Info metrics.Producer
	// Registry backs the metrics endpoint. A fresh one is created when nil.
	Registry *metrics.Registry
	Logger   *slog.Logger
	Observer RequestObserver

	// ReadTimeout bounds reading one request from a connection and
	// WriteTimeout bounds writing its response. Handler execution itself is
	// not bounded.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	// Indent pretty prints JSON responses when non-empty.
	Indent string
}

// Server is an HTTP endpoint table and metrics registry served by a single
// sequential accept loop.
type Server struct {
	name     string
	port     int
	host     string
	logger   *slog.Logger
	observer RequestObserver

	endpoints *router.Table
	registry  *metrics.Registry
	encoding  serializer.Options

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxBodyBytes int64
	newRequestID func() string
	listen       func(network, address string) (net.Listener, error)

	mu       sync.Mutex
	state    State
	listener net.Listener
	done     chan struct{}
}

// New validates cfg and builds a stopped server with the /metrics endpoint
// and the info metric already registered.
func New(cfg Config) (*Server, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, cfg.Port)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	s := &Server{
		name:         name,
		port:         cfg.Port,
		host:         strings.TrimSpace(cfg.Host),
		logger:       logging.WithComponent(logger, "metrics-server"),
		observer:     cfg.Observer,
		endpoints:    router.NewTable(),
		registry:     registry,
		encoding:     serializer.Options{Indent: cfg.Indent},
		readTimeout:  durationOrDefault(cfg.ReadTimeout, DefaultReadTimeout),
		writeTimeout: durationOrDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		maxBodyBytes: cfg.MaxBodyBytes,
		newRequestID: uuid.NewString,
		listen:       net.Listen,
		state:        StateStopped,
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = DefaultMaxBodyBytes
	}

	info := cfg.Info
	if info == nil {
		info = defaultInfo(name)
	}
	if err := s.registry.Register(InfoMetric, info); err != nil {
		return nil, fmt.Errorf("register info metric: %w", err)
	}
	if err := s.AddEndpoint(MetricsPath, router.MethodGet, s.serveMetrics); err != nil {
		return nil, fmt.Errorf("register metrics endpoint: %w", err)
	}
	return s, nil
}

// Name is the label the metrics document is wrapped under.
func (s *Server) Name() string {
	return s.name
}

// Port is the configured port, which may be zero.
func (s *Server) Port() int {
	return s.port
}

// Registry exposes the metrics namespace served at /metrics.
func (s *Server) Registry() *metrics.Registry {
	return s.registry
}

// Endpoints lists the registered endpoints in match order.
func (s *Server) Endpoints() []router.Endpoint {
	return s.endpoints.Endpoints()
}

// AddEndpoint binds handler to (path, method). Duplicates are accepted but
// only the first registration for a pair is ever served; a warning is logged
// for the shadowed one.
func (s *Server) AddEndpoint(path string, method router.Method, handler router.Handler) error {
	shadowed, err := s.endpoints.Add(path, method, handler)
	if err != nil {
		return err
	}
	if shadowed {
		s.logger.Warn("endpoint shadowed by earlier registration", "path", path, "method", string(method))
	}
	return nil
}

// RegisterMetric stores producer at the slash-delimited path of the metrics
// tree, replacing whatever was registered there.
func (s *Server) RegisterMetric(path string, producer metrics.Producer) error {
	return s.registry.Register(path, producer)
}

// EvaluateMetrics evaluates the whole registry and wraps it under the server
// name, exactly as served by GET /metrics.
func (s *Server) EvaluateMetrics() (*serializer.Map, error) {
	tree, err := s.registry.Evaluate()
	if err != nil {
		return nil, err
	}
	document := serializer.NewMap()
	document.Set(s.name, tree)
	return document, nil
}

func (s *Server) serveMetrics(*router.Request) (any, error) {
	return s.EvaluateMetrics()
}

// defaultInfo is used when the host supplies no introspection producer.
func defaultInfo(name string) metrics.Producer {
	return func() (any, error) {
		info := serializer.NewMap()
		info.Set("serverName", name)
		info.Set("serverTime", time.Now().Format(time.RFC3339))
		return info, nil
	}
}

func (s *Server) bindAddress() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// State is the lifecycle position of a Server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (st State) String() string {
	switch st {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// State reports the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the accept loop is live.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Addr returns the bound listener address while running, nil otherwise.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done returns a channel that is closed when the current accept loop exits,
// whether through Stop or because the listener failed. It is already closed
// when the server is not running.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.done == nil {
		return closedDone
	}
	return s.done
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Start binds the configured address and launches the accept loop. Calling
// Start on a running server does nothing. A bind failure is returned as a
// *BindError and leaves the server stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return nil
	case StateStopping:
		return ErrStopping
	}

	s.state = StateStarting
	addr := s.bindAddress()
	ln, err := s.listen("tcp", addr)
	if err != nil {
		s.state = StateStopped
		return &BindError{Addr: addr, Err: err}
	}

	done := make(chan struct{})
	s.listener = ln
	s.done = done
	s.state = StateRunning
	go s.acceptLoop(ln, done)

	s.logger.Info("metrics server listening", "addr", ln.Addr().String(), "name", s.name)
	return nil
}

// Stop closes the listener, which unblocks the pending Accept, and waits for
// the accept loop to exit. Stopping a server that is not running does
// nothing. If ctx ends first, Stop returns its error while the loop finishes
// its in-flight request in the background.
//
// Stop must not be called from inside a handler.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	ln, done := s.listener, s.done
	closeErr := ln.Close()
	s.mu.Unlock()

	select {
	case <-done:
		s.finishStop(ln)
	case <-ctx.Done():
		go func() {
			<-done
			s.finishStop(ln)
		}()
		return fmt.Errorf("wait for accept loop: %w", ctx.Err())
	}

	if closeErr != nil {
		return fmt.Errorf("close listener: %w", closeErr)
	}
	s.logger.Info("metrics server stopped", "name", s.name)
	return nil
}

func (s *Server) finishStop(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == ln && s.state == StateStopping {
		s.listener = nil
		s.done = nil
		s.state = StateStopped
	}
}
