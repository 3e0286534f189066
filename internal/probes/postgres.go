package probes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"megacity-metro/internal/serializer"
)

// PoolStats is the subset of *pgxpool.Stat reported by the probe.
type PoolStats interface {
	TotalConns() int32
	IdleConns() int32
	AcquiredConns() int32
	MaxConns() int32
}

// Pool is the subset of *pgxpool.Pool used by the probe.
type Pool interface {
	Ping(ctx context.Context) error
}

// Postgres checks a pgx connection pool.
type Postgres struct {
	pool  Pool
	stats func() PoolStats
	now   func() time.Time
}

// NewPostgres wraps an existing pool. A nil pool is reported as degraded.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	if pool == nil {
		return &Postgres{now: time.Now}
	}
	return &Postgres{
		pool:  pool,
		stats: func() PoolStats { return pool.Stat() },
		now:   time.Now,
	}
}

// DialPostgres opens a pool for dsn. Connections are established lazily, so
// an unreachable database surfaces in Check rather than here.
func DialPostgres(ctx context.Context, dsn string) (*Postgres, func(), error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return NewPostgres(pool), pool.Close, nil
}

// Check pings the database and reports pool occupancy.
func (p *Postgres) Check(ctx context.Context) *serializer.Map {
	start := p.now()
	var err error
	if p.pool == nil {
		err = errors.New("postgres pool not configured")
	} else if err = p.pool.Ping(ctx); err != nil {
		err = fmt.Errorf("postgres ping: %w", err)
	}
	report := newReport(err, p.now().Sub(start))

	if p.stats != nil {
		if stat := p.stats(); stat != nil {
			pool := serializer.NewMap()
			pool.Set("total", stat.TotalConns())
			pool.Set("idle", stat.IdleConns())
			pool.Set("acquired", stat.AcquiredConns())
			pool.Set("max", stat.MaxConns())
			report.Set("pool", pool)
		}
	}
	return report
}
