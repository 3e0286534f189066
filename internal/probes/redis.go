package probes

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"megacity-metro/internal/serializer"
)

// RedisConfig configures a Redis probe connection.
type RedisConfig struct {
	Addr        string
	Addrs       []string
	Username    string
	Password    string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// RedisClient is the subset of redis.UniversalClient used by the probe.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Info(ctx context.Context, section ...string) *redis.StringCmd
}

// infoFields maps INFO fields to the report keys they are published under.
var infoFields = []struct {
	field string
	key   string
}{
	{"redis_version", "version"},
	{"uptime_in_seconds", "uptime_seconds"},
	{"connected_clients", "connected_clients"},
	{"used_memory", "used_memory_bytes"},
}

// Redis checks a Redis deployment with PING and INFO.
type Redis struct {
	client RedisClient
	now    func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(client RedisClient) *Redis {
	return &Redis{client: client, now: time.Now}
}

// DialRedis builds a universal client from cfg. The returned close function
// releases the client's pool.
func DialRedis(cfg RedisConfig) (*Redis, func() error, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, nil, errors.New("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       addrs,
		Username:    strings.TrimSpace(cfg.Username),
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		MaxRetries:  1,
	})
	return NewRedis(client), client.Close, nil
}

// Check pings the server and, when reachable, reports selected INFO fields.
func (r *Redis) Check(ctx context.Context) *serializer.Map {
	start := r.now()
	err := r.client.Ping(ctx).Err()
	report := newReport(wrapRedis("ping", err), r.now().Sub(start))
	if err != nil {
		return report
	}

	raw, err := r.client.Info(ctx, "server", "clients", "memory").Result()
	if err != nil {
		report.Set("status", StatusDegraded)
		report.Set("error", wrapRedis("info", err).Error())
		return report
	}
	fields := parseInfo(raw)
	for _, f := range infoFields {
		value, ok := fields[f.field]
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			report.Set(f.key, n)
		} else {
			report.Set(f.key, value)
		}
	}
	return report
}

func wrapRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

// parseInfo reads the "field:value" lines of an INFO reply.
func parseInfo(raw string) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[key] = value
	}
	return fields
}
