// Package hostinfo gathers the host and build facts published under the
// built-in "info" metric.
package hostinfo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"megacity-metro/internal/metrics"
	"megacity-metro/internal/serializer"
)

// Unknown is reported for facts the host would not disclose.
const Unknown = "unknown"

const bytesPerMegabyte = 1024 * 1024

// Config carries the facts that come from configuration rather than the
// operating system. GPU details are declared because they cannot be probed
// portably.
type Config struct {
	Project       string
	ServerName    string
	Version       string
	EngineVersion string
	GPUName       string
	GPUMemory     int
	GPUVersion    string
	Logger        *slog.Logger
}

type source struct {
	cpuInfo       func(context.Context) ([]cpu.InfoStat, error)
	cpuCounts     func(context.Context, bool) (int, error)
	virtualMemory func(context.Context) (*mem.VirtualMemoryStat, error)
	hostInfo      func(context.Context) (*host.InfoStat, error)
}

func systemSource() source {
	return source{
		cpuInfo:       cpu.InfoWithContext,
		cpuCounts:     cpu.CountsWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		hostInfo:      host.InfoWithContext,
	}
}

type hardware struct {
	cpuName   string
	cpuCores  int
	ramMB     uint64
	os        string
	platform  string
	collected bool
}

// Collector produces the info mapping. Hardware facts are probed once and
// cached; serverTime is taken on every call.
type Collector struct {
	cfg    Config
	src    source
	now    func() time.Time
	logger *slog.Logger
	title  cases.Caser

	mu       sync.Mutex
	hardware hardware
}

// New returns a Collector reading the local machine.
func New(cfg Config) *Collector {
	return newCollector(cfg, systemSource(), time.Now)
}

func newCollector(cfg Config, src source, now func() time.Time) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:    cfg,
		src:    src,
		now:    now,
		logger: logger,
		title:  cases.Title(language.English),
	}
}

// Collect returns the info mapping in a stable key order.
func (c *Collector) Collect(ctx context.Context) *serializer.Map {
	hw := c.probe(ctx)

	info := serializer.NewMap()
	info.Set("project", c.cfg.Project)
	info.Set("serverName", c.cfg.ServerName)
	info.Set("cpuName", hw.cpuName)
	info.Set("cpuCores", hw.cpuCores)
	info.Set("ramAmount", hw.ramMB)
	info.Set("gpuName", orUnknown(c.cfg.GPUName))
	info.Set("gpuMemory", c.cfg.GPUMemory)
	info.Set("gpuVersion", orUnknown(c.cfg.GPUVersion))
	info.Set("os", hw.os)
	info.Set("unityVersion", orUnknown(c.cfg.EngineVersion))
	info.Set("version", c.cfg.Version)
	info.Set("platform", hw.platform)
	info.Set("serverTime", c.now().Format(time.RFC3339))
	return info
}

// Producer exposes Collect as a metrics producer.
func (c *Collector) Producer() metrics.Producer {
	return func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.Collect(ctx), nil
	}
}

func (c *Collector) probe(ctx context.Context) hardware {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hardware.collected {
		return c.hardware
	}

	hw := hardware{cpuName: Unknown, os: Unknown, platform: Unknown, collected: true}

	if infos, err := c.src.cpuInfo(ctx); err != nil {
		c.logger.Warn("read cpu info", "error", err)
	} else if len(infos) > 0 && strings.TrimSpace(infos[0].ModelName) != "" {
		hw.cpuName = strings.TrimSpace(infos[0].ModelName)
	}

	if cores, err := c.src.cpuCounts(ctx, true); err != nil {
		c.logger.Warn("count cpu cores", "error", err)
	} else {
		hw.cpuCores = cores
	}

	if vm, err := c.src.virtualMemory(ctx); err != nil {
		c.logger.Warn("read memory size", "error", err)
	} else if vm != nil {
		hw.ramMB = vm.Total / bytesPerMegabyte
	}

	if hi, err := c.src.hostInfo(ctx); err != nil {
		c.logger.Warn("read host info", "error", err)
	} else if hi != nil {
		hw.os = c.describeOS(hi)
		hw.platform = c.describePlatform(hi)
	}

	c.hardware = hw
	return hw
}

func (c *Collector) describeOS(hi *host.InfoStat) string {
	name := strings.TrimSpace(hi.Platform)
	if name == "" {
		name = strings.TrimSpace(hi.OS)
	}
	if name == "" {
		return Unknown
	}
	name = c.title.String(name)
	if version := strings.TrimSpace(hi.PlatformVersion); version != "" {
		name = fmt.Sprintf("%s %s", name, version)
	}
	return name
}

func (c *Collector) describePlatform(hi *host.InfoStat) string {
	osName := strings.TrimSpace(hi.OS)
	if osName == "" {
		return Unknown
	}
	platform := c.title.String(osName)
	if arch := strings.TrimSpace(hi.KernelArch); arch != "" {
		platform += "/" + arch
	}
	return platform
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return Unknown
	}
	return value
}
