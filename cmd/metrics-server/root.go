package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"megacity-metro/internal/config"
	"megacity-metro/internal/observability/logging"
)

// flagKeys maps command-line flags to their configuration keys.
var flagKeys = map[string]string{
	"enabled":        "enabled",
	"host":           "host",
	"port":           "port",
	"name":           "name",
	"project":        "project",
	"version":        "version",
	"engine-version": "engine_version",
	"indent":         "indent",
	"gpu-name":       "gpu.name",
	"gpu-memory":     "gpu.memory",
	"gpu-version":    "gpu.version",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"redis-addr":     "redis.addr",
	"redis-password": "redis.password",
	"postgres-dsn":   "postgres.dsn",
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:          "metrics-server",
		Short:        "Serve host and dependency metrics over HTTP",
		Long:         "metrics-server exposes a JSON metrics document at /metrics, request statistics in the Prometheus text format at /metrics/prometheus and a liveness probe at /healthz.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			logger := logging.Init(logging.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Writer: cmd.ErrOrStderr(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default ./config.yaml when present)")
	flags.Bool("enabled", true, "start the metrics server; when false the process exits immediately")
	flags.String("host", "", "interface to listen on (all interfaces when empty)")
	flags.IntP("port", "p", 8080, "port to listen on")
	flags.String("name", "Megacity", "name the metrics document is wrapped under")
	flags.String("project", "megacity-metro", "project reported in the info metric")
	flags.String("version", "dev", "build version reported in the info metric")
	flags.String("engine-version", "", "engine version reported in the info metric")
	flags.String("indent", "", "indent JSON responses with this string")
	flags.String("gpu-name", "", "GPU model reported in the info metric")
	flags.Int("gpu-memory", 0, "GPU memory in MB reported in the info metric")
	flags.String("gpu-version", "", "GPU driver version reported in the info metric")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("redis-addr", "", "Redis address to probe under dependencies/redis")
	flags.String("redis-password", "", "Redis password")
	flags.String("postgres-dsn", "", "Postgres DSN to probe under dependencies/postgres")

	flags.VisitAll(func(flag *pflag.Flag) {
		if key, ok := flagKeys[flag.Name]; ok {
			_ = v.BindPFlag(key, flag)
		}
	})
	return cmd
}
