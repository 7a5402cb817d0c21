package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/pulse/internal/alertsink"
	"github.com/tinytelemetry/pulse/internal/backup"
	"github.com/tinytelemetry/pulse/internal/collector"
	"github.com/tinytelemetry/pulse/internal/ingest"
	"github.com/tinytelemetry/pulse/internal/monitor"
	"github.com/tinytelemetry/pulse/internal/tracker"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

const (
	defaultBindHost          = "127.0.0.1"
	defaultTCPPort           = 4000
	defaultAPIPort           = 3000
	defaultBackend           = tsdb.BackendMock
	defaultRetentionInterval = time.Hour
	defaultLogLevel          = "info"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	APIEnabled        bool          `mapstructure:"api-enabled"`
	APIPort           int           `mapstructure:"api-port"`
	APIAddr           string        `mapstructure:"api-addr"`
	TCPEnabled        bool          `mapstructure:"tcp-enabled"`
	TCPPort           int           `mapstructure:"tcp-port"`
	TCPAddr           string        `mapstructure:"tcp-addr"`
	MaxLineSize       int           `mapstructure:"max-line-size"`
	Backend           string        `mapstructure:"backend"`
	RetentionInterval time.Duration `mapstructure:"retention-interval"`
	LogLevel          string        `mapstructure:"log-level"`
	LogFile           string        `mapstructure:"log-file"`

	TSDB      tsdb.Config         `mapstructure:"tsdb"`
	Collector collector.Config    `mapstructure:"collector"`
	Monitor   monitor.Config      `mapstructure:"monitor"`
	Alerts    tracker.AlertConfig `mapstructure:"alerts"`
	NATS      alertsink.Config    `mapstructure:"nats"`
	Backup    backup.Config       `mapstructure:"backup"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("max-line-size", ingest.DefaultMaxLineSize)
	v.SetDefault("backend", defaultBackend)
	v.SetDefault("retention-interval", defaultRetentionInterval)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("log-file", filepath.Join(home, ".local", "state", "pulse", "pulse.log"))

	// Port stays unset so each backend picks its own default.
	t := tsdb.DefaultConfig()
	v.SetDefault("tsdb.host", t.Host)
	v.SetDefault("tsdb.port", 0)
	v.SetDefault("tsdb.database", t.Database)
	v.SetDefault("tsdb.username", "")
	v.SetDefault("tsdb.password", "")
	v.SetDefault("tsdb.token", "")
	v.SetDefault("tsdb.organization", t.Organization)
	v.SetDefault("tsdb.bucket", t.Bucket)
	v.SetDefault("tsdb.precision", t.Precision)
	v.SetDefault("tsdb.enable_ssl", t.EnableSSL)
	v.SetDefault("tsdb.connection_timeout", t.ConnectionTimeout)
	v.SetDefault("tsdb.query_timeout", t.QueryTimeout)
	v.SetDefault("tsdb.max_batch_size", t.MaxBatchSize)
	v.SetDefault("tsdb.flush_interval", t.FlushInterval)
	v.SetDefault("tsdb.max_retries", t.MaxRetries)
	v.SetDefault("tsdb.retry_delay", t.RetryDelay)
	v.SetDefault("tsdb.path", "")

	c := collector.DefaultConfig()
	v.SetDefault("collector.buffer_size", c.BufferSize)
	v.SetDefault("collector.flush_interval", c.FlushInterval)
	v.SetDefault("collector.sampling_rate", c.SamplingRate)
	v.SetDefault("collector.enable_real_time", c.EnableRealTime)
	v.SetDefault("collector.retention_period", c.RetentionPeriod)
	v.SetDefault("collector.window_size", c.WindowSize)

	m := monitor.DefaultConfig()
	v.SetDefault("monitor.enable_system_monitoring", m.EnableSystemMonitoring)
	v.SetDefault("monitor.enable_capacity_planning", m.EnableCapacityPlanning)
	v.SetDefault("monitor.enable_optimization_analysis", m.EnableOptimizationAnalysis)
	v.SetDefault("monitor.metrics_collection_interval", m.MetricsCollectionInterval)
	v.SetDefault("monitor.capacity_analysis_interval", m.CapacityAnalysisInterval)
	v.SetDefault("monitor.optimization_report_interval", m.OptimizationReportInterval)
	v.SetDefault("monitor.max_historical_data_points", m.MaxHistoricalDataPoints)
	v.SetDefault("monitor.capacity_rps", m.CapacityRPS)
	v.SetDefault("monitor.snapshot_window", m.SnapshotWindow)

	a := tracker.DefaultAlertConfig()
	v.SetDefault("alerts.max_processing_time_ms", a.MaxProcessingTimeMs)
	v.SetDefault("alerts.min_success_rate", a.MinSuccessRate)
	v.SetDefault("alerts.max_error_rate", a.MaxErrorRate)
	v.SetDefault("alerts.min_throughput_rps", a.MinThroughputRPS)
	v.SetDefault("alerts.alert_window", a.AlertWindow)
	v.SetDefault("alerts.alert_cooldown", a.AlertCooldown)
	v.SetDefault("alerts.history_size", a.HistorySize)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.token", "")
	v.SetDefault("nats.creds", "")
	v.SetDefault("nats.subject_prefix", alertsink.DefaultSubjectPrefix)

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.interval", 6*time.Hour)
	v.SetDefault("backup.local_dir", filepath.Join(home, ".local", "share", "pulse", "snapshots"))
	v.SetDefault("backup.keep_last", 24)
}

func newViper(configPath, home string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("PULSE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	setDefaults(v, home)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "pulse", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return v, nil
}

func loadConfig(configPath string) (appConfig, *viper.Viper, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, nil, fmt.Errorf("finding home directory: %w", err)
	}

	v, err := newViper(configPath, home)
	if err != nil {
		return cfg, nil, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, nil, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, statErr := os.Stat(cfg.ConfigPath); statErr != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.validate(); err != nil {
		return cfg, nil, err
	}

	cfg.TSDB.Path = expandHome(cfg.TSDB.Path, home)
	cfg.Backup.LocalDir = expandHome(cfg.Backup.LocalDir, home)
	cfg.LogFile = expandHome(cfg.LogFile, home)

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}

	return cfg, v, nil
}

func (cfg appConfig) validate() error {
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.TSDB.Port < 0 || cfg.TSDB.Port > 65535 {
		return fmt.Errorf("invalid tsdb.port: %d", cfg.TSDB.Port)
	}
	if cfg.Collector.SamplingRate < 0 || cfg.Collector.SamplingRate > 1 {
		return fmt.Errorf("invalid collector.sampling_rate: %v", cfg.Collector.SamplingRate)
	}
	if cfg.Alerts.MinSuccessRate < 0 || cfg.Alerts.MinSuccessRate > 1 {
		return fmt.Errorf("invalid alerts.min_success_rate: %v", cfg.Alerts.MinSuccessRate)
	}
	if !slices.Contains(tsdb.Backends(), cfg.Backend) {
		return fmt.Errorf("unknown backend %q (available: %s)", cfg.Backend, strings.Join(tsdb.Backends(), ", "))
	}
	return nil
}

// expandHome expands a leading ~/ in path.
func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// dumpConfig writes the effective settings as YAML. Durations are written
// in their string form so the output can be read back as a config file.
func dumpConfig(w io.Writer, v *viper.Viper) error {
	out, err := yaml.Marshal(printable(v.AllSettings()))
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func printable(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, val := range settings {
		switch t := val.(type) {
		case map[string]any:
			out[k] = printable(t)
		case time.Duration:
			out[k] = t.String()
		default:
			out[k] = val
		}
	}
	return out
}
