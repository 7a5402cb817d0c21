package tsdb

import (
	"fmt"
	"time"
)

// Config holds connection and batching settings shared by all backends.
// Backends ignore the fields they have no use for.
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Database          string        `mapstructure:"database"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Token             string        `mapstructure:"token"`
	Organization      string        `mapstructure:"organization"`
	Bucket            string        `mapstructure:"bucket"`
	Precision         string        `mapstructure:"precision"`
	EnableSSL         bool          `mapstructure:"enable_ssl"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`

	// Path is the on-disk location for embedded backends. Empty means
	// in-memory.
	Path string `mapstructure:"path"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              8086,
		Database:          "pulse_metrics",
		Organization:      "pulse",
		Bucket:            "prettification",
		Precision:         "ns",
		ConnectionTimeout: 30 * time.Second,
		QueryTimeout:      60 * time.Second,
		MaxBatchSize:      1000,
		FlushInterval:     time.Second,
		MaxRetries:        3,
		RetryDelay:        5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.Organization == "" {
		c.Organization = d.Organization
	}
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.Precision == "" {
		c.Precision = d.Precision
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// BaseURL returns the server URL derived from host, port and SSL flag.
func (c Config) BaseURL() string {
	scheme := "http"
	if c.EnableSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}
