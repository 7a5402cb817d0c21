// Package alertsink delivers monitor alerts outside the process: to a NATS
// subject per severity, and to the log.
package alertsink

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/model"
)

var log = logrus.WithField("component", "alertsink")

// DefaultSubjectPrefix is followed by the severity name, e.g.
// pulse.alerts.warning.
const DefaultSubjectPrefix = "pulse.alerts"

// Func matches monitor.AlertCallback.
type Func func(model.RealTimeAlert)

// Fanout calls every non-nil sink in order.
func Fanout(sinks ...Func) Func {
	return func(a model.RealTimeAlert) {
		for _, s := range sinks {
			if s != nil {
				s(a)
			}
		}
	}
}

// Log writes each alert as a structured log line.
func Log(a model.RealTimeAlert) {
	entry := log.WithFields(logrus.Fields{
		"plugin":    a.PluginName,
		"metric":    a.MetricName,
		"current":   a.CurrentValue,
		"threshold": a.ThresholdValue,
	})
	switch a.Severity {
	case model.SeverityError, model.SeverityCritical:
		entry.Errorf("alert: %s", a.Message)
	case model.SeverityWarning:
		entry.Warnf("alert: %s", a.Message)
	default:
		entry.Infof("alert: %s", a.Message)
	}
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config describes the NATS connection.
type Config struct {
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Creds         string `mapstructure:"creds"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Message is the JSON body published for each alert.
type Message struct {
	ID          string              `json:"id"`
	Source      string              `json:"source"`
	PublishedAt int64               `json:"published_at"`
	Alert       model.RealTimeAlert `json:"alert"`
}

// NATS publishes alerts as JSON.
type NATS struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	now    func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{pub: pub, prefix: prefix, now: time.Now}
}

// Connect dials NATS and returns a sink that owns the connection.
func Connect(cfg Config) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("pulse"),
		nats.Timeout(10 * time.Second),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats: reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.Creds != "" {
		opts = append(opts, nats.UserCredentials(cfg.Creds))
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s := NewNATS(nc, cfg.SubjectPrefix)
	s.conn = nc
	return s, nil
}

// Subject is where alerts of the given severity are published.
func (s *NATS) Subject(sev model.AlertSeverity) string {
	return s.prefix + "." + sev.String()
}

// Publish sends one alert.
func (s *NATS) Publish(a model.RealTimeAlert) error {
	data, err := json.Marshal(Message{
		ID:          uuid.NewString(),
		Source:      "pulse",
		PublishedAt: model.EpochMillis(s.now()),
		Alert:       a,
	})
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	if err := s.pub.Publish(s.Subject(a.Severity), data); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("publishing alert: %w", err)
	}
	s.published.Add(1)
	return nil
}

// Handle is a Func that logs publish failures instead of returning them.
func (s *NATS) Handle(a model.RealTimeAlert) {
	if err := s.Publish(a); err != nil {
		log.WithError(err).Warnf("nats: dropping %s alert for %s", a.Severity, a.PluginName)
	}
}

// Counts returns the published and failed totals.
func (s *NATS) Counts() (published, failed uint64) {
	return s.published.Load(), s.failed.Load()
}

// IsConnected is false for sinks built with NewNATS.
func (s *NATS) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains and closes an owned connection.
func (s *NATS) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
