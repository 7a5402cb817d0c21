package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/pulse/internal/alertsink"
	"github.com/tinytelemetry/pulse/internal/backup"
	"github.com/tinytelemetry/pulse/internal/collector"
	"github.com/tinytelemetry/pulse/internal/duckdb"
	"github.com/tinytelemetry/pulse/internal/httpserver"
	"github.com/tinytelemetry/pulse/internal/ingest"
	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/monitor"
	"github.com/tinytelemetry/pulse/internal/selfmetrics"
	"github.com/tinytelemetry/pulse/internal/sysres"
	"github.com/tinytelemetry/pulse/internal/tracker"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

var log = logrus.WithField("component", "pulse")

// runServer wires the pipeline and blocks until a signal arrives.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger(cfg)
	defer cleanupLogger()

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.start(); err != nil {
		return err
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(p.cfg, p.db.Status())

	if err := p.run(ctx); err != nil {
		log.WithError(err).Error("server: errgroup exited with error")
	}

	signal.Stop(sigCh)
	return nil
}

// pipeline owns every long-lived component of a running instance.
type pipeline struct {
	cfg       appConfig
	db        tsdb.TimeSeriesDB
	col       *collector.Collector
	trk       *tracker.Tracker
	mon       *monitor.Monitor
	ingest    *ingest.Server
	processor *ingest.Processor
	api       *httpserver.Server

	// closers run in reverse order on close.
	closers []func()
}

// newPipeline connects the backend and builds the components. Nothing
// accepts traffic until start.
func newPipeline(cfg appConfig) (*pipeline, error) {
	p := &pipeline{cfg: cfg}
	built := false
	defer func() {
		if !built {
			p.close()
		}
	}()

	var err error
	p.db, err = tsdb.New(cfg.Backend, cfg.TSDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Backend, err)
	}
	p.onClose(func() { _ = p.db.Close() })

	timeout := p.db.Config().ConnectionTimeout
	if timeout <= 0 {
		timeout = tsdb.DefaultConfig().ConnectionTimeout
	}
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), timeout)
	err = p.db.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s backend: %w", cfg.Backend, err)
	}

	p.col = collector.New(p.db, cfg.Collector)
	p.col.Start()
	p.onClose(p.col.Stop)

	p.trk = tracker.New(p.col)
	p.trk.SetAlertConfig(cfg.Alerts)

	p.mon = monitor.New(p.col, p.trk, sysres.New(), cfg.Monitor)

	sources := selfmetrics.Sources{Collector: p.col, Backend: p.db, Monitor: p.mon}

	// Alerts always reach the log; NATS is optional.
	sinks := []alertsink.Func{alertsink.Log}
	if cfg.NATS.URL != "" {
		natsSink, natsErr := alertsink.Connect(cfg.NATS)
		if natsErr != nil {
			log.WithError(natsErr).Warn("nats: alert publishing disabled")
		} else {
			p.onClose(natsSink.Close)
			sinks = append(sinks, natsSink.Handle)
			sources.Alerts = natsSink
		}
	}
	p.mon.RegisterAlertCallback(monitor.AlertCallback(alertsink.Fanout(sinks...)))

	if pruner, ok := p.db.(model.Pruner); ok {
		retentionCleaner := duckdb.NewRetentionCleaner(pruner, duckdb.RetentionConfig{
			Retention: p.col.Config().RetentionPeriod,
			Interval:  cfg.RetentionInterval,
		})
		if retentionCleaner != nil {
			p.onClose(retentionCleaner.Stop)
		}
	}

	// Snapshots only apply to the embedded backend.
	if embedded, ok := p.db.(*duckdb.Backend); ok && cfg.Backup.Enabled {
		backupManager, backupErr := backup.NewManager(embedded.Store(), cfg.Backup)
		if backupErr != nil {
			return nil, fmt.Errorf("failed to initialize snapshots: %w", backupErr)
		}
		if backupManager != nil {
			p.onClose(backupManager.Stop)
		}
	} else if cfg.Backup.Enabled {
		log.Warnf("backup: snapshots need the %s backend, %s is in use", duckdb.BackendName, cfg.Backend)
		p.cfg.Backup.Enabled = false
	}

	if cfg.TCPEnabled {
		p.ingest = ingest.NewServer(cfg.TCPAddr, ingest.ServerConfig{MaxLineSize: cfg.MaxLineSize})
		p.processor = ingest.NewProcessor(p.trk, p.col)
		sources.Ingest = p.processor
	}

	p.api = httpserver.NewServer(cfg.APIAddr, httpserver.Sources{
		Collector: p.col,
		Tracker:   p.trk,
		Monitor:   p.mon,
		Backend:   p.db,
		Metrics:   selfmetrics.Handler(selfmetrics.NewRegistry(sources)),
	})
	built = true
	return p, nil
}

func (p *pipeline) onClose(fn func()) {
	p.closers = append(p.closers, fn)
}

// start opens the listeners and starts the monitor.
func (p *pipeline) start() error {
	if p.ingest != nil {
		if err := p.ingest.Start(); err != nil {
			return fmt.Errorf("failed to start TCP ingest: %w", err)
		}
		p.cfg.TCPAddr = p.ingest.Addr()
		p.onClose(func() { _ = p.ingest.Stop() })
	}

	p.mon.Start()
	p.onClose(p.mon.Stop)

	if p.cfg.APIEnabled {
		if err := p.api.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		p.onClose(func() { _ = p.api.Stop() })
	}
	return nil
}

// run feeds ingested documents to the processor until ctx is done, then
// stops the ingest listener.
func (p *pipeline) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if p.processor != nil {
		g.Go(func() error {
			p.processor.Run(gctx, p.ingest.Documents())
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if p.ingest != nil {
			return p.ingest.Stop()
		}
		return nil
	})

	err := g.Wait()
	if p.processor != nil {
		c := p.processor.Counts()
		log.Infof("server: shutting down (events=%d metrics=%d malformed=%d)", c.Events, c.Metrics, c.Malformed)
	}
	return err
}

func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// configureRuntimeLogger points logrus at the configured log file, falling
// back to stderr. "-" selects stderr explicitly.
func configureRuntimeLogger(cfg appConfig) func() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.LogFile == "" || cfg.LogFile == "-" {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	logrus.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, status tsdb.Status) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╦ ╦╦  ╔═╗╔═╗
    ╠═╝║ ║║  ╚═╗║╣
    ╩  ╚═╝╩═╝╚═╝╚═╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Gateway
	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")

	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
		lines = append(lines, fmt.Sprintf("    %s  Prometheus     %s", check, cyan.Render(cfg.APIAddr+"/metrics")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}

	if cfg.TCPEnabled {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", check, cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  TCP Ingest     %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	// Storage
	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")

	backendState := check
	if !status.Connected {
		backendState = red.Render("●")
	}
	lines = append(lines, fmt.Sprintf("    %s  Backend        %s %s", backendState, cyan.Render(cfg.Backend), dim.Render(backendLocation(cfg))))
	if cfg.Backup.Enabled {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(shortenPath(cfg.Backup.LocalDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}
	if cfg.Collector.RetentionPeriod > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Retention      %s", check, dim.Render(cfg.Collector.RetentionPeriod.String())))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Retention      %s", dot, dim.Render("default")))
	}
	lines = append(lines, "")

	// Alerts
	lines = append(lines, bold.Render("    Alerts"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Log            %s", check, dim.Render(shortenPath(logDestination(cfg)))))
	if cfg.NATS.URL != "" {
		lines = append(lines, fmt.Sprintf("    %s  NATS           %s", check, cyan.Render(cfg.NATS.URL)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  NATS           %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func backendLocation(cfg appConfig) string {
	switch cfg.Backend {
	case tsdb.BackendMock:
		return "in-memory"
	case duckdb.BackendName:
		if cfg.TSDB.Path == "" {
			return "in-memory"
		}
		return shortenPath(cfg.TSDB.Path)
	}
	if cfg.TSDB.Port == 0 {
		return cfg.TSDB.Host
	}
	return net.JoinHostPort(cfg.TSDB.Host, strconv.Itoa(cfg.TSDB.Port))
}

func logDestination(cfg appConfig) string {
	if cfg.LogFile == "" || cfg.LogFile == "-" {
		return "stderr"
	}
	return cfg.LogFile
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
