package tsdb

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Constructor builds a backend from configuration.
type Constructor func(cfg Config) (TimeSeriesDB, error)

const (
	BackendInflux = "influxdb2"
	BackendMock   = "mock"
)

var builtin = map[string]Constructor{
	BackendInflux: func(cfg Config) (TimeSeriesDB, error) { return NewInfluxDB(cfg, nil) },
	BackendMock:   func(cfg Config) (TimeSeriesDB, error) { return NewMemoryDB(cfg), nil },
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a backend under name, replacing any earlier registration
// of the same name. Built-in names cannot be replaced.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New constructs the named backend. An unregistered name is the only error
// reported for a missing backend; constructor errors are passed through.
func New(name string, cfg Config) (TimeSeriesDB, error) {
	if ctor, ok := builtin[name]; ok {
		return ctor(cfg)
	}
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return ctor(cfg)
}

// Backends lists every constructible backend name in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := slices.Collect(maps.Keys(builtin))
	for name := range registry {
		if _, ok := builtin[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
