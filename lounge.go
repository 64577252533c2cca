/*
Package lounge – the ODM handle.

A Lounge binds a Store, a Config and a model registry. Models are compiled
once at definition time; the registry is read-only afterwards from the
engine's point of view.
*/
package lounge

import (
	"sync"
	"time"
)

// MetricsCollector receives a record after every store round-trip.
type MetricsCollector interface {
	Add(model, op string, start time.Time, err error)
	Flush() error
}

// MonitorFunc is an optional hook called after each store round-trip.
type MonitorFunc func(model, op string, start time.Time, err error)

// Lounge is the ODM handle.
type Lounge struct {
	store Store
	cfg   *Config
	log   Logger

	mu     sync.RWMutex
	models map[string]*Model

	metrics MetricsCollector
	monitor MonitorFunc
}

// Option configures a Lounge handle.
type Option func(*Lounge)

// WithLogger supplies a Logger (default: built-in at LevelInfo).
func WithLogger(l Logger) Option { return func(lg *Lounge) { lg.log = l } }

// WithLogLevel selects the built-in logger's verbosity.
func WithLogLevel(level Level) Option { return func(lg *Lounge) { lg.log = NewLogger(level) } }

// WithVerboseLogger enables trace/data logging.
func WithVerboseLogger() Option { return func(lg *Lounge) { lg.log = NewLogger(LevelTrace) } }

// WithMetrics installs a metrics collector.
func WithMetrics(mc MetricsCollector) Option { return func(lg *Lounge) { lg.metrics = mc } }

// WithMonitor installs a per-operation monitor hook.
func WithMonitor(fn MonitorFunc) Option { return func(lg *Lounge) { lg.monitor = fn } }

// New creates a Lounge handle. A nil cfg uses DefaultConfig.
func New(store Store, cfg *Config, opts ...Option) (*Lounge, error) {
	if store == nil {
		return nil, NewArgError("missing store")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		c := *cfg
		c.normalize()
		cfg = &c
	}
	l := &Lounge{
		store:  store,
		cfg:    cfg,
		log:    NewLogger(LevelInfo),
		models: map[string]*Model{},
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Config returns the effective configuration.
func (l *Lounge) Config() *Config { return l.cfg }

// Store returns the bound store.
func (l *Lounge) Store() Store { return l.store }

// NewSchema compiles a field map into a Schema.
func (l *Lounge) NewSchema(fields FieldMap, opts *SchemaOptions) (*Schema, error) {
	return NewSchema(fields, opts)
}

// Model compiles and registers a named model for the schema. Duplicate names
// are rejected.
func (l *Lounge) Model(name string, schema *Schema) (*Model, error) {
	if name == "" {
		return nil, NewArgError("missing model name")
	}
	if schema == nil {
		return nil, NewArgError(`missing schema for model "` + name + `"`)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.models[name]; exists {
		return nil, NewArgError(`model "` + name + `" is already defined`)
	}
	m := &Model{
		lounge: l,
		Name:   name,
		schema: schema,
		cfg:    l.cfg,
		store:  l.store,
		log:    l.log,
	}
	l.models[name] = m
	l.log.Trace(`registered model "`+name+`"`, nil)
	return m, nil
}

// GetModel retrieves a registered model by name.
func (l *Lounge) GetModel(name string) (*Model, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.models[name]
	if !ok {
		return nil, NewArgError(`cannot find model "` + name + `"`)
	}
	return m, nil
}

// ListModels returns all registered model names.
func (l *Lounge) ListModels() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.models))
	for k := range l.models {
		names = append(names, k)
	}
	return names
}

// RemoveModel deletes a model from the registry.
func (l *Lounge) RemoveModel(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.models[name]; !ok {
		return NewArgError(`cannot find model "` + name + `"`)
	}
	delete(l.models, name)
	return nil
}

// observe reports one store round-trip to the monitor/metrics sinks.
func (l *Lounge) observe(model, op string, start time.Time, err error) {
	if l.metrics != nil {
		l.metrics.Add(model, op, start, err)
	}
	if l.monitor != nil {
		l.monitor(model, op, start, err)
	}
}
