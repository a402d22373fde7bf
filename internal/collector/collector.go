// Package collector implements the collector registry: a name-to-factory
// map, each named entry instantiated on demand and driven through an
// init/collect/deinit lifecycle.
//
// Grounded on pkg/snmpcollector/poller's pluggable-poller-by-type pattern
// (a map of constructors keyed by a config-declared type string) and on
// original_source's CollectorRegistry (include/collector/collector_type.h,
// src/collector/collector_registry.cpp), which installs factories at
// program start and hands out ready-to-call instances or a "not found"/
// "init failed" error.
package collector

import (
	"fmt"
	"sync"

	"github.com/nowzycc/lensagent/internal/config"
	"github.com/nowzycc/lensagent/internal/model"
)

// InitConfig is what the orchestrator passes to Instance.Init: the loaded
// configuration plus the name of this collector's own section, letting
// each collector decode its own opaque fields with config.DecodeSection.
type InitConfig struct {
	Cfg     *config.Config
	Section string
}

// Instance is one running collector. Collect is called once per job per
// sampling tick; Init is called exactly once before the first Collect;
// Deinit is infallible and idempotent.
type Instance interface {
	// Init prepares the instance using its opaque, collector-specific
	// configuration. Called at most once.
	Init(config any) error
	// Collect samples job and returns a collector-specific payload.
	Collect(job model.Job) (any, error)
	// Deinit releases resources. Infallible, idempotent.
	Deinit()
}

// Factory constructs a new, un-initialized Instance.
type Factory func() Instance

// Registry maps collector type names to factories and tracks the
// ref-counted instances created from them.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]*refInstance
}

type refInstance struct {
	inst Instance
	refs int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]*refInstance),
	}
}

// Register installs a factory under typeName. Installing a second factory
// under the same name replaces the first — the registry does not police
// duplicate registration, matching the teacher's static-initialization
// convention where the last import wins.
func (r *Registry) Register(typeName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = f
}

// Create returns the shared instance for name, initializing it from the
// typeName factory with config on first use. Subsequent calls for the same
// name return the same instance and bump its reference count; Release
// decrements it and calls Deinit once the count reaches zero.
//
// The cache is keyed by name, not typeName: two differently-named
// collectors that share a type (e.g. two "proc"-type collectors with
// different sampling frequencies) get independent instances, each
// Init-ed with its own config, exactly one instance per name while any
// job references it.
func (r *Registry) Create(name, typeName string, config any) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ri, ok := r.instances[name]; ok {
		ri.refs++
		return ri.inst, nil
	}

	f, ok := r.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("collector: no factory registered for type %q", typeName)
	}
	inst := f()
	if err := inst.Init(config); err != nil {
		return nil, fmt.Errorf("collector: init %q (type %q): %w", name, typeName, err)
	}
	r.instances[name] = &refInstance{inst: inst, refs: 1}
	return inst, nil
}

// Release decrements name's reference count and, once it reaches zero,
// calls Deinit and drops the instance so a future Create starts fresh.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ri, ok := r.instances[name]
	if !ok {
		return
	}
	ri.refs--
	if ri.refs <= 0 {
		ri.inst.Deinit()
		delete(r.instances, name)
	}
}
