package features

import (
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/runtime"
)

// ContainerRemover hands containers to the garbage collector
type ContainerRemover interface {
	RemoveContainer(id string, cacheKeys ...string)
}

// Deps are the worker services available to hook constructors
type Deps struct {
	Engine    runtime.Engine
	GC        ContainerRemover
	Artifacts ArtifactStore

	ProxyImage          string
	ProxyPort           int
	LogsDir             string
	ArtifactConcurrency int
}

// Feature registers a hook under a name that task payloads can toggle
type Feature struct {
	Name    string
	Default bool
	New     func(deps Deps) (Hook, error)
}

// Registry holds the features known to the worker, in invocation order. It
// is read-only once built.
type Registry struct {
	features []Feature
	deps     Deps
}

// NewRegistry creates a registry. Feature names must be unique.
func NewRegistry(deps Deps, features ...Feature) (*Registry, error) {
	seen := make(map[string]bool, len(features))
	for _, f := range features {
		if f.Name == "" || f.New == nil {
			return nil, fmt.Errorf("feature %q is incomplete", f.Name)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("feature %q registered twice", f.Name)
		}
		seen[f.Name] = true
	}
	return &Registry{features: features, deps: deps}, nil
}

// Builtin returns the features shipped with the worker
func Builtin() []Feature {
	return []Feature{
		{Name: "proxy", Default: false, New: newProxy},
		{Name: "bulkLog", Default: true, New: newBulkLog},
		{Name: "artifacts", Default: true, New: newArtifacts},
	}
}

// Names lists registered feature names in order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.features))
	for _, f := range r.features {
		names = append(names, f.Name)
	}
	return names
}

// Enabled reports which features a task with the given flags gets. Flags
// absent from the map fall back to the feature default.
func (r *Registry) Enabled(flags map[string]bool) []string {
	var names []string
	for _, f := range r.features {
		enabled, ok := flags[f.Name]
		if !ok {
			enabled = f.Default
		}
		if enabled {
			names = append(names, f.Name)
		}
	}
	return names
}

// Resolve instantiates the enabled hooks for one task run. The returned
// States holds every hook that was constructed, even when err is not nil,
// so the caller can still run Killed on them.
func (r *Registry) Resolve(flags map[string]bool) (*States, error) {
	enabled := make(map[string]bool)
	for _, name := range r.Enabled(flags) {
		enabled[name] = true
	}

	states := &States{}
	var errs []error
	for _, f := range r.features {
		if !enabled[f.Name] {
			continue
		}
		hook, err := f.New(r.deps)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to initialize feature %s: %w", f.Name, err))
			continue
		}
		states.hooks = append(states.hooks, namedHook{name: f.Name, hook: hook})
	}
	return states, errors.Join(errs...)
}
