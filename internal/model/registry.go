package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Source reads model parameter sets by version.
type Source interface {
	Read(version string) ([]byte, error)
	List() ([]string, error)
}

// DirSource reads <dir>/<version>.json files.
type DirSource struct {
	Dir string
}

func (d DirSource) Read(version string) ([]byte, error) {
	if version == "" || strings.ContainsAny(version, `/\`) || strings.Contains(version, "..") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	data, err := os.ReadFile(filepath.Join(d.Dir, version+".json")) // #nosec G304 -- version sanitised above
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	return data, err
}

func (d DirSource) List() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, err
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			versions = append(versions, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(versions)
	return versions, nil
}

type handle struct {
	m Model
}

// Registry holds loaded models and the active one. In-flight predictions
// keep the Model they fetched from Current, so an activation never mixes
// parameters of two versions within one prediction.
type Registry struct {
	source  Source
	logger  *slog.Logger
	mu      sync.Mutex
	loaded  map[string]Model
	current atomic.Pointer[handle]
	onSwap  func(prev, next Model)
}

// NewRegistry creates a registry reading from source. source may be nil when
// models are only added with Add.
func NewRegistry(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{source: source, logger: logger, loaded: make(map[string]Model)}
}

// OnSwap registers a callback fired after each activation.
func (r *Registry) OnSwap(fn func(prev, next Model)) {
	r.mu.Lock()
	r.onSwap = fn
	r.mu.Unlock()
}

// Add registers an already built model without activating it.
func (r *Registry) Add(m Model) {
	r.mu.Lock()
	r.loaded[m.Version()] = m
	r.mu.Unlock()
}

// Load reads and builds version from the source, caching the result.
func (r *Registry) Load(version string) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(version)
}

func (r *Registry) loadLocked(version string) (Model, error) {
	if m, ok := r.loaded[version]; ok {
		return m, nil
	}
	if r.source == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	data, err := r.source.Read(version)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if m.Version() != version {
		return nil, fmt.Errorf("model: file for %s declares version %s", version, m.Version())
	}
	r.loaded[version] = m
	r.logger.Info("model loaded", "version", version, "kind", m.Kind())
	return m, nil
}

// Activate makes version the current model, loading it if needed.
func (r *Registry) Activate(version string) (Model, error) {
	r.mu.Lock()
	m, err := r.loadLocked(version)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	prev := r.current.Swap(&handle{m: m})
	onSwap := r.onSwap
	r.mu.Unlock()

	var prevModel Model
	if prev != nil {
		prevModel = prev.m
	}
	r.logger.Info("model activated", "version", version, "kind", m.Kind())
	if onSwap != nil {
		onSwap(prevModel, m)
	}
	return m, nil
}

// Current returns the active model.
func (r *Registry) Current() (Model, error) {
	h := r.current.Load()
	if h == nil {
		return nil, ErrModelUnavailable
	}
	return h.m, nil
}

// Info describes a model version.
type Info struct {
	Version string `json:"version"`
	Kind    Kind   `json:"kind,omitempty"`
	Schema  string `json:"schema,omitempty"`
	Loaded  bool   `json:"loaded"`
	Active  bool   `json:"active"`
}

// Versions lists loaded versions plus any the source offers.
func (r *Registry) Versions() ([]Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active string
	if h := r.current.Load(); h != nil {
		active = h.m.Version()
	}

	seen := make(map[string]Info)
	for v, m := range r.loaded {
		seen[v] = Info{Version: v, Kind: m.Kind(), Schema: m.Schema(), Loaded: true, Active: v == active}
	}
	if r.source != nil {
		versions, err := r.source.List()
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			if _, ok := seen[v]; !ok {
				seen[v] = Info{Version: v}
			}
		}
	}

	out := make([]Info, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
