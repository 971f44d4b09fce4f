// Package loader resolves component names to instances. It knows the
// built-in library, sources stored through the component protocol and graphs
// registered as subgraph components.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/component/core"
	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/network"
	"github.com/basket/flowrt/internal/store"
)

var (
	ErrNotFound      = errors.New("component not found")
	ErrInvalidSource = errors.New("invalid component source")
	ErrRecursive     = errors.New("recursive component")
)

// Source is a component implementation as exchanged with clients.
type Source struct {
	Name     string
	Library  string
	Code     string
	Language string
	Tests    string
}

type Options struct {
	// Store persists sources; nil keeps them in memory only.
	Store  *store.Store
	Logger *slog.Logger
	// LibraryPrefixes are stripped from library names, e.g. "noflo-".
	LibraryPrefixes []string
}

type Loader struct {
	store    *store.Store
	logger   *slog.Logger
	prefixes []string

	mu       sync.RWMutex
	builtins map[string]component.Factory
	sources  map[string]store.Source
	graphs   map[string]*graph.Graph
}

func New(opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:    opts.Store,
		logger:   logger,
		prefixes: opts.LibraryPrefixes,
		builtins: core.Factories(logger),
		sources:  map[string]store.Source{},
		graphs:   map[string]*graph.Graph{},
	}
}

// Register adds a native component under its full name.
func (l *Loader) Register(name string, f component.Factory) {
	l.mu.Lock()
	l.builtins[l.NormalizeName(name)] = f
	l.mu.Unlock()
}

// RegisterGraph makes g loadable as a subgraph component named name.
func (l *Loader) RegisterGraph(name string, g *graph.Graph) {
	l.mu.Lock()
	l.graphs[l.NormalizeName(name)] = g
	l.mu.Unlock()
}

// NormalizeName strips a configured library prefix: "noflo-core/Repeat"
// becomes "core/Repeat".
func (l *Loader) NormalizeName(name string) string {
	library, short, ok := strings.Cut(name, "/")
	if !ok {
		return name
	}
	return l.NormalizeLibrary(library) + "/" + short
}

func (l *Loader) NormalizeLibrary(library string) string {
	for _, p := range l.prefixes {
		if p != "" && strings.HasPrefix(library, p) {
			return strings.TrimPrefix(library, p)
		}
	}
	return library
}

// ListComponents returns every loadable name, sorted.
func (l *Loader) ListComponents(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	l.mu.RLock()
	for name := range l.builtins {
		seen[name] = struct{}{}
	}
	for name := range l.graphs {
		seen[name] = struct{}{}
	}
	for name := range l.sources {
		seen[name] = struct{}{}
	}
	l.mu.RUnlock()
	if l.store != nil {
		stored, err := l.store.ListSources(ctx)
		if err != nil {
			return nil, fmt.Errorf("list components: %w", err)
		}
		for _, src := range stored {
			seen[src.FullName()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Load returns a fresh instance of the named component. A graph component
// that would contain itself, directly or through other graphs, is refused
// with ErrRecursive.
func (l *Loader) Load(ctx context.Context, name string) (component.Component, error) {
	name = l.NormalizeName(name)
	if network.Loading(ctx, name) {
		chain := strings.Join(network.LoadStack(ctx), " -> ")
		return nil, fmt.Errorf("%w: %s -> %s", ErrRecursive, chain, name)
	}
	l.mu.RLock()
	g, isGraph := l.graphs[name]
	factory, isBuiltin := l.builtins[name]
	l.mu.RUnlock()

	switch {
	case isGraph:
		return network.NewSubgraph(network.WithLoading(ctx, name), g, l, l.logger), nil
	case isBuiltin:
		return factory(), nil
	}
	src, err := l.storedSource(ctx, name)
	if err != nil {
		return nil, err
	}
	return l.fromSource(ctx, src)
}

func (l *Loader) fromSource(ctx context.Context, src store.Source) (component.Component, error) {
	switch src.Language {
	case "json", "yaml":
		g, err := parseGraphSource(src)
		if err != nil {
			return nil, err
		}
		return network.NewSubgraph(network.WithLoading(ctx, src.FullName()), g, l, l.logger), nil
	default:
		return sourceComponent{src: src}, nil
	}
}

// GetSource returns the source of a built-in or stored component.
func (l *Loader) GetSource(ctx context.Context, name string) (Source, error) {
	name = l.NormalizeName(name)
	library, short, _ := strings.Cut(name, "/")
	if library == core.Library {
		if code, ok := core.Source(short); ok {
			return Source{Name: short, Library: library, Code: code, Language: "go"}, nil
		}
	}
	src, err := l.storedSource(ctx, name)
	if err != nil {
		return Source{}, err
	}
	return Source{Name: src.Name, Library: src.Library, Code: src.Code, Language: src.Language, Tests: src.Tests}, nil
}

// SetSource stores a component implementation. Graph sources must parse.
func (l *Loader) SetSource(ctx context.Context, src Source) (string, error) {
	if src.Name == "" {
		return "", fmt.Errorf("%w: source needs a name", ErrInvalidSource)
	}
	src.Library = l.NormalizeLibrary(src.Library)
	src.Language = normalizeLanguage(src.Language)
	if src.Language == "" {
		return "", fmt.Errorf("%w: source needs a language", ErrInvalidSource)
	}
	rec := store.Source{Library: src.Library, Name: src.Name, Language: src.Language, Code: src.Code, Tests: src.Tests}
	if rec.Language == "json" || rec.Language == "yaml" {
		if _, err := parseGraphSource(rec); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
	}
	if l.store != nil {
		if err := l.store.PutSource(ctx, rec); err != nil {
			return "", err
		}
	}
	l.mu.Lock()
	l.sources[rec.FullName()] = rec
	l.mu.Unlock()
	l.logger.Info("component source stored", "component", rec.FullName(), "language", rec.Language)
	return rec.FullName(), nil
}

func (l *Loader) storedSource(ctx context.Context, name string) (store.Source, error) {
	l.mu.RLock()
	src, ok := l.sources[name]
	l.mu.RUnlock()
	if ok {
		return src, nil
	}
	if l.store != nil {
		library, short, found := strings.Cut(name, "/")
		if !found {
			library, short = "", name
		}
		src, err := l.store.GetSource(ctx, library, short)
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Source{}, err
		}
	}
	return store.Source{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func parseGraphSource(src store.Source) (*graph.Graph, error) {
	var (
		g   *graph.Graph
		err error
	)
	if src.Language == "yaml" {
		g, err = graph.ParseYAML([]byte(src.Code))
	} else {
		g, err = graph.Parse([]byte(src.Code))
	}
	if err != nil {
		return nil, err
	}
	if g.Name() == "" {
		g.SetProperty("name", src.Name)
	}
	return g, nil
}

func normalizeLanguage(lang string) string {
	switch lang = strings.ToLower(strings.TrimSpace(lang)); lang {
	case "yml":
		return "yaml"
	case "fbp-json":
		return "json"
	default:
		return lang
	}
}

// sourceComponent stands in for stored code the runtime cannot execute. It
// has no ports and fails on every packet.
type sourceComponent struct {
	src store.Source
}

func (c sourceComponent) Description() string {
	return fmt.Sprintf("%s source (not executable)", c.src.Language)
}

func (sourceComponent) Icon() string                   { return "file-code-o" }
func (sourceComponent) InPorts() []component.PortSpec  { return nil }
func (sourceComponent) OutPorts() []component.PortSpec { return nil }

func (c sourceComponent) Handle(context.Context, string, component.IP, component.Emitter) error {
	return fmt.Errorf("component %s: no runtime for %s sources", c.src.FullName(), c.src.Language)
}
