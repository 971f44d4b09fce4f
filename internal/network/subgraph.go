package network

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/graph"
)

// Subgraph is a component backed by a graph. It runs the graph as an inner
// network: packets on its ports go through the graph's exported ports.
type Subgraph struct {
	g      *graph.Graph
	inner  *Network
	ready  chan struct{}
	err    error
	logger *slog.Logger

	mu     sync.Mutex
	detach []func()
}

type loadStackKey struct{}

// WithLoading records name on the chain of components being instantiated.
// The inner network of a subgraph connects with that chain in its context.
func WithLoading(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, loadStackKey{}, append(slices.Clone(LoadStack(ctx)), name))
}

// LoadStack is the chain of component names being instantiated, outermost
// first.
func LoadStack(ctx context.Context) []string {
	stack, _ := ctx.Value(loadStackKey{}).([]string)
	return stack
}

// Loading reports whether name is already being instantiated further up ctx's
// chain.
func Loading(ctx context.Context, name string) bool {
	return slices.Contains(LoadStack(ctx), name)
}

// NewSubgraph connects the inner network in the background; Ready is closed
// when that finishes. ctx carries the load chain; its cancellation does not
// abort the connect.
func NewSubgraph(ctx context.Context, g *graph.Graph, loader Loader, logger *slog.Logger) *Subgraph {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subgraph{
		g:      g,
		inner:  New(g, Options{Loader: loader, Logger: logger}),
		ready:  make(chan struct{}),
		logger: logger,
	}
	connectCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(s.ready)
		if err := s.inner.Connect(connectCtx); err != nil {
			s.err = fmt.Errorf("subgraph %s: %w", g.Name(), err)
			logger.Warn("subgraph connect failed", "graph", g.Name(), "error", err)
		}
	}()
	return s
}

func (s *Subgraph) Ready() <-chan struct{} { return s.ready }

// Err is the connect error, valid once Ready is closed.
func (s *Subgraph) Err() error {
	<-s.ready
	return s.err
}

func (s *Subgraph) Inner() *Network     { return s.inner }
func (s *Subgraph) IsSubgraph() bool    { return true }
func (s *Subgraph) Description() string { return s.g.Property("description") }

func (s *Subgraph) Icon() string {
	if icon := s.g.Property("icon"); icon != "" {
		return icon
	}
	return "sitemap"
}

func (s *Subgraph) InPorts() []component.PortSpec {
	var out []component.PortSpec
	for _, p := range s.g.Inports() {
		spec, ok := s.inner.InportSpec(p.Public)
		if !ok {
			spec = component.PortSpec{Name: p.Public}
		}
		out = append(out, spec)
	}
	return out
}

func (s *Subgraph) OutPorts() []component.PortSpec {
	var out []component.PortSpec
	for _, p := range s.g.Outports() {
		spec, ok := s.inner.OutportSpec(p.Public)
		if !ok {
			spec = component.PortSpec{Name: p.Public}
		}
		out = append(out, spec)
	}
	return out
}

func (s *Subgraph) Start(ctx context.Context, out component.Emitter) error {
	if err := s.Err(); err != nil {
		return err
	}
	var detach []func()
	for _, p := range s.g.Outports() {
		public := p.Public
		d, err := s.inner.TapOutport(public, func(ip component.IP) {
			out.Send(public, ip)
		})
		if err != nil {
			return err
		}
		detach = append(detach, d)
	}
	s.mu.Lock()
	s.detach = append(s.detach, detach...)
	s.mu.Unlock()
	return s.inner.Start(ctx)
}

func (s *Subgraph) Stop(ctx context.Context) error {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	for _, d := range detach {
		d()
	}
	return s.inner.Stop(ctx)
}

func (s *Subgraph) Handle(_ context.Context, port string, ip component.IP, _ component.Emitter) error {
	if err := s.Err(); err != nil {
		return err
	}
	return s.inner.Inject(port, ip)
}
