package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/basket/flowrt/internal/bus"
	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/loader"
)

// listConcurrency bounds how many components component:list loads at once.
const listConcurrency = 8

type componentProtocol struct {
	rt *Runtime
}

func newComponentProtocol(rt *Runtime) *componentProtocol {
	return &componentProtocol{rt: rt}
}

type (
	getSourceRequest struct {
		Name string `json:"name" validate:"required"`
	}
	sourceRequest struct {
		Name     string `json:"name" validate:"required"`
		Library  string `json:"library"`
		Language string `json:"language"`
		Code     string `json:"code" validate:"required"`
		Tests    string `json:"tests"`
	}
)

type (
	portDef struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		Schema      string `json:"schema,omitempty"`
		Required    bool   `json:"required"`
		Addressable bool   `json:"addressable"`
		Description string `json:"description"`
		Values      []any  `json:"values,omitempty"`
		Default     any    `json:"default,omitempty"`
	}
	componentPayload struct {
		Name        string    `json:"name"`
		Description string    `json:"description"`
		Subgraph    bool      `json:"subgraph"`
		Icon        string    `json:"icon"`
		InPorts     []portDef `json:"inPorts"`
		OutPorts    []portDef `json:"outPorts"`
	}
	sourcePayload struct {
		Name     string `json:"name"`
		Library  string `json:"library"`
		Code     string `json:"code"`
		Language string `json:"language"`
		Tests    string `json:"tests,omitempty"`
	}
)

func (p *componentProtocol) receive(ctx context.Context, topic string, raw json.RawMessage, conn Conn) error {
	switch topic {
	case "list":
		return p.list(ctx, conn)
	case "getsource":
		var req getSourceRequest
		if err := decodeRequest("component:getsource", raw, &req); err != nil {
			return err
		}
		return p.getSource(ctx, req.Name, conn)
	case "source":
		var req sourceRequest
		if err := decodeRequest("component:source", raw, &req); err != nil {
			return err
		}
		return p.setSource(ctx, req, conn)
	}
	return errorf(KindUnsupported, "component:%s not supported", topic)
}

// list announces every loadable component, then componentsready with the
// number of components processed. A component that fails to load gets an
// error message of its own.
func (p *componentProtocol) list(ctx context.Context, conn Conn) error {
	names, err := p.rt.loader.ListComponents(ctx)
	if err != nil {
		return wrap(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for _, name := range names {
		g.Go(func() error {
			if err := p.processComponent(gctx, name, conn); err != nil {
				p.rt.replyError(gctx, conn, "component", wrap(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	p.rt.send(conn, "component", "componentsready", len(names))
	return nil
}

// processComponent loads name and announces it to conn, or to every client
// when conn is nil.
func (p *componentProtocol) processComponent(ctx context.Context, name string, conn Conn) error {
	c, err := p.rt.loader.Load(ctx, name)
	if err != nil {
		return err
	}
	if r, ok := c.(component.Readier); ok {
		select {
		case <-r.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f, ok := c.(interface{ Err() error }); ok {
		if err := f.Err(); err != nil {
			return err
		}
	}
	p.rt.sendOrBroadcast(conn, "component", "component", describe(name, c))
	return nil
}

func describe(name string, c component.Component) componentPayload {
	icon := c.Icon()
	if icon == "" {
		icon = "gear"
	}
	return componentPayload{
		Name:        name,
		Description: c.Description(),
		Subgraph:    component.IsSubgraph(c),
		Icon:        icon,
		InPorts:     portDefs(c.InPorts()),
		OutPorts:    portDefs(c.OutPorts()),
	}
}

func portDefs(specs []component.PortSpec) []portDef {
	out := make([]portDef, 0, len(specs))
	for _, s := range specs {
		if !s.Attachable() {
			continue
		}
		out = append(out, portDef{
			ID:          s.Name,
			Type:        s.Type(),
			Schema:      s.Schema,
			Required:    s.Required,
			Addressable: s.Addressable,
			Description: s.Description,
			Values:      s.Values,
			Default:     s.Default,
		})
	}
	return out
}

// getSource replies with the implementation of name. Graphs known only to
// the graph registry are returned as JSON.
func (p *componentProtocol) getSource(ctx context.Context, name string, conn Conn) error {
	src, err := p.rt.loader.GetSource(ctx, name)
	if err == nil {
		p.rt.send(conn, "component", "source", sourcePayload{
			Name:     src.Name,
			Library:  src.Library,
			Code:     src.Code,
			Language: src.Language,
			Tests:    src.Tests,
		})
		return nil
	}
	if !errors.Is(err, loader.ErrNotFound) {
		return err
	}
	g, ok := p.rt.graph.byName(name)
	if !ok {
		return err
	}
	code, merr := json.Marshal(g)
	if merr != nil {
		return wrap(merr)
	}
	library, short := parseName(name)
	p.rt.send(conn, "component", "source", sourcePayload{
		Name:     short,
		Library:  library,
		Code:     string(code),
		Language: "json",
	})
	return nil
}

func (p *componentProtocol) setSource(ctx context.Context, req sourceRequest, conn Conn) error {
	full, err := p.rt.loader.SetSource(ctx, loader.Source{
		Name:     req.Name,
		Library:  req.Library,
		Code:     req.Code,
		Language: req.Language,
		Tests:    req.Tests,
	})
	if err != nil {
		return err
	}
	library, _ := parseName(full)
	p.rt.publish(bus.TopicComponentUpdated, bus.ComponentUpdated{
		Name:     req.Name,
		Library:  library,
		Code:     req.Code,
		Tests:    req.Tests,
		Language: req.Language,
	})
	return p.processComponent(ctx, full, conn)
}

// announceEvents are the graph changes that alter a subgraph component's
// ports or contents.
var announceEvents = map[graph.EventType]bool{
	graph.EventAddNode:       true,
	graph.EventRemoveNode:    true,
	graph.EventRenameNode:    true,
	graph.EventAddEdge:       true,
	graph.EventRemoveEdge:    true,
	graph.EventAddInitial:    true,
	graph.EventRemoveInitial: true,
	graph.EventAddInport:     true,
	graph.EventRemoveInport:  true,
	graph.EventRenameInport:  true,
	graph.EventAddOutport:    true,
	graph.EventRemoveOutport: true,
	graph.EventRenameOutport: true,
}

// registerGraph makes g loadable as component name and re-announces it,
// debounced, whenever it changes. The returned func stops following g.
func (p *componentProtocol) registerGraph(name string, g *graph.Graph, conn Conn) func() {
	p.rt.loader.RegisterGraph(name, g)
	d := p.rt.debounce(func() {
		if err := p.processComponent(context.Background(), name, conn); err != nil {
			p.rt.logger.Warn("subgraph announce failed", "component", name, "error", err)
		}
	})
	detach := g.Observe(graph.ObserverFunc(func(_ *graph.Graph, ev graph.Event) {
		if announceEvents[ev.Type] {
			d.Trigger()
		}
	}))
	d.Trigger()
	return func() {
		detach()
		d.Stop()
	}
}

// parseName splits "library/name"; names without a slash have no library.
func parseName(full string) (library, name string) {
	library, name, ok := strings.Cut(full, "/")
	if !ok {
		return "", full
	}
	return library, name
}
