package protocol

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/basket/flowrt/internal/bus"
	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/network"
)

// Mutator applies graph commands. A bare graph only changes its model; a
// network also updates its running processes.
type Mutator interface {
	AddNode(id, component string, metadata map[string]any) error
	RemoveNode(id string) error
	RenameNode(from, to string) error
	SetNodeMetadata(id string, metadata map[string]any) error
	AddEdge(from, to graph.Endpoint, metadata map[string]any) error
	RemoveEdge(from, to graph.Endpoint) error
	SetEdgeMetadata(from, to graph.Endpoint, metadata map[string]any) error
	AddInitial(data any, to graph.Endpoint, metadata map[string]any) error
	RemoveInitial(to graph.Endpoint) error
	AddInport(public, node, port string, metadata map[string]any) error
	RemoveInport(public string) error
	RenameInport(from, to string) error
	AddOutport(public, node, port string, metadata map[string]any) error
	RemoveOutport(public string) error
	RenameOutport(from, to string) error
	AddGroup(name string, nodes []string, metadata map[string]any) error
	RemoveGroup(name string) error
	RenameGroup(from, to string) error
	SetGroupMetadata(name string, metadata map[string]any) error
}

var (
	_ Mutator = (*graph.Graph)(nil)
	_ Mutator = (*network.Network)(nil)
)

type graphEntry struct {
	graph    *graph.Graph
	fullName string
	detach   func()
}

type graphProtocol struct {
	rt *Runtime

	mu     sync.RWMutex
	graphs map[string]*graphEntry
}

func newGraphProtocol(rt *Runtime) *graphProtocol {
	return &graphProtocol{rt: rt, graphs: map[string]*graphEntry{}}
}

// Request payloads. Each must be complete; see requestMessages.
type (
	clearRequest struct {
		ID          string `json:"id" validate:"required"`
		Name        string `json:"name"`
		Library     string `json:"library"`
		Main        bool   `json:"main"`
		Icon        string `json:"icon"`
		Description string `json:"description"`
	}
	addNodeRequest struct {
		ID        string         `json:"id" validate:"required"`
		Component string         `json:"component" validate:"required"`
		Metadata  map[string]any `json:"metadata"`
	}
	idRequest struct {
		ID string `json:"id" validate:"required"`
	}
	renameRequest struct {
		From string `json:"from" validate:"required"`
		To   string `json:"to" validate:"required"`
	}
	changeNodeRequest struct {
		ID       string         `json:"id" validate:"required"`
		Metadata map[string]any `json:"metadata" validate:"required"`
	}
	edgeRequest struct {
		Src      *endpointRequest `json:"src" validate:"required"`
		Tgt      *endpointRequest `json:"tgt" validate:"required"`
		Metadata map[string]any   `json:"metadata"`
	}
	initialRequest struct {
		Src *struct {
			Data any `json:"data"`
		} `json:"src" validate:"required"`
		Tgt      *endpointRequest `json:"tgt" validate:"required"`
		Metadata map[string]any   `json:"metadata"`
	}
	removeInitialRequest struct {
		Tgt *endpointRequest `json:"tgt" validate:"required"`
	}
	exportRequest struct {
		Public   string         `json:"public" validate:"required"`
		Node     string         `json:"node" validate:"required"`
		Port     string         `json:"port" validate:"required"`
		Metadata map[string]any `json:"metadata"`
	}
	publicRequest struct {
		Public string `json:"public" validate:"required"`
	}
	groupRequest struct {
		Name     string         `json:"name" validate:"required"`
		Nodes    []string       `json:"nodes" validate:"required"`
		Metadata map[string]any `json:"metadata"`
	}
	nameRequest struct {
		Name string `json:"name" validate:"required"`
	}
	changeGroupRequest struct {
		Name     string         `json:"name" validate:"required"`
		Metadata map[string]any `json:"metadata" validate:"required"`
	}
)

func (p *graphProtocol) receive(ctx context.Context, topic string, raw json.RawMessage, conn Conn) error {
	if topic == "clear" {
		return p.clear(ctx, raw, conn)
	}
	id, g, err := p.resolve(raw)
	if err != nil {
		return err
	}
	return p.apply(topic, raw, p.rt.mutator(id, g))
}

// resolve finds the graph a command addresses.
func (p *graphProtocol) resolve(raw json.RawMessage) (string, *graph.Graph, error) {
	var ref struct {
		Graph string `json:"graph"`
	}
	if err := decode(raw, &ref); err != nil {
		return "", nil, &Error{Kind: KindValidation, Message: "No graph specified", Err: err}
	}
	if ref.Graph == "" {
		return "", nil, errorf(KindValidation, "No graph specified")
	}
	g, ok := p.get(ref.Graph)
	if !ok {
		return "", nil, errorf(KindNotFound, "Requested graph not found")
	}
	return ref.Graph, g, nil
}

func (p *graphProtocol) apply(topic string, raw json.RawMessage, m Mutator) error {
	command := "graph:" + topic
	switch topic {
	case "addnode":
		var req addNodeRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.AddNode(req.ID, req.Component, req.Metadata)
	case "removenode":
		var req idRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.RemoveNode(req.ID)
	case "renamenode":
		var req renameRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.RenameNode(req.From, req.To)
	case "changenode":
		var req changeNodeRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.SetNodeMetadata(req.ID, req.Metadata)
	case "addedge", "removeedge", "changeedge":
		var req edgeRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		from, to := req.Src.endpoint(), req.Tgt.endpoint()
		switch topic {
		case "addedge":
			return m.AddEdge(from, to, req.Metadata)
		case "removeedge":
			return m.RemoveEdge(from, to)
		}
		return m.SetEdgeMetadata(from, to, req.Metadata)
	case "addinitial":
		var req initialRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.AddInitial(req.Src.Data, req.Tgt.endpoint(), req.Metadata)
	case "removeinitial":
		var req removeInitialRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.RemoveInitial(req.Tgt.endpoint())
	case "addinport", "addoutport":
		var req exportRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		if topic == "addinport" {
			return m.AddInport(req.Public, req.Node, req.Port, req.Metadata)
		}
		return m.AddOutport(req.Public, req.Node, req.Port, req.Metadata)
	case "removeinport", "removeoutport":
		var req publicRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		if topic == "removeinport" {
			return m.RemoveInport(req.Public)
		}
		return m.RemoveOutport(req.Public)
	case "renameinport", "renameoutport", "renamegroup":
		var req renameRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		switch topic {
		case "renameinport":
			return m.RenameInport(req.From, req.To)
		case "renameoutport":
			return m.RenameOutport(req.From, req.To)
		}
		return m.RenameGroup(req.From, req.To)
	case "addgroup":
		var req groupRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.AddGroup(req.Name, req.Nodes, req.Metadata)
	case "removegroup":
		var req nameRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.RemoveGroup(req.Name)
	case "changegroup":
		var req changeGroupRequest
		if err := decodeRequest(command, raw, &req); err != nil {
			return err
		}
		return m.SetGroupMetadata(req.Name, req.Metadata)
	}
	return errorf(KindUnsupported, "graph:%s not supported", topic)
}

func (p *graphProtocol) clear(ctx context.Context, raw json.RawMessage, conn Conn) error {
	var req clearRequest
	if err := decodeRequest("graph:clear", raw, &req); err != nil {
		return err
	}
	name := req.Name
	if name == "" {
		name = DefaultGraphName
	}
	g := graph.New(name)
	library := p.rt.loader.NormalizeLibrary(req.Library)
	if library != "" {
		g.SetProperty("library", library)
	}
	if req.Icon != "" {
		g.SetProperty("icon", req.Icon)
	}
	if req.Description != "" {
		g.SetProperty("description", req.Description)
	}
	if req.Main {
		g.SetProperty("main", true)
	}
	if p.rt.baseDir != "" {
		g.SetProperty("baseDir", p.rt.baseDir)
	}

	p.register(ctx, req.ID, fullName(library, req.ID), g, req.Main, conn)
	p.rt.broadcast("graph", "clear", clearPayload{
		ID:          req.ID,
		Name:        name,
		Library:     library,
		Main:        req.Main,
		Icon:        req.Icon,
		Description: req.Description,
	})
	return nil
}

func fullName(library, id string) string {
	if library == "" {
		return id
	}
	return library + "/" + id
}

// register adds g under id, replacing and detaching any previous graph. The
// main graph is announced through the runtime protocol, others become
// subgraph components.
func (p *graphProtocol) register(ctx context.Context, id, name string, g *graph.Graph, main bool, conn Conn) {
	detachEvents := g.Observe(p.observer(id))
	var detachComponent func()
	if main {
		p.rt.runtime.setMainGraph(ctx, name, id)
	} else {
		detachComponent = p.rt.component.registerGraph(name, g, conn)
	}
	entry := &graphEntry{
		graph:    g,
		fullName: name,
		detach: func() {
			detachEvents()
			if detachComponent != nil {
				detachComponent()
			}
		},
	}

	p.mu.Lock()
	old := p.graphs[id]
	p.graphs[id] = entry
	p.mu.Unlock()
	if old != nil {
		old.detach()
	}
}

func (p *graphProtocol) get(id string) (*graph.Graph, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.graphs[id]
	if !ok {
		return nil, false
	}
	return e.graph, true
}

// byName finds a graph by registry id or by its "library/id" name.
func (p *graphProtocol) byName(name string) (*graph.Graph, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.graphs[name]; ok {
		return e.graph, true
	}
	for _, e := range p.graphs {
		if e.fullName == name {
			return e.graph, true
		}
	}
	return nil, false
}

func (p *graphProtocol) ids() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.graphs))
	for id := range p.graphs {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (p *graphProtocol) close() {
	p.mu.Lock()
	entries := p.graphs
	p.graphs = map[string]*graphEntry{}
	p.mu.Unlock()
	for _, e := range entries {
		e.detach()
	}
}

// observer rebroadcasts graph changes in protocol form.
func (p *graphProtocol) observer(id string) graph.Observer {
	return graph.ObserverFunc(func(g *graph.Graph, ev graph.Event) {
		if ev.Type == graph.EventEndTransaction {
			p.rt.publish(bus.TopicGraphUpdated, bus.GraphUpdated{Name: g.Name(), Graph: id})
			return
		}
		if payload := graphEventPayload(id, ev); payload != nil {
			p.rt.broadcast("graph", string(ev.Type), payload)
		}
	})
}

type (
	clearPayload struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Library     string `json:"library,omitempty"`
		Main        bool   `json:"main,omitempty"`
		Icon        string `json:"icon,omitempty"`
		Description string `json:"description,omitempty"`
	}
	nodePayload struct {
		ID        string         `json:"id"`
		Component string         `json:"component,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		Graph     string         `json:"graph"`
	}
	renamePayload struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Graph string `json:"graph"`
	}
	edgePayload struct {
		Src      wireEndpoint   `json:"src"`
		Tgt      wireEndpoint   `json:"tgt"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Graph    string         `json:"graph"`
	}
	initialSrc struct {
		Data any `json:"data"`
	}
	initialPayload struct {
		Src      initialSrc     `json:"src"`
		Tgt      wireEndpoint   `json:"tgt"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Graph    string         `json:"graph"`
	}
	exportPayload struct {
		Public   string         `json:"public"`
		Node     string         `json:"node,omitempty"`
		Port     string         `json:"port,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Graph    string         `json:"graph"`
	}
	groupPayload struct {
		Name     string         `json:"name"`
		Nodes    []string       `json:"nodes,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Graph    string         `json:"graph"`
	}
)

func ensureMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// graphEventPayload maps a model event to its broadcast payload; nil for
// events that are not broadcast.
func graphEventPayload(id string, ev graph.Event) any {
	switch ev.Type {
	case graph.EventAddNode:
		return nodePayload{ID: ev.Node.ID, Component: ev.Node.Component, Metadata: ensureMeta(ev.Node.Metadata), Graph: id}
	case graph.EventRemoveNode:
		return nodePayload{ID: ev.Node.ID, Graph: id}
	case graph.EventChangeNode:
		return nodePayload{ID: ev.Node.ID, Metadata: ensureMeta(ev.Node.Metadata), Graph: id}
	case graph.EventRenameNode, graph.EventRenameInport, graph.EventRenameOutport, graph.EventRenameGroup:
		return renamePayload{From: ev.From, To: ev.To, Graph: id}
	case graph.EventAddEdge, graph.EventChangeEdge:
		return edgePayload{Src: toWire(ev.Edge.From), Tgt: toWire(ev.Edge.To), Metadata: ensureMeta(ev.Edge.Metadata), Graph: id}
	case graph.EventRemoveEdge:
		return edgePayload{Src: toWire(ev.Edge.From), Tgt: toWire(ev.Edge.To), Graph: id}
	case graph.EventAddInitial:
		return initialPayload{Src: initialSrc{Data: ev.Initial.Data}, Tgt: toWire(ev.Initial.To), Metadata: ensureMeta(ev.Initial.Metadata), Graph: id}
	case graph.EventRemoveInitial:
		return initialPayload{Src: initialSrc{Data: ev.Initial.Data}, Tgt: toWire(ev.Initial.To), Graph: id}
	case graph.EventAddInport, graph.EventAddOutport:
		return exportPayload{Public: ev.Port.Public, Node: ev.Port.Node, Port: ev.Port.Port, Metadata: ensureMeta(ev.Port.Metadata), Graph: id}
	case graph.EventRemoveInport, graph.EventRemoveOutport:
		return exportPayload{Public: ev.Port.Public, Graph: id}
	case graph.EventAddGroup:
		return groupPayload{Name: ev.Group.Name, Nodes: ev.Group.Nodes, Metadata: ensureMeta(ev.Group.Metadata), Graph: id}
	case graph.EventRemoveGroup:
		return groupPayload{Name: ev.Group.Name, Graph: id}
	case graph.EventChangeGroup:
		return groupPayload{Name: ev.Group.Name, Metadata: ensureMeta(ev.Group.Metadata), Graph: id}
	}
	return nil
}
