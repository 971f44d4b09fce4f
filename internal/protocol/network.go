package protocol

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/flowrt/internal/bus"
	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/network"
	"github.com/basket/flowrt/internal/otel"
)

// NetworkObserver follows the network registry. Callbacks run on the
// goroutine that changed the registry.
type NetworkObserver interface {
	NetworkAdded(ctx context.Context, graphID string, n *network.Network)
	NetworkRemoved(ctx context.Context, graphID string, n *network.Network)
}

type networkEntry struct {
	// net is nil while only an edge filter has been set.
	net     *network.Network
	filters map[string]struct{}
	detach  func()
}

type networkProtocol struct {
	rt *Runtime

	mu        sync.Mutex
	entries   map[string]*networkEntry
	observers []NetworkObserver
}

func newNetworkProtocol(rt *Runtime) *networkProtocol {
	return &networkProtocol{rt: rt, entries: map[string]*networkEntry{}}
}

func (p *networkProtocol) observe(o NetworkObserver) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

type (
	debugRequest struct {
		Enable bool `json:"enable"`
	}
	edgesRequest struct {
		Edges json.RawMessage `json:"edges"`
	}
	edgeSignature struct {
		Src signatureEndpoint `json:"src"`
		Tgt signatureEndpoint `json:"tgt"`
	}
	// signatureEndpoint accepts both "process" and "node" for the node id.
	signatureEndpoint struct {
		Process string `json:"process"`
		Node    string `json:"node"`
		Port    string `json:"port"`
	}
)

func (e signatureEndpoint) String() string {
	node := e.Process
	if node == "" {
		node = e.Node
	}
	if node == "" {
		return ""
	}
	return node + "(" + e.Port + ")"
}

func (p *networkProtocol) receive(ctx context.Context, topic string, raw json.RawMessage, conn Conn) error {
	id, g, err := p.rt.graph.resolve(raw)
	if err != nil {
		return err
	}
	ctx = withGraph(ctx, id)
	switch topic {
	case "start":
		return p.start(ctx, id, g, conn)
	case "stop":
		return p.stop(ctx, id, conn)
	case "edges":
		var req edgesRequest
		if err := decodeRequest("network:edges", raw, &req); err != nil {
			return err
		}
		return p.setEdges(id, req.Edges, conn)
	case "debug":
		var req debugRequest
		if err := decodeRequest("network:debug", raw, &req); err != nil {
			return err
		}
		n := p.instance(id)
		if n == nil {
			return errorf(KindNotFound, "Network %s not found", id)
		}
		n.SetDebug(req.Enable)
		p.rt.send(conn, "network", "setdebug", map[string]bool{"enable": req.Enable})
		return nil
	case "getstatus":
		n := p.instance(id)
		if n == nil {
			return errorf(KindNotFound, "Network %s not found", id)
		}
		p.rt.send(conn, "network", "status", statusOf(id, n))
		return nil
	}
	return errorf(KindUnsupported, "network:%s not supported", topic)
}

// start runs the network of graph id, building it first when there is no
// instance for the current graph object.
func (p *networkProtocol) start(ctx context.Context, id string, g *graph.Graph, conn Conn) error {
	n := p.instance(id)
	if n != nil && n.Graph() == g {
		if n.IsStarted() {
			p.rt.send(conn, "network", "started", stateOf(id, n, n.StartedAt()))
			return nil
		}
	} else {
		var err error
		if n, err = p.initNetwork(ctx, id, g); err != nil {
			return err
		}
	}
	if err := n.Start(ctx); err != nil {
		return wrap(err)
	}
	return nil
}

func (p *networkProtocol) stop(ctx context.Context, id string, conn Conn) error {
	n := p.instance(id)
	if n == nil {
		return errorf(KindNotFound, "Network %s not found", id)
	}
	if n.IsStarted() {
		// The end event broadcasts "stopped".
		return n.Stop(ctx)
	}
	p.rt.send(conn, "network", "stopped", stateOf(id, n, time.Now()))
	return nil
}

func (p *networkProtocol) setEdges(id string, raw json.RawMessage, conn Conn) error {
	var edges []edgeSignature
	if err := decode(raw, &edges); err != nil {
		return &Error{Kind: KindValidation, Message: "Invalid edges", Err: err}
	}
	filters := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		filters[e.Src.String()+" -> "+e.Tgt.String()] = struct{}{}
	}
	p.mu.Lock()
	entry, ok := p.entries[id]
	if !ok {
		entry = &networkEntry{}
		p.entries[id] = entry
	}
	entry.filters = filters
	p.mu.Unlock()

	if len(raw) == 0 {
		raw = json.RawMessage("[]")
	}
	p.rt.send(conn, "network", "edges", struct {
		Graph string          `json:"graph"`
		Edges json.RawMessage `json:"edges"`
	}{id, raw})
	return nil
}

// initNetwork replaces the network of graph id with a freshly connected one.
// On failure no network is registered for id.
func (p *networkProtocol) initNetwork(ctx context.Context, id string, g *graph.Graph) (*network.Network, error) {
	p.mu.Lock()
	old := p.entries[id]
	p.mu.Unlock()
	filters := map[string]struct{}{}
	if old != nil && old.net == nil {
		filters = old.filters
	}
	if old != nil && old.net != nil {
		if err := old.net.Stop(ctx); err != nil {
			return nil, wrap(err)
		}
		p.remove(ctx, id, old)
	}

	n := network.New(g, network.Options{
		Loader: p.rt.loader,
		Logger: p.rt.logger.With("graph", id),
	})
	if err := n.Connect(ctx); err != nil {
		p.rt.logger.Warn("network connect failed", "graph", id, "error", err)
		return nil, wrap(err)
	}
	entry := &networkEntry{net: n, filters: filters}
	entry.detach = n.Observe(p.eventObserver(id))

	p.mu.Lock()
	p.entries[id] = entry
	observers := append([]NetworkObserver(nil), p.observers...)
	p.mu.Unlock()

	if p.rt.metrics != nil {
		p.rt.metrics.ActiveNetworks.Add(ctx, 1)
	}
	p.rt.publish(bus.TopicNetworkAdded, bus.NetworkChanged{Graph: id})
	for _, o := range observers {
		o.NetworkAdded(ctx, id, n)
	}
	return n, nil
}

// remove drops entry from the registry if it is still current.
func (p *networkProtocol) remove(ctx context.Context, id string, entry *networkEntry) {
	p.mu.Lock()
	if p.entries[id] != entry {
		p.mu.Unlock()
		return
	}
	delete(p.entries, id)
	observers := append([]NetworkObserver(nil), p.observers...)
	p.mu.Unlock()

	if entry.detach != nil {
		entry.detach()
	}
	if p.rt.metrics != nil {
		p.rt.metrics.ActiveNetworks.Add(ctx, -1)
	}
	p.rt.publish(bus.TopicNetworkRemoved, bus.NetworkChanged{Graph: id})
	for _, o := range observers {
		o.NetworkRemoved(ctx, id, entry.net)
	}
}

// instance returns the network of graph id, nil when none is built.
func (p *networkProtocol) instance(id string) *network.Network {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.net
	}
	return nil
}

// instances returns every built network keyed by graph id, ordered by id.
func (p *networkProtocol) instances() ([]string, []*network.Network) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.entries))
	for id, e := range p.entries {
		if e.net != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	nets := make([]*network.Network, len(ids))
	for i, id := range ids {
		nets[i] = p.entries[id].net
	}
	return ids, nets
}

func (p *networkProtocol) close(ctx context.Context) error {
	var firstErr error
	ids, nets := p.instances()
	for i, n := range nets {
		if err := n.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		p.mu.Lock()
		entry := p.entries[ids[i]]
		p.mu.Unlock()
		if entry != nil {
			p.remove(ctx, ids[i], entry)
		}
	}
	return firstErr
}

// passes reports whether a packet on the connection from src to tgt may be
// forwarded under the graph's edge filter.
func (p *networkProtocol) passes(id string, src *graph.Endpoint, tgt graph.Endpoint) bool {
	if !p.rt.filterData {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok || len(e.filters) == 0 {
		return true
	}
	_, ok = e.filters[filterSignature(src, tgt)]
	return ok
}

func filterSignature(src *graph.Endpoint, tgt graph.Endpoint) string {
	from := ""
	if src != nil {
		from = src.Node + "(" + src.Port + ")"
	}
	return from + " -> " + tgt.Node + "(" + tgt.Port + ")"
}

type (
	statePayload struct {
		Time    time.Time `json:"time"`
		Uptime  *int64    `json:"uptime,omitempty"`
		Graph   string    `json:"graph"`
		Running bool      `json:"running"`
		Started bool      `json:"started"`
	}
	statusPayload struct {
		Graph   string `json:"graph"`
		Running bool   `json:"running"`
		Started bool   `json:"started"`
		Uptime  *int64 `json:"uptime,omitempty"`
		Debug   bool   `json:"debug"`
	}
	iconPayload struct {
		ID    string `json:"id"`
		Icon  string `json:"icon"`
		Graph string `json:"graph"`
	}
	ipPayload struct {
		ID       string        `json:"id"`
		Graph    string        `json:"graph"`
		Src      *wireEndpoint `json:"src,omitempty"`
		Tgt      *wireEndpoint `json:"tgt,omitempty"`
		Subgraph []string      `json:"subgraph,omitempty"`
		Group    any           `json:"group,omitempty"`
		Type     string        `json:"type,omitempty"`
		Schema   string        `json:"schema,omitempty"`
		Data     any           `json:"data,omitempty"`
	}
	processErrorPayload struct {
		ID    string `json:"id"`
		Error string `json:"error"`
		Graph string `json:"graph"`
	}
)

func millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

func stateOf(id string, n *network.Network, at time.Time) statePayload {
	return statePayload{Time: at.UTC(), Graph: id, Running: n.IsRunning(), Started: n.IsStarted()}
}

func statusOf(id string, n *network.Network) statusPayload {
	st := statusPayload{Graph: id, Running: n.IsRunning(), Started: n.IsStarted(), Debug: n.Debug()}
	if st.Started {
		st.Uptime = millis(time.Since(n.StartedAt()))
	}
	return st
}

// eventObserver turns engine events of graph id into network messages.
func (p *networkProtocol) eventObserver(id string) network.Observer {
	return network.ObserverFunc(func(n *network.Network, ev network.Event) {
		if p.rt.metrics != nil {
			p.rt.metrics.NetworkEvents.Add(context.Background(), 1,
				metric.WithAttributes(otel.AttrEventType.String(string(ev.Type))))
		}
		switch ev.Type {
		case network.EventStart:
			p.rt.broadcast("network", "started", stateOf(id, n, ev.Started))
		case network.EventEnd:
			st := stateOf(id, n, time.Now())
			st.Uptime = millis(ev.Uptime)
			p.rt.broadcast("network", "stopped", st)
		case network.EventIcon:
			p.rt.broadcast("network", "icon", iconPayload{ID: ev.Icon.ID, Icon: ev.Icon.Icon, Graph: id})
		case network.EventIP:
			if !p.passes(id, ev.IP.Src, ev.IP.Tgt) {
				return
			}
			command, payload := socketEvent(id, ev.IP)
			p.rt.broadcast("network", command, payload)
		case network.EventProcessError:
			p.rt.broadcast("network", "processerror", processErrorPayload{
				ID:    ev.Error.ID,
				Error: errorText(ev.Error),
				Graph: id,
			})
		}
	})
}

// socketEvent renders a packet crossing a connection.
func socketEvent(id string, ev *network.IPEvent) (string, ipPayload) {
	tgt := toWire(ev.Tgt)
	payload := ipPayload{
		ID:       ev.ID,
		Graph:    id,
		Src:      toWirePtr(ev.Src),
		Tgt:      &tgt,
		Subgraph: ev.Subgraph,
	}
	switch ev.IP.Type {
	case component.OpenBracket:
		payload.Group = groupName(ev.IP.Data)
		return "begingroup", payload
	case component.CloseBracket:
		payload.Group = groupName(ev.IP.Data)
		return "endgroup", payload
	}
	payload.Type = ev.IP.Datatype
	payload.Schema = ev.IP.Schema
	payload.Data = normalizeData(ev.IP.Data, isSecure(ev.Metadata))
	return "data", payload
}

func groupName(v any) any {
	if v == nil {
		return ""
	}
	return v
}

// errorText joins the message with at most three stack lines.
func errorText(e *network.ProcessError) string {
	lines := append([]string{e.Message}, e.Stack[:min(len(e.Stack), 3)]...)
	return strings.Join(lines, "\n")
}

// mutator picks where graph commands for id are applied: the live network
// when it was built from g, otherwise g itself.
func (r *Runtime) mutator(id string, g *graph.Graph) Mutator {
	if n := r.network.instance(id); n != nil && n.Graph() == g {
		return n
	}
	return g
}
