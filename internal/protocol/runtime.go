package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/flowrt/internal/bus"
	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/network"
	"github.com/basket/flowrt/internal/otel"
)

type runtimeProtocol struct {
	rt      *Runtime
	schemas *schemaCache

	mu        sync.Mutex
	mainGraph string
	subs      map[string]*portSubscription
}

// portSubscription follows one registered network: its exported port set,
// its start events and the taps relaying its outports.
type portSubscription struct {
	net         *network.Network
	detachGraph func()
	detachNet   func()

	mu   sync.Mutex
	taps []func()
}

func (s *portSubscription) close() {
	s.detachGraph()
	s.detachNet()
	s.untap()
}

func (s *portSubscription) untap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, detach := range s.taps {
		detach()
	}
	s.taps = nil
}

func newRuntimeProtocol(rt *Runtime) *runtimeProtocol {
	return &runtimeProtocol{rt: rt, schemas: newSchemaCache(), subs: map[string]*portSubscription{}}
}

type (
	getRuntimeRequest struct {
		Secret string `json:"secret"`
	}
	packetRequest struct {
		Graph   string          `json:"graph"`
		Port    string          `json:"port" validate:"required"`
		Event   string          `json:"event" validate:"required"`
		Payload json.RawMessage `json:"payload"`
	}
)

type (
	runtimePayload struct {
		Type              string   `json:"type"`
		Version           string   `json:"version"`
		Capabilities      []string `json:"capabilities"`
		AllCapabilities   []string `json:"allCapabilities"`
		Graph             string   `json:"graph,omitempty"`
		ID                string   `json:"id,omitempty"`
		Label             string   `json:"label,omitempty"`
		Namespace         string   `json:"namespace,omitempty"`
		Repository        string   `json:"repository,omitempty"`
		RepositoryVersion string   `json:"repositoryVersion,omitempty"`
	}
	portsPayload struct {
		Graph    string    `json:"graph"`
		InPorts  []portDef `json:"inPorts"`
		OutPorts []portDef `json:"outPorts"`
	}
	packetPayload struct {
		Port    string `json:"port"`
		Event   string `json:"event"`
		Graph   string `json:"graph"`
		Payload any    `json:"payload,omitempty"`
	}
)

func (p *runtimeProtocol) receive(ctx context.Context, topic string, raw json.RawMessage, conn Conn) error {
	switch topic {
	case "getruntime":
		var req getRuntimeRequest
		if err := decodeRequest("runtime:getruntime", raw, &req); err != nil {
			return err
		}
		p.getRuntime(req.Secret, conn)
		return nil
	case "packet":
		var req packetRequest
		if err := decodeRequest("runtime:packet", raw, &req); err != nil {
			return err
		}
		return p.packet(ctx, req, conn)
	}
	return errorf(KindUnsupported, "runtime:%s not supported", topic)
}

func (p *runtimeProtocol) getRuntime(secret string, conn Conn) {
	all := p.rt.gate.Capabilities()
	permitted := make([]string, 0, len(all))
	for _, c := range all {
		if p.rt.gate.CanDo([]string{c}, secret) {
			permitted = append(permitted, c)
		}
	}
	id := p.rt.identity
	p.rt.send(conn, "runtime", "runtime", runtimePayload{
		Type:              id.Type,
		Version:           ProtocolVersion,
		Capabilities:      permitted,
		AllCapabilities:   all,
		Graph:             p.main(),
		ID:                id.ID,
		Label:             id.Label,
		Namespace:         id.Namespace,
		Repository:        id.Repository,
		RepositoryVersion: id.RepositoryVersion,
	})

	ids, nets := p.rt.network.instances()
	for i, n := range nets {
		p.sendPorts(ids[i], n, conn)
	}
}

func (p *runtimeProtocol) main() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainGraph
}

// setMainGraph records the main graph and re-announces its ports when it
// already has a network.
func (p *runtimeProtocol) setMainGraph(_ context.Context, name, id string) {
	p.mu.Lock()
	p.mainGraph = name
	p.mu.Unlock()
	if n := p.rt.network.instance(id); n != nil {
		p.sendPorts(id, n, nil)
	}
}

func (p *runtimeProtocol) packet(ctx context.Context, req packetRequest, conn Conn) error {
	n := p.rt.network.instance(req.Graph)
	if n == nil {
		return errorf(KindNotFound, "Cannot find network for graph %s", req.Graph)
	}
	spec, ok := n.InportSpec(req.Port)
	if !ok {
		return errorf(KindNotFound, "Cannot find internal port for %s", req.Port)
	}
	var data any
	if err := decode(req.Payload, &data); err != nil {
		return &Error{Kind: KindValidation, Message: "Invalid packet payload", Err: err}
	}

	var ip component.IP
	switch req.Event {
	case "begingroup":
		ip = component.IP{Type: component.OpenBracket, Data: data}
	case "endgroup":
		ip = component.IP{Type: component.CloseBracket, Data: data}
	case "data":
		if err := p.schemas.validate(spec.Schema, req.Payload); err != nil {
			return &Error{Kind: KindValidation, Message: "Packet for " + req.Port + " does not match its schema", Err: err}
		}
		ip = component.NewData(data)
	default:
		return errorf(KindValidation, "Unknown packet event %s", req.Event)
	}

	if err := n.Inject(req.Port, ip); err != nil {
		if errors.Is(err, network.ErrNotRunning) {
			return &Error{Kind: KindEngine, Message: "Network " + req.Graph + " is not running", Err: err}
		}
		return wrap(err)
	}
	if p.rt.metrics != nil {
		p.rt.metrics.PacketsInjected.Add(ctx, 1, metric.WithAttributes(
			otel.AttrGraph.String(req.Graph), otel.AttrPort.String(req.Port)))
	}
	p.rt.send(conn, "runtime", "packetsent", packetPayload{
		Port:    req.Port,
		Event:   req.Event,
		Graph:   req.Graph,
		Payload: data,
	})
	return nil
}

// NetworkAdded starts following the exported ports and outports of n.
func (p *runtimeProtocol) NetworkAdded(_ context.Context, id string, n *network.Network) {
	sub := &portSubscription{net: n}
	sub.detachGraph = n.Graph().Observe(graph.ObserverFunc(func(_ *graph.Graph, ev graph.Event) {
		if !ev.ExportsChanged() {
			return
		}
		switch ev.Type {
		case graph.EventAddOutport, graph.EventRemoveOutport, graph.EventRenameOutport:
			p.retap(id, sub)
		}
		p.sendPorts(id, n, nil)
	}))
	sub.detachNet = n.Observe(network.ObserverFunc(func(n *network.Network, ev network.Event) {
		if ev.Type == network.EventStart {
			p.retap(id, sub)
			p.sendPorts(id, n, nil)
		}
	}))

	p.mu.Lock()
	old := p.subs[id]
	p.subs[id] = sub
	p.mu.Unlock()
	if old != nil {
		old.close()
	}
	p.retap(id, sub)
	p.sendPorts(id, n, nil)
}

// NetworkRemoved stops following the network and announces that graph id
// has no ports any more.
func (p *runtimeProtocol) NetworkRemoved(_ context.Context, id string, n *network.Network) {
	p.mu.Lock()
	sub := p.subs[id]
	if sub != nil && sub.net == n {
		delete(p.subs, id)
	} else {
		sub = nil
	}
	p.mu.Unlock()
	if sub != nil {
		sub.close()
	}
	p.sendPorts(id, nil, nil)
}

// retap rebuilds the outport relays of a subscription.
func (p *runtimeProtocol) retap(id string, sub *portSubscription) {
	sub.untap()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, ep := range sub.net.Graph().Outports() {
		public := ep.Public
		detach, err := sub.net.TapOutport(public, func(ip component.IP) {
			p.relay(id, public, ip)
		})
		if err != nil {
			p.rt.logger.Debug("outport relay skipped", "graph", id, "port", public, "error", err)
			continue
		}
		sub.taps = append(sub.taps, detach)
	}
}

// relay forwards an outport packet unchanged; only network data events are
// shortened for display.
func (p *runtimeProtocol) relay(id, port string, ip component.IP) {
	event := packetEvent(ip.Type)
	p.rt.publish(bus.TopicRuntimePacket, bus.RuntimePacket{Graph: id, Port: port, Event: event, Payload: ip.Data})
	p.rt.broadcast("runtime", "packet", packetPayload{Port: port, Event: event, Graph: id, Payload: ip.Data})
}

func packetEvent(t component.IPType) string {
	switch t {
	case component.OpenBracket:
		return "begingroup"
	case component.CloseBracket:
		return "endgroup"
	}
	return "data"
}

// sendPorts announces the exported ports of graph id to conn, or to every
// client when conn is nil. A nil network announces no ports.
func (p *runtimeProtocol) sendPorts(id string, n *network.Network, conn Conn) {
	payload := portsPayload{Graph: id, InPorts: []portDef{}, OutPorts: []portDef{}}
	if n != nil {
		g := n.Graph()
		for _, ep := range g.Inports() {
			payload.InPorts = append(payload.InPorts, exportedDef(ep, n.InportSpec))
		}
		for _, ep := range g.Outports() {
			payload.OutPorts = append(payload.OutPorts, exportedDef(ep, n.OutportSpec))
		}
	}
	if conn == nil {
		p.rt.publish(bus.TopicRuntimePorts, bus.RuntimePorts{
			Graph:    id,
			InPorts:  portIDs(payload.InPorts),
			OutPorts: portIDs(payload.OutPorts),
		})
	}
	p.rt.sendOrBroadcast(conn, "runtime", "ports", payload)
}

// exportedDef describes an exported port, filling in type details from the
// process behind it when the network can resolve it.
func exportedDef(ep graph.ExportedPort, lookup func(string) (component.PortSpec, bool)) portDef {
	description, _ := ep.Metadata["description"].(string)
	def := portDef{ID: ep.Public, Type: "all", Description: description}
	spec, ok := lookup(ep.Public)
	if !ok {
		return def
	}
	def.Type = spec.Type()
	def.Schema = spec.Schema
	def.Required = spec.Required
	def.Addressable = spec.Addressable
	if def.Description == "" {
		def.Description = spec.Description
	}
	return def
}

func portIDs(defs []portDef) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.ID
	}
	return out
}

func (p *runtimeProtocol) close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = map[string]*portSubscription{}
	p.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
