package network

import (
	"context"
	"fmt"

	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/graph"
)

// The methods below change a connected network while it runs. Each one
// updates the processes first and then applies the change to the graph, so
// graph observers see the same event stream as for an idle graph.

func (n *Network) AddNode(id, name string, metadata map[string]any) error {
	if id == "" || name == "" {
		return fmt.Errorf("%w: node needs id and component", graph.ErrInvalid)
	}
	if _, exists := n.graph.Node(id); exists {
		return fmt.Errorf("%w: %s", graph.ErrNodeExists, id)
	}
	p, err := n.loadProcess(context.Background(), id, name)
	if err != nil {
		return err
	}
	if err := n.graph.AddNode(id, name, metadata); err != nil {
		return err
	}
	n.mu.Lock()
	n.processes[id] = p
	started := n.started
	n.mu.Unlock()
	n.attachSubgraph(id, p)
	if s, ok := p.Instance.(component.Starter); ok && started {
		if err := s.Start(context.Background(), n.emitterFor(id)); err != nil {
			n.processError(id, err, nil)
		}
	}
	return nil
}

func (n *Network) RemoveNode(id string) error {
	if err := n.graph.RemoveNode(id); err != nil {
		return err
	}
	n.mu.Lock()
	p := n.processes[id]
	delete(n.processes, id)
	kept := n.conns[:0]
	for _, c := range n.conns {
		if c.from.Node != id && c.to.Node != id {
			kept = append(kept, c)
		}
	}
	n.conns = kept
	started := n.started
	n.mu.Unlock()
	n.detachSubgraph(id)
	if p == nil || !started {
		return nil
	}
	if s, ok := p.Instance.(component.Stopper); ok {
		if err := s.Stop(context.Background()); err != nil {
			n.logger.Warn("process stop failed", "process", id, "error", err)
		}
	}
	return nil
}

func (n *Network) RenameNode(from, to string) error {
	if err := n.graph.RenameNode(from, to); err != nil {
		return err
	}
	n.mu.Lock()
	if p, ok := n.processes[from]; ok {
		delete(n.processes, from)
		p.ID = to
		n.processes[to] = p
	}
	for _, c := range n.conns {
		if c.from.Node == from {
			c.from.Node = to
		}
		if c.to.Node == from {
			c.to.Node = to
		}
	}
	for _, t := range n.taps {
		if t.node == from {
			t.node = to
		}
	}
	if d, ok := n.bubbles[from]; ok {
		delete(n.bubbles, from)
		n.bubbles[to] = d
	}
	n.mu.Unlock()
	return nil
}

func (n *Network) SetNodeMetadata(id string, metadata map[string]any) error {
	return n.graph.SetNodeMetadata(id, metadata)
}

func (n *Network) AddEdge(from, to graph.Endpoint, metadata map[string]any) error {
	n.mu.Lock()
	err := checkEdge(n.processes, from, to)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if err := n.graph.AddEdge(from, to, metadata); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		if sameEndpoint(c.from, from) && sameEndpoint(c.to, to) {
			return nil
		}
	}
	n.conns = append(n.conns, &connection{from: from, to: to, metadata: metadata})
	return nil
}

func (n *Network) RemoveEdge(from, to graph.Endpoint) error {
	if err := n.graph.RemoveEdge(from, to); err != nil {
		return err
	}
	n.mu.Lock()
	kept := n.conns[:0]
	for _, c := range n.conns {
		if c.from.Node == from.Node && c.from.Port == from.Port && c.to.Node == to.Node && c.to.Port == to.Port {
			continue
		}
		kept = append(kept, c)
	}
	n.conns = kept
	n.mu.Unlock()
	return nil
}

func (n *Network) SetEdgeMetadata(from, to graph.Endpoint, metadata map[string]any) error {
	if err := n.graph.SetEdgeMetadata(from, to, metadata); err != nil {
		return err
	}
	for _, e := range n.graph.Edges() {
		if sameEndpoint(e.From, from) && sameEndpoint(e.To, to) {
			n.mu.Lock()
			for _, c := range n.conns {
				if sameEndpoint(c.from, from) && sameEndpoint(c.to, to) {
					c.metadata = e.Metadata
				}
			}
			n.mu.Unlock()
		}
	}
	return nil
}

// AddInitial records the initial packet and, on a started network, delivers
// it right away.
func (n *Network) AddInitial(data any, to graph.Endpoint, metadata map[string]any) error {
	n.mu.Lock()
	err := checkInport(n.processes, to)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if err := n.graph.AddInitial(data, to, metadata); err != nil {
		return err
	}
	if n.IsStarted() {
		n.sendInitial(graph.Initial{Data: data, To: to, Metadata: metadata})
	}
	return nil
}

func (n *Network) RemoveInitial(to graph.Endpoint) error {
	return n.graph.RemoveInitial(to)
}

func (n *Network) AddInport(public, node, port string, metadata map[string]any) error {
	if err := n.graph.AddInport(public, node, port, metadata); err != nil {
		return err
	}
	n.mu.Lock()
	if n.started {
		n.persistent = true
	}
	n.mu.Unlock()
	return nil
}

func (n *Network) RemoveInport(public string) error { return n.graph.RemoveInport(public) }

func (n *Network) RenameInport(from, to string) error { return n.graph.RenameInport(from, to) }

func (n *Network) AddOutport(public, node, port string, metadata map[string]any) error {
	return n.graph.AddOutport(public, node, port, metadata)
}

// RemoveOutport also drops taps attached to the port's internal target.
func (n *Network) RemoveOutport(public string) error {
	exp, ok := n.graph.Outport(public)
	if err := n.graph.RemoveOutport(public); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	n.mu.Lock()
	for id, t := range n.taps {
		if t.node == exp.Node && t.port == exp.Port {
			delete(n.taps, id)
		}
	}
	n.mu.Unlock()
	return nil
}

func (n *Network) RenameOutport(from, to string) error { return n.graph.RenameOutport(from, to) }

func (n *Network) AddGroup(name string, nodes []string, metadata map[string]any) error {
	return n.graph.AddGroup(name, nodes, metadata)
}

func (n *Network) RemoveGroup(name string) error { return n.graph.RemoveGroup(name) }

func (n *Network) RenameGroup(from, to string) error { return n.graph.RenameGroup(from, to) }

func (n *Network) SetGroupMetadata(name string, metadata map[string]any) error {
	return n.graph.SetGroupMetadata(name, metadata)
}

func sameEndpoint(a, b graph.Endpoint) bool {
	if a.Node != b.Node || a.Port != b.Port {
		return false
	}
	if a.Index == nil || b.Index == nil {
		return a.Index == nil && b.Index == nil
	}
	return *a.Index == *b.Index
}
