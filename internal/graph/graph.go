// Package graph holds the in-memory FBP graph model: nodes, edges, initial
// information packets, exported ports and groups. Every mutation is reported
// to attached observers, wrapped in a transaction.
package graph

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNodeExists      = errors.New("node already exists")
	ErrNodeNotFound    = errors.New("node not found")
	ErrEdgeNotFound    = errors.New("edge not found")
	ErrInitialNotFound = errors.New("initial not found")
	ErrPortExists      = errors.New("exported port already exists")
	ErrPortNotFound    = errors.New("exported port not found")
	ErrGroupExists     = errors.New("group already exists")
	ErrGroupNotFound   = errors.New("group not found")
	ErrInvalid         = errors.New("invalid graph element")
)

// Endpoint is one side of a connection. Index is set for addressable ports.
type Endpoint struct {
	Node  string `json:"node"`
	Port  string `json:"port"`
	Index *int   `json:"index,omitempty"`
}

func (e Endpoint) String() string {
	if e.Index != nil {
		return fmt.Sprintf("%s(%s[%d])", e.Node, e.Port, *e.Index)
	}
	return fmt.Sprintf("%s(%s)", e.Node, e.Port)
}

func (e Endpoint) same(o Endpoint) bool {
	if e.Node != o.Node || e.Port != o.Port {
		return false
	}
	if e.Index == nil || o.Index == nil {
		return e.Index == nil && o.Index == nil
	}
	return *e.Index == *o.Index
}

// Idx is a convenience for building indexed endpoints.
func Idx(i int) *int { return &i }

type Node struct {
	ID        string
	Component string
	Metadata  map[string]any
}

type Edge struct {
	From     Endpoint
	To       Endpoint
	Metadata map[string]any
}

// Initial is a constant value delivered to a port when the network starts.
type Initial struct {
	Data     any
	To       Endpoint
	Metadata map[string]any
}

// ExportedPort maps a graph-level port name to an internal node port.
type ExportedPort struct {
	Public   string
	Node     string
	Port     string
	Metadata map[string]any
}

type Group struct {
	Name     string
	Nodes    []string
	Metadata map[string]any
}

// Graph is safe for concurrent use. Observers are called after the graph
// lock is released, so they may read the graph.
type Graph struct {
	mu         sync.RWMutex
	properties map[string]any
	nodes      []*Node
	edges      []*Edge
	initials   []*Initial
	inports    []*ExportedPort
	outports   []*ExportedPort
	groups     []*Group

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
	txOpen    bool
	txID      string
}

// New returns an empty graph with the given name property.
func New(name string) *Graph {
	return &Graph{
		properties: map[string]any{"name": name},
		observers:  map[int]Observer{},
	}
}

func (g *Graph) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	name, _ := g.properties["name"].(string)
	return name
}

// Property returns a string property, "" when unset.
func (g *Graph) Property(key string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, _ := g.properties[key].(string)
	return v
}

// SetProperty sets a graph property. A nil value removes it.
func (g *Graph) SetProperty(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if value == nil {
		delete(g.properties, key)
		return
	}
	g.properties[key] = value
}

func (g *Graph) Properties() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return copyMeta(g.properties)
}

func (g *Graph) AddNode(id, component string, metadata map[string]any) error {
	if id == "" || component == "" {
		return fmt.Errorf("%w: node needs id and component", ErrInvalid)
	}
	g.mu.Lock()
	if g.nodeIndex(id) >= 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	n := &Node{ID: id, Component: component, Metadata: copyMeta(metadata)}
	g.nodes = append(g.nodes, n)
	ev := Event{Type: EventAddNode, Node: n.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

// RemoveNode deletes a node together with its connections, initials,
// exported ports and group memberships.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	i := g.nodeIndex(id)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	var events []Event
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From.Node == id || e.To.Node == id {
			events = append(events, Event{Type: EventRemoveEdge, Edge: e.clone()})
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	keptIIP := g.initials[:0]
	for _, iip := range g.initials {
		if iip.To.Node == id {
			events = append(events, Event{Type: EventRemoveInitial, Initial: iip.clone()})
			continue
		}
		keptIIP = append(keptIIP, iip)
	}
	g.initials = keptIIP
	g.inports, events = dropExports(g.inports, id, EventRemoveInport, events)
	g.outports, events = dropExports(g.outports, id, EventRemoveOutport, events)
	for _, grp := range g.groups {
		grp.Nodes = without(grp.Nodes, id)
	}
	removed := g.nodes[i]
	g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
	events = append(events, Event{Type: EventRemoveNode, Node: removed.clone()})
	g.mu.Unlock()

	g.emit(events...)
	return nil
}

func (g *Graph) RenameNode(from, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: rename needs from and to", ErrInvalid)
	}
	g.mu.Lock()
	i := g.nodeIndex(from)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	if from != to && g.nodeIndex(to) >= 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeExists, to)
	}
	g.nodes[i].ID = to
	for _, e := range g.edges {
		if e.From.Node == from {
			e.From.Node = to
		}
		if e.To.Node == from {
			e.To.Node = to
		}
	}
	for _, iip := range g.initials {
		if iip.To.Node == from {
			iip.To.Node = to
		}
	}
	for _, p := range append(append([]*ExportedPort{}, g.inports...), g.outports...) {
		if p.Node == from {
			p.Node = to
		}
	}
	for _, grp := range g.groups {
		for j, n := range grp.Nodes {
			if n == from {
				grp.Nodes[j] = to
			}
		}
	}
	g.mu.Unlock()

	g.emit(Event{Type: EventRenameNode, From: from, To: to})
	return nil
}

// SetNodeMetadata merges metadata into the node. Keys with nil values are
// removed.
func (g *Graph) SetNodeMetadata(id string, metadata map[string]any) error {
	g.mu.Lock()
	i := g.nodeIndex(id)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n := g.nodes[i]
	n.Metadata = mergeMeta(n.Metadata, metadata)
	ev := Event{Type: EventChangeNode, Node: n.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

// AddEdge connects two node ports. Adding an existing connection is a no-op.
func (g *Graph) AddEdge(from, to Endpoint, metadata map[string]any) error {
	if from.Node == "" || from.Port == "" || to.Node == "" || to.Port == "" {
		return fmt.Errorf("%w: edge needs src and tgt", ErrInvalid)
	}
	g.mu.Lock()
	if g.nodeIndex(from.Node) < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from.Node)
	}
	if g.nodeIndex(to.Node) < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to.Node)
	}
	if g.edgeIndex(from, to) >= 0 {
		g.mu.Unlock()
		return nil
	}
	e := &Edge{From: cloneEndpoint(from), To: cloneEndpoint(to), Metadata: copyMeta(metadata)}
	g.edges = append(g.edges, e)
	ev := Event{Type: EventAddEdge, Edge: e.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

func (g *Graph) RemoveEdge(from, to Endpoint) error {
	g.mu.Lock()
	var events []Event
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From.Node == from.Node && e.From.Port == from.Port && e.To.Node == to.Node && e.To.Port == to.Port {
			events = append(events, Event{Type: EventRemoveEdge, Edge: e.clone()})
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	g.mu.Unlock()

	if len(events) == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, from, to)
	}
	g.emit(events...)
	return nil
}

func (g *Graph) SetEdgeMetadata(from, to Endpoint, metadata map[string]any) error {
	g.mu.Lock()
	i := g.edgeIndex(from, to)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, from, to)
	}
	e := g.edges[i]
	e.Metadata = mergeMeta(e.Metadata, metadata)
	ev := Event{Type: EventChangeEdge, Edge: e.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

func (g *Graph) AddInitial(data any, to Endpoint, metadata map[string]any) error {
	if to.Node == "" || to.Port == "" {
		return fmt.Errorf("%w: initial needs tgt", ErrInvalid)
	}
	g.mu.Lock()
	if g.nodeIndex(to.Node) < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to.Node)
	}
	iip := &Initial{Data: data, To: cloneEndpoint(to), Metadata: copyMeta(metadata)}
	g.initials = append(g.initials, iip)
	ev := Event{Type: EventAddInitial, Initial: iip.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

// RemoveInitial removes every initial targeting the node port.
func (g *Graph) RemoveInitial(to Endpoint) error {
	g.mu.Lock()
	var events []Event
	kept := g.initials[:0]
	for _, iip := range g.initials {
		if iip.To.Node == to.Node && iip.To.Port == to.Port {
			events = append(events, Event{Type: EventRemoveInitial, Initial: iip.clone()})
			continue
		}
		kept = append(kept, iip)
	}
	g.initials = kept
	g.mu.Unlock()

	if len(events) == 0 {
		return fmt.Errorf("%w: %s", ErrInitialNotFound, to)
	}
	g.emit(events...)
	return nil
}

func (g *Graph) AddInport(public, node, port string, metadata map[string]any) error {
	return g.addExport(&g.inports, EventAddInport, public, node, port, metadata)
}

func (g *Graph) RemoveInport(public string) error {
	return g.removeExport(&g.inports, EventRemoveInport, public)
}

func (g *Graph) RenameInport(from, to string) error {
	return g.renameExport(&g.inports, EventRenameInport, from, to)
}

func (g *Graph) AddOutport(public, node, port string, metadata map[string]any) error {
	return g.addExport(&g.outports, EventAddOutport, public, node, port, metadata)
}

func (g *Graph) RemoveOutport(public string) error {
	return g.removeExport(&g.outports, EventRemoveOutport, public)
}

func (g *Graph) RenameOutport(from, to string) error {
	return g.renameExport(&g.outports, EventRenameOutport, from, to)
}

func (g *Graph) addExport(list *[]*ExportedPort, typ EventType, public, node, port string, metadata map[string]any) error {
	if public == "" || node == "" || port == "" {
		return fmt.Errorf("%w: exported port needs public, node and port", ErrInvalid)
	}
	g.mu.Lock()
	if exportIndex(*list, public) >= 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPortExists, public)
	}
	p := &ExportedPort{Public: public, Node: node, Port: port, Metadata: copyMeta(metadata)}
	*list = append(*list, p)
	ev := Event{Type: typ, Port: p.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

func (g *Graph) removeExport(list *[]*ExportedPort, typ EventType, public string) error {
	g.mu.Lock()
	i := exportIndex(*list, public)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPortNotFound, public)
	}
	p := (*list)[i]
	*list = append((*list)[:i], (*list)[i+1:]...)
	g.mu.Unlock()

	g.emit(Event{Type: typ, Port: p.clone()})
	return nil
}

func (g *Graph) renameExport(list *[]*ExportedPort, typ EventType, from, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: rename needs from and to", ErrInvalid)
	}
	g.mu.Lock()
	i := exportIndex(*list, from)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPortNotFound, from)
	}
	if from != to && exportIndex(*list, to) >= 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPortExists, to)
	}
	(*list)[i].Public = to
	g.mu.Unlock()

	g.emit(Event{Type: typ, From: from, To: to})
	return nil
}

func (g *Graph) AddGroup(name string, nodes []string, metadata map[string]any) error {
	if name == "" {
		return fmt.Errorf("%w: group needs a name", ErrInvalid)
	}
	g.mu.Lock()
	if g.groupIndex(name) >= 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupExists, name)
	}
	grp := &Group{Name: name, Nodes: append([]string(nil), nodes...), Metadata: copyMeta(metadata)}
	g.groups = append(g.groups, grp)
	ev := Event{Type: EventAddGroup, Group: grp.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

func (g *Graph) RemoveGroup(name string) error {
	g.mu.Lock()
	i := g.groupIndex(name)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	grp := g.groups[i]
	g.groups = append(g.groups[:i], g.groups[i+1:]...)
	g.mu.Unlock()

	g.emit(Event{Type: EventRemoveGroup, Group: grp.clone()})
	return nil
}

func (g *Graph) RenameGroup(from, to string) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: rename needs from and to", ErrInvalid)
	}
	g.mu.Lock()
	i := g.groupIndex(from)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, from)
	}
	if from != to && g.groupIndex(to) >= 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupExists, to)
	}
	g.groups[i].Name = to
	g.mu.Unlock()

	g.emit(Event{Type: EventRenameGroup, From: from, To: to})
	return nil
}

func (g *Graph) SetGroupMetadata(name string, metadata map[string]any) error {
	g.mu.Lock()
	i := g.groupIndex(name)
	if i < 0 {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	grp := g.groups[i]
	grp.Metadata = mergeMeta(grp.Metadata, metadata)
	ev := Event{Type: EventChangeGroup, Group: grp.clone()}
	g.mu.Unlock()

	g.emit(ev)
	return nil
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i := g.nodeIndex(id)
	if i < 0 {
		return Node{}, false
	}
	return *g.nodes[i].clone(), true
}

func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n.clone())
	}
	return out
}

func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e.clone())
	}
	return out
}

func (g *Graph) Initials() []Initial {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Initial, 0, len(g.initials))
	for _, iip := range g.initials {
		out = append(out, *iip.clone())
	}
	return out
}

func (g *Graph) Inports() []ExportedPort {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return cloneExports(g.inports)
}

func (g *Graph) Outports() []ExportedPort {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return cloneExports(g.outports)
}

// Inport looks up an exported inport by public name.
func (g *Graph) Inport(public string) (ExportedPort, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i := exportIndex(g.inports, public)
	if i < 0 {
		return ExportedPort{}, false
	}
	return *g.inports[i].clone(), true
}

// Outport looks up an exported outport by public name.
func (g *Graph) Outport(public string) (ExportedPort, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i := exportIndex(g.outports, public)
	if i < 0 {
		return ExportedPort{}, false
	}
	return *g.outports[i].clone(), true
}

func (g *Graph) Groups() []Group {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Group, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, *grp.clone())
	}
	return out
}

func (g *Graph) nodeIndex(id string) int {
	for i, n := range g.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (g *Graph) edgeIndex(from, to Endpoint) int {
	for i, e := range g.edges {
		if e.From.same(from) && e.To.same(to) {
			return i
		}
	}
	return -1
}

func (g *Graph) groupIndex(name string) int {
	for i, grp := range g.groups {
		if grp.Name == name {
			return i
		}
	}
	return -1
}

func exportIndex(list []*ExportedPort, public string) int {
	for i, p := range list {
		if p.Public == public {
			return i
		}
	}
	return -1
}

func dropExports(list []*ExportedPort, node string, typ EventType, events []Event) ([]*ExportedPort, []Event) {
	kept := list[:0]
	for _, p := range list {
		if p.Node == node {
			events = append(events, Event{Type: typ, Port: p.clone()})
			continue
		}
		kept = append(kept, p)
	}
	return kept, events
}

func cloneExports(list []*ExportedPort) []ExportedPort {
	out := make([]ExportedPort, 0, len(list))
	for _, p := range list {
		out = append(out, *p.clone())
	}
	return out
}

func without(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func (n *Node) clone() *Node {
	return &Node{ID: n.ID, Component: n.Component, Metadata: copyMeta(n.Metadata)}
}

func (e *Edge) clone() *Edge {
	return &Edge{From: cloneEndpoint(e.From), To: cloneEndpoint(e.To), Metadata: copyMeta(e.Metadata)}
}

func (i *Initial) clone() *Initial {
	return &Initial{Data: i.Data, To: cloneEndpoint(i.To), Metadata: copyMeta(i.Metadata)}
}

func (p *ExportedPort) clone() *ExportedPort {
	return &ExportedPort{Public: p.Public, Node: p.Node, Port: p.Port, Metadata: copyMeta(p.Metadata)}
}

func (grp *Group) clone() *Group {
	return &Group{Name: grp.Name, Nodes: append([]string(nil), grp.Nodes...), Metadata: copyMeta(grp.Metadata)}
}

func cloneEndpoint(e Endpoint) Endpoint {
	if e.Index != nil {
		e.Index = Idx(*e.Index)
	}
	return e
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMeta(dst, src map[string]any) map[string]any {
	out := copyMeta(dst)
	for k, v := range src {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
