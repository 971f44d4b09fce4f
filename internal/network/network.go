// Package network runs a graph: it instantiates a process per node, wires
// connections and moves packets between processes on a single scheduler
// goroutine per network.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/graph"
)

var (
	ErrNotConnected    = errors.New("network not connected")
	ErrNotRunning      = errors.New("network not running")
	ErrProcessNotFound = errors.New("process not found")
	ErrPortNotFound    = errors.New("port not found")
)

// Loader resolves component names to fresh instances.
type Loader interface {
	Load(ctx context.Context, name string) (component.Component, error)
}

type Options struct {
	Loader Loader
	Logger *slog.Logger
	Debug  bool
}

// Process is a running instance of a graph node.
type Process struct {
	ID        string
	Component string
	Instance  component.Component
}

type connection struct {
	from     graph.Endpoint
	to       graph.Endpoint
	metadata map[string]any
}

type delivery struct {
	proc string
	port string
	ip   component.IP
}

type tap struct {
	node string
	port string
	fn   func(component.IP)
}

type Network struct {
	runID  string
	graph  *graph.Graph
	loader Loader
	logger *slog.Logger

	mu         sync.Mutex
	processes  map[string]*Process
	conns      []*connection
	taps       map[int]*tap
	nextTap    int
	bubbles    map[string]func()
	connected  bool
	started    bool
	persistent bool
	debug      bool
	startedAt  time.Time
	pending    []delivery
	wake       chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// New creates an unconnected network for g.
func New(g *graph.Graph, opts Options) *Network {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	return &Network{
		runID:     runID,
		graph:     g,
		loader:    opts.Loader,
		logger:    logger.With("network", g.Name(), "run_id", runID),
		processes: map[string]*Process{},
		taps:      map[int]*tap{},
		bubbles:   map[string]func(){},
		debug:     opts.Debug,
		wake:      make(chan struct{}, 1),
		observers: map[int]Observer{},
	}
}

func (n *Network) Graph() *graph.Graph { return n.graph }
func (n *Network) RunID() string       { return n.runID }

// Connect instantiates every node and wires the graph's edges. On failure
// the network keeps no processes.
func (n *Network) Connect(ctx context.Context) error {
	if n.loader == nil {
		return fmt.Errorf("connect: no component loader")
	}
	procs := map[string]*Process{}
	for _, node := range n.graph.Nodes() {
		p, err := n.loadProcess(ctx, node.ID, node.Component)
		if err != nil {
			return err
		}
		procs[node.ID] = p
	}
	var conns []*connection
	for _, e := range n.graph.Edges() {
		if err := checkEdge(procs, e.From, e.To); err != nil {
			return err
		}
		conns = append(conns, &connection{from: e.From, to: e.To, metadata: e.Metadata})
	}
	for _, iip := range n.graph.Initials() {
		if err := checkInport(procs, iip.To); err != nil {
			return err
		}
	}

	n.mu.Lock()
	n.processes = procs
	n.conns = conns
	n.connected = true
	n.mu.Unlock()
	for id, p := range procs {
		n.attachSubgraph(id, p)
	}
	return nil
}

func (n *Network) loadProcess(ctx context.Context, id, name string) (*Process, error) {
	inst, err := n.loader.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load %s (%s): %w", id, name, err)
	}
	if r, ok := inst.(component.Readier); ok {
		select {
		case <-r.Ready():
		case <-ctx.Done():
			return nil, fmt.Errorf("load %s (%s): %w", id, name, ctx.Err())
		}
	}
	if sg, ok := inst.(*Subgraph); ok && sg.Err() != nil {
		return nil, fmt.Errorf("load %s (%s): %w", id, name, sg.Err())
	}
	return &Process{ID: id, Component: name, Instance: inst}, nil
}

func checkEdge(procs map[string]*Process, from, to graph.Endpoint) error {
	src, ok := procs[from.Node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, from.Node)
	}
	if _, ok := component.FindPort(src.Instance.OutPorts(), from.Port); !ok {
		return fmt.Errorf("%w: %s has no outport %q", ErrPortNotFound, from.Node, from.Port)
	}
	return checkInport(procs, to)
}

func checkInport(procs map[string]*Process, to graph.Endpoint) error {
	tgt, ok := procs[to.Node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, to.Node)
	}
	if _, ok := component.FindPort(tgt.Instance.InPorts(), to.Port); !ok {
		return fmt.Errorf("%w: %s has no inport %q", ErrPortNotFound, to.Node, to.Port)
	}
	return nil
}

// Start delivers initial packets and begins scheduling. Starting a started
// network is a no-op.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return ErrNotConnected
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	n.started = true
	n.startedAt = time.Now()
	n.cancel = cancel
	n.done = make(chan struct{})
	n.pending = nil
	n.persistent = len(n.graph.Inports()) > 0
	procs := make([]*Process, 0, len(n.processes))
	for _, p := range n.processes {
		procs = append(procs, p)
		if _, ok := p.Instance.(component.Starter); ok {
			n.persistent = true
		}
	}
	startedAt, done := n.startedAt, n.done
	n.mu.Unlock()

	n.logger.Info("network starting", "processes", len(procs))
	n.notify(Event{Type: EventStart, Started: startedAt})

	for _, p := range procs {
		if s, ok := p.Instance.(component.Starter); ok {
			if err := s.Start(ctx, n.emitterFor(p.ID)); err != nil {
				n.processError(p.ID, err, nil)
			}
		}
	}
	for _, iip := range n.graph.Initials() {
		n.sendInitial(iip)
	}
	go n.loop(loopCtx, done)
	return nil
}

// Stop halts scheduling, waits for the scheduler to exit and emits end.
// Stopping a network that is not started is a no-op.
func (n *Network) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.pending = nil
	cancel, done, startedAt := n.cancel, n.done, n.startedAt
	n.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	n.finish(ctx, startedAt)
	return nil
}

func (n *Network) finish(ctx context.Context, startedAt time.Time) {
	for _, p := range n.Processes() {
		if s, ok := p.Instance.(component.Stopper); ok {
			if err := s.Stop(ctx); err != nil {
				n.logger.Warn("process stop failed", "process", p.ID, "error", err)
			}
		}
	}
	uptime := time.Since(startedAt)
	n.logger.Info("network stopped", "uptime", uptime)
	n.notify(Event{Type: EventEnd, Started: startedAt, Uptime: uptime})
}

// IsStarted reports whether Start was called and the network has not ended.
func (n *Network) IsStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// IsRunning reports whether the network is started and still has, or can
// still receive, work.
func (n *Network) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && (n.persistent || len(n.pending) > 0)
}

// StartedAt is the zero time when the network is not started.
func (n *Network) StartedAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return time.Time{}
	}
	return n.startedAt
}

func (n *Network) SetDebug(enable bool) {
	n.mu.Lock()
	n.debug = enable
	var inner []*Network
	for _, p := range n.processes {
		if sg, ok := p.Instance.(*Subgraph); ok && sg.Inner() != nil {
			inner = append(inner, sg.Inner())
		}
	}
	n.mu.Unlock()
	for _, in := range inner {
		in.SetDebug(enable)
	}
}

func (n *Network) Debug() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.debug
}

// Process returns the process for a node id.
func (n *Network) Process(id string) (Process, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.processes[id]
	if !ok {
		return Process{}, false
	}
	return *p, true
}

func (n *Network) Processes() []Process {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Process, 0, len(n.processes))
	for _, p := range n.processes {
		out = append(out, *p)
	}
	return out
}

// InportSpec resolves an exported inport to the spec of the internal port.
func (n *Network) InportSpec(public string) (component.PortSpec, bool) {
	exp, ok := n.graph.Inport(public)
	if !ok {
		return component.PortSpec{}, false
	}
	p, ok := n.Process(exp.Node)
	if !ok {
		return component.PortSpec{}, false
	}
	spec, ok := component.FindPort(p.Instance.InPorts(), exp.Port)
	if !ok {
		return component.PortSpec{}, false
	}
	spec.Name = public
	return spec, true
}

// OutportSpec resolves an exported outport to the spec of the internal port.
func (n *Network) OutportSpec(public string) (component.PortSpec, bool) {
	exp, ok := n.graph.Outport(public)
	if !ok {
		return component.PortSpec{}, false
	}
	p, ok := n.Process(exp.Node)
	if !ok {
		return component.PortSpec{}, false
	}
	spec, ok := component.FindPort(p.Instance.OutPorts(), exp.Port)
	if !ok {
		return component.PortSpec{}, false
	}
	spec.Name = public
	return spec, true
}

// Inject delivers ip to the process behind an exported inport through a
// transient connection. No ip event is emitted for it.
func (n *Network) Inject(public string, ip component.IP) error {
	exp, ok := n.graph.Inport(public)
	if !ok {
		return fmt.Errorf("%w: inport %q", ErrPortNotFound, public)
	}
	n.mu.Lock()
	if _, ok := n.processes[exp.Node]; !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, exp.Node)
	}
	if !n.started {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.mu.Unlock()
	n.enqueue(delivery{proc: exp.Node, port: exp.Port, ip: ip})
	return nil
}

// TapOutport calls fn for every packet sent on the internal port behind an
// exported outport, until the returned detach func is called.
func (n *Network) TapOutport(public string, fn func(component.IP)) (detach func(), err error) {
	exp, ok := n.graph.Outport(public)
	if !ok {
		return nil, fmt.Errorf("%w: outport %q", ErrPortNotFound, public)
	}
	n.mu.Lock()
	n.nextTap++
	id := n.nextTap
	n.taps[id] = &tap{node: exp.Node, port: exp.Port, fn: fn}
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.taps, id)
		n.mu.Unlock()
	}, nil
}

func (n *Network) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		d, ok := n.next()
		if !ok {
			if n.endIfIdle(ctx) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-n.wake:
			}
			continue
		}
		n.deliver(ctx, d)
	}
}

func (n *Network) next() (delivery, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) == 0 {
		return delivery{}, false
	}
	d := n.pending[0]
	n.pending[0] = delivery{}
	n.pending = n.pending[1:]
	return d, true
}

// endIfIdle ends a network that cannot receive further work once its queue
// has drained.
func (n *Network) endIfIdle(ctx context.Context) bool {
	n.mu.Lock()
	if !n.started || n.persistent || len(n.pending) > 0 {
		n.mu.Unlock()
		return false
	}
	n.started = false
	startedAt := n.startedAt
	n.mu.Unlock()
	n.finish(ctx, startedAt)
	return true
}

func (n *Network) enqueue(d delivery) {
	n.mu.Lock()
	n.pending = append(n.pending, d)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Network) deliver(ctx context.Context, d delivery) {
	n.mu.Lock()
	p := n.processes[d.proc]
	n.mu.Unlock()
	if p == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.processError(d.proc, fmt.Errorf("panic: %v", r), stackLines(debug.Stack()))
		}
	}()
	if err := p.Instance.Handle(ctx, d.port, d.ip, n.emitterFor(d.proc)); err != nil {
		n.processError(d.proc, err, nil)
	}
}

func (n *Network) processError(proc string, err error, stack []string) {
	n.logger.Error("process error", "process", proc, "error", err)
	n.notify(Event{Type: EventProcessError, Error: &ProcessError{ID: proc, Message: err.Error(), Stack: stack}})
}

func stackLines(raw []byte) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (n *Network) sendInitial(iip graph.Initial) {
	ip := component.NewData(iip.Data)
	ip.Index = iip.To.Index
	n.notify(Event{Type: EventIP, IP: &IPEvent{
		ID:       connectionID(nil, iip.To),
		IP:       ip,
		Tgt:      iip.To,
		Metadata: iip.Metadata,
	}})
	n.enqueue(delivery{proc: iip.To.Node, port: iip.To.Port, ip: ip})
}

// route moves a packet sent by proc on port along every matching connection
// and to every outport tap.
func (n *Network) route(proc, port string, ip component.IP) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	var targets []connection
	for _, c := range n.conns {
		if c.from.Node != proc || c.from.Port != port {
			continue
		}
		if ip.Index != nil && c.from.Index != nil && *c.from.Index != *ip.Index {
			continue
		}
		targets = append(targets, *c)
	}
	var taps []func(component.IP)
	for _, t := range n.taps {
		if t.node == proc && t.port == port {
			taps = append(taps, t.fn)
		}
	}
	n.mu.Unlock()

	for _, c := range targets {
		delivered := ip
		delivered.Index = c.to.Index
		src := c.from
		n.notify(Event{Type: EventIP, IP: &IPEvent{
			ID:       connectionID(&src, c.to),
			IP:       delivered,
			Src:      &src,
			Tgt:      c.to,
			Metadata: c.metadata,
		}})
		n.enqueue(delivery{proc: c.to.Node, port: c.to.Port, ip: delivered})
	}
	for _, fn := range taps {
		fn(ip)
	}
}

type processEmitter struct {
	n    *Network
	proc string
}

func (e processEmitter) Send(port string, ip component.IP) {
	e.n.route(e.proc, port, ip)
}

func (e processEmitter) SetIcon(icon string) {
	e.n.notify(Event{Type: EventIcon, Icon: &IconEvent{ID: e.proc, Icon: icon}})
}

func (n *Network) emitterFor(proc string) component.Emitter {
	return processEmitter{n: n, proc: proc}
}

// attachSubgraph re-emits ip events of an inner network, prefixed with the
// process's current id, while the outer network is in debug mode.
func (n *Network) attachSubgraph(id string, p *Process) {
	sg, ok := p.Instance.(*Subgraph)
	if !ok || sg.Inner() == nil {
		return
	}
	detach := sg.Inner().Observe(ObserverFunc(func(_ *Network, ev Event) {
		if ev.Type != EventIP || !n.Debug() {
			return
		}
		n.mu.Lock()
		name := p.ID
		live := n.processes[name] == p
		n.mu.Unlock()
		if !live {
			return
		}
		bubbled := *ev.IP
		bubbled.Subgraph = append([]string{name}, ev.IP.Subgraph...)
		n.notify(Event{Type: EventIP, IP: &bubbled})
	}))
	n.mu.Lock()
	n.bubbles[id] = detach
	n.mu.Unlock()
}

func (n *Network) detachSubgraph(id string) {
	n.mu.Lock()
	detach := n.bubbles[id]
	delete(n.bubbles, id)
	n.mu.Unlock()
	if detach != nil {
		detach()
	}
}
