package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/component/core"
	"github.com/basket/flowrt/internal/graph"
)

type mapLoader map[string]component.Factory

func (m mapLoader) Load(_ context.Context, name string) (component.Component, error) {
	f, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("component %q not available", name)
	}
	return f(), nil
}

type failing struct{ core.Repeat }

func (failing) Handle(context.Context, string, component.IP, component.Emitter) error {
	return errors.New("boom")
}

type panicking struct{ core.Repeat }

func (panicking) Handle(context.Context, string, component.IP, component.Emitter) error {
	panic("kaboom")
}

func testLoader() mapLoader {
	l := mapLoader(core.Factories(nil))
	l["test/Fail"] = func() component.Component { return failing{} }
	l["test/Panic"] = func() component.Component { return panicking{} }
	return l
}

func collect(n *Network) <-chan Event {
	ch := make(chan Event, 64)
	n.Observe(ObserverFunc(func(_ *Network, ev Event) { ch <- ev }))
	return ch
}

func waitFor(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func connected(t *testing.T, g *graph.Graph) *Network {
	t.Helper()
	n := New(g, Options{Loader: testLoader()})
	if err := n.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return n
}

func TestNetwork_InitialFlowsAndEnds(t *testing.T) {
	g := graph.New("flow")
	mustOK(t, g.AddNode("Hello", "core/Repeat", nil))
	mustOK(t, g.AddNode("World", "core/Drop", nil))
	mustOK(t, g.AddEdge(graph.Endpoint{Node: "Hello", Port: "out"}, graph.Endpoint{Node: "World", Port: "in"}, nil))
	mustOK(t, g.AddInitial("hi", graph.Endpoint{Node: "Hello", Port: "in"}, nil))

	n := connected(t, g)
	events := collect(n)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := waitFor(t, events, EventStart)
	if start.Started.IsZero() {
		t.Fatal("start event without start time")
	}
	first := waitFor(t, events, EventIP)
	if first.IP.ID != "DATA -> IN Hello()" || first.IP.Src != nil {
		t.Fatalf("unexpected initial ip event: %+v", first.IP)
	}
	second := waitFor(t, events, EventIP)
	if second.IP.ID != "Hello() OUT -> IN World()" || second.IP.IP.Data != "hi" {
		t.Fatalf("unexpected ip event: %+v", second.IP)
	}
	waitFor(t, events, EventEnd)
	if n.IsStarted() {
		t.Fatal("network should have ended after its queue drained")
	}
}

func TestNetwork_ConnectFailureKeepsNoProcesses(t *testing.T) {
	g := graph.New("broken")
	mustOK(t, g.AddNode("A", "core/Repeat", nil))
	mustOK(t, g.AddNode("B", "missing/Thing", nil))

	n := New(g, Options{Loader: testLoader()})
	if err := n.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if len(n.Processes()) != 0 {
		t.Fatalf("expected no processes, got %d", len(n.Processes()))
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestNetwork_ConnectRejectsUnknownPort(t *testing.T) {
	g := graph.New("ports")
	mustOK(t, g.AddNode("A", "core/Repeat", nil))
	mustOK(t, g.AddNode("B", "core/Repeat", nil))
	mustOK(t, g.AddEdge(graph.Endpoint{Node: "A", Port: "nope"}, graph.Endpoint{Node: "B", Port: "in"}, nil))

	n := New(g, Options{Loader: testLoader()})
	if err := n.Connect(context.Background()); !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("expected ErrPortNotFound, got %v", err)
	}
}

func exportedGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("bar")
	mustOK(t, g.AddNode("Hello", "core/Repeat", nil))
	mustOK(t, g.AddNode("World", "core/Repeat", nil))
	mustOK(t, g.AddEdge(graph.Endpoint{Node: "Hello", Port: "out"}, graph.Endpoint{Node: "World", Port: "in"}, nil))
	mustOK(t, g.AddInport("in", "Hello", "in", nil))
	mustOK(t, g.AddOutport("out", "World", "out", nil))
	return g
}

func TestNetwork_InjectAndTap(t *testing.T) {
	n := connected(t, exportedGraph(t))
	if err := n.Inject("in", component.NewData(1)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}

	got := make(chan component.IP, 1)
	detach, err := n.TapOutport("out", func(ip component.IP) { got <- ip })
	if err != nil {
		t.Fatalf("tap: %v", err)
	}
	defer detach()

	events := collect(n)
	mustOK(t, n.Start(context.Background()))
	if !n.IsRunning() {
		t.Fatal("network with exported inports should keep running")
	}
	mustOK(t, n.Inject("in", component.NewData(map[string]any{"hello": "World"})))

	select {
	case ip := <-got:
		m, ok := ip.Data.(map[string]any)
		if !ok || m["hello"] != "World" {
			t.Fatalf("unexpected tapped data: %#v", ip.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outport packet")
	}

	if err := n.Inject("missing", component.NewData(1)); !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("expected ErrPortNotFound, got %v", err)
	}

	mustOK(t, n.Stop(context.Background()))
	end := waitFor(t, events, EventEnd)
	if end.Uptime <= 0 {
		t.Fatalf("expected positive uptime, got %v", end.Uptime)
	}
	if n.IsStarted() || n.IsRunning() {
		t.Fatal("network still marked started after stop")
	}
	// A second stop is a no-op.
	mustOK(t, n.Stop(context.Background()))
}

func TestNetwork_PortSpecsResolveExports(t *testing.T) {
	n := connected(t, exportedGraph(t))
	in, ok := n.InportSpec("in")
	if !ok || in.Name != "in" || in.Type() != "all" {
		t.Fatalf("unexpected inport spec: %+v ok=%v", in, ok)
	}
	if _, ok := n.OutportSpec("nope"); ok {
		t.Fatal("unknown outport resolved")
	}
}

func TestNetwork_ProcessErrors(t *testing.T) {
	for _, tc := range []struct {
		comp      string
		message   string
		wantStack bool
	}{
		{"test/Fail", "boom", false},
		{"test/Panic", "panic: kaboom", true},
	} {
		t.Run(tc.comp, func(t *testing.T) {
			g := graph.New("errors")
			mustOK(t, g.AddNode("X", tc.comp, nil))
			mustOK(t, g.AddInitial(1, graph.Endpoint{Node: "X", Port: "in"}, nil))
			n := connected(t, g)
			events := collect(n)
			mustOK(t, n.Start(context.Background()))

			ev := waitFor(t, events, EventProcessError)
			if ev.Error.ID != "X" || ev.Error.Message != tc.message {
				t.Fatalf("unexpected process error: %+v", ev.Error)
			}
			if tc.wantStack && len(ev.Error.Stack) == 0 {
				t.Fatal("expected stack lines for panic")
			}
			waitFor(t, events, EventEnd)
		})
	}
}

func TestNetwork_LiveMutationsUpdateGraph(t *testing.T) {
	n := connected(t, exportedGraph(t))
	mustOK(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	mustOK(t, n.AddNode("Sink", "core/Drop", map[string]any{"x": 1}))
	if _, ok := n.Graph().Node("Sink"); !ok {
		t.Fatal("node not added to graph")
	}
	if err := n.AddNode("Bad", "missing/Thing", nil); err == nil {
		t.Fatal("expected load error")
	}
	if _, ok := n.Graph().Node("Bad"); ok {
		t.Fatal("failed node must not reach the graph")
	}

	mustOK(t, n.AddEdge(graph.Endpoint{Node: "World", Port: "out"}, graph.Endpoint{Node: "Sink", Port: "in"}, nil))
	mustOK(t, n.RenameNode("Sink", "Drain"))
	if _, ok := n.Process("Drain"); !ok {
		t.Fatal("renamed process missing")
	}
	edges := n.Graph().Edges()
	if len(edges) != 2 || edges[1].To.Node != "Drain" {
		t.Fatalf("unexpected edges after rename: %+v", edges)
	}
	mustOK(t, n.RemoveNode("Drain"))
	if _, ok := n.Process("Drain"); ok {
		t.Fatal("removed process still present")
	}
	if len(n.Graph().Edges()) != 1 {
		t.Fatalf("expected cascade removal, got %+v", n.Graph().Edges())
	}
}

func TestNetwork_AddInitialWhileRunningDelivers(t *testing.T) {
	n := connected(t, exportedGraph(t))
	got := make(chan component.IP, 1)
	detach, err := n.TapOutport("out", func(ip component.IP) { got <- ip })
	mustOK(t, err)
	defer detach()
	mustOK(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	mustOK(t, n.AddInitial(false, graph.Endpoint{Node: "Hello", Port: "in"}, nil))
	select {
	case ip := <-got:
		if ip.Data != false {
			t.Fatalf("unexpected data: %#v", ip.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial not delivered")
	}
}

func TestNetwork_SubgraphBubblesInDebug(t *testing.T) {
	inner := exportedGraph(t)
	loader := testLoader()
	loader["test/Bar"] = func() component.Component { return NewSubgraph(context.Background(), inner, loader, nil) }

	outer := graph.New("outer")
	mustOK(t, outer.AddNode("Sub", "test/Bar", nil))
	mustOK(t, outer.AddInport("in", "Sub", "in", nil))
	mustOK(t, outer.AddOutport("out", "Sub", "out", nil))

	n := New(outer, Options{Loader: loader, Debug: true})
	mustOK(t, n.Connect(context.Background()))
	p, _ := n.Process("Sub")
	if !component.IsSubgraph(p.Instance) {
		t.Fatal("process should be a subgraph")
	}

	got := make(chan component.IP, 1)
	detach, err := n.TapOutport("out", func(ip component.IP) { got <- ip })
	mustOK(t, err)
	defer detach()
	events := collect(n)
	mustOK(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	mustOK(t, n.Inject("in", component.NewData("deep")))
	select {
	case ip := <-got:
		if ip.Data != "deep" {
			t.Fatalf("unexpected data: %#v", ip.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subgraph output not received")
	}
	ev := waitFor(t, events, EventIP)
	if len(ev.IP.Subgraph) != 1 || ev.IP.Subgraph[0] != "Sub" {
		t.Fatalf("expected bubbled event from Sub, got %+v", ev.IP)
	}
	if !strings.Contains(ev.IP.ID, "->") {
		t.Fatalf("unexpected connection id %q", ev.IP.ID)
	}
}

func TestNetwork_SubgraphBubblesUnderRenamedID(t *testing.T) {
	inner := exportedGraph(t)
	loader := testLoader()
	loader["test/Bar"] = func() component.Component { return NewSubgraph(context.Background(), inner, loader, nil) }

	outer := graph.New("outer")
	mustOK(t, outer.AddNode("Sub", "test/Bar", nil))
	mustOK(t, outer.AddInport("in", "Sub", "in", nil))
	mustOK(t, outer.AddOutport("out", "Sub", "out", nil))

	n := New(outer, Options{Loader: loader, Debug: true})
	mustOK(t, n.Connect(context.Background()))
	mustOK(t, n.RenameNode("Sub", "Nested"))

	events := collect(n)
	mustOK(t, n.Start(context.Background()))
	defer n.Stop(context.Background())

	mustOK(t, n.Inject("in", component.NewData("renamed")))
	ev := waitFor(t, events, EventIP)
	if len(ev.IP.Subgraph) != 1 || ev.IP.Subgraph[0] != "Nested" {
		t.Fatalf("bubbled event should carry the new id, got %+v", ev.IP.Subgraph)
	}
}

func TestWithLoading_RecordsChain(t *testing.T) {
	ctx := WithLoading(context.Background(), "demo/outer")
	left := WithLoading(ctx, "demo/left")
	right := WithLoading(ctx, "demo/right")

	if got := strings.Join(LoadStack(left), ","); got != "demo/outer,demo/left" {
		t.Fatalf("left chain = %q", got)
	}
	if got := strings.Join(LoadStack(right), ","); got != "demo/outer,demo/right" {
		t.Fatalf("right chain = %q", got)
	}
	if !Loading(right, "demo/outer") || Loading(right, "demo/left") {
		t.Fatal("siblings must not share a chain")
	}
	if Loading(context.Background(), "demo/outer") {
		t.Fatal("empty context has no chain")
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
