package graph

import (
	"strconv"
	"sync/atomic"
)

type EventType string

const (
	EventAddNode       EventType = "addnode"
	EventRemoveNode    EventType = "removenode"
	EventRenameNode    EventType = "renamenode"
	EventChangeNode    EventType = "changenode"
	EventAddEdge       EventType = "addedge"
	EventRemoveEdge    EventType = "removeedge"
	EventChangeEdge    EventType = "changeedge"
	EventAddInitial    EventType = "addinitial"
	EventRemoveInitial EventType = "removeinitial"
	EventAddInport     EventType = "addinport"
	EventRemoveInport  EventType = "removeinport"
	EventRenameInport  EventType = "renameinport"
	EventAddOutport    EventType = "addoutport"
	EventRemoveOutport EventType = "removeoutport"
	EventRenameOutport EventType = "renameoutport"
	EventAddGroup      EventType = "addgroup"
	EventRemoveGroup   EventType = "removegroup"
	EventRenameGroup   EventType = "renamegroup"
	EventChangeGroup   EventType = "changegroup"

	EventStartTransaction EventType = "starttransaction"
	EventEndTransaction   EventType = "endtransaction"
)

// Event describes one graph change. Only the field matching Type is set;
// renames use From and To.
type Event struct {
	Type        EventType
	Node        *Node
	Edge        *Edge
	Initial     *Initial
	Port        *ExportedPort
	Group       *Group
	From        string
	To          string
	Transaction string
}

// Structural reports whether the event changes the graph, as opposed to
// transaction bookkeeping.
func (e Event) Structural() bool {
	return e.Type != EventStartTransaction && e.Type != EventEndTransaction
}

// ExportsChanged reports whether the event alters the exported port set.
func (e Event) ExportsChanged() bool {
	switch e.Type {
	case EventAddInport, EventRemoveInport, EventRenameInport,
		EventAddOutport, EventRemoveOutport, EventRenameOutport:
		return true
	}
	return false
}

// Observer receives graph events in mutation order.
type Observer interface {
	OnGraphEvent(g *Graph, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(g *Graph, ev Event)

func (f ObserverFunc) OnGraphEvent(g *Graph, ev Event) { f(g, ev) }

var txCounter atomic.Uint64

// Observe attaches an observer and returns a function detaching it.
func (g *Graph) Observe(o Observer) (detach func()) {
	g.obsMu.Lock()
	g.nextObs++
	id := g.nextObs
	g.observers[id] = o
	g.obsMu.Unlock()
	return func() {
		g.obsMu.Lock()
		delete(g.observers, id)
		g.obsMu.Unlock()
	}
}

// StartTransaction opens an explicit transaction; changes until
// EndTransaction are reported as one batch.
func (g *Graph) StartTransaction(id string) {
	g.obsMu.Lock()
	if g.txOpen {
		g.obsMu.Unlock()
		return
	}
	g.txOpen = true
	g.txID = id
	g.obsMu.Unlock()
	g.notify(Event{Type: EventStartTransaction, Transaction: id})
}

func (g *Graph) EndTransaction(id string) {
	g.obsMu.Lock()
	if !g.txOpen {
		g.obsMu.Unlock()
		return
	}
	g.txOpen = false
	g.txID = ""
	g.obsMu.Unlock()
	g.notify(Event{Type: EventEndTransaction, Transaction: id})
}

// emit delivers events, wrapping them in an implicit transaction when no
// explicit one is open.
func (g *Graph) emit(events ...Event) {
	g.obsMu.Lock()
	implicit := !g.txOpen
	g.obsMu.Unlock()
	if !implicit {
		for _, ev := range events {
			g.notify(ev)
		}
		return
	}
	id := "implicit-" + strconv.FormatUint(txCounter.Add(1), 10)
	g.StartTransaction(id)
	for _, ev := range events {
		g.notify(ev)
	}
	g.EndTransaction(id)
}

func (g *Graph) notify(ev Event) {
	g.obsMu.Lock()
	observers := make([]Observer, 0, len(g.observers))
	for i := 1; i <= g.nextObs; i++ {
		if o, ok := g.observers[i]; ok {
			observers = append(observers, o)
		}
	}
	g.obsMu.Unlock()
	for _, o := range observers {
		o.OnGraphEvent(g, ev)
	}
}
