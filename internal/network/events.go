package network

import (
	"strconv"
	"strings"
	"time"

	"github.com/basket/flowrt/internal/component"
	"github.com/basket/flowrt/internal/graph"
)

type EventType string

const (
	EventStart        EventType = "start"
	EventEnd          EventType = "end"
	EventIcon         EventType = "icon"
	EventIP           EventType = "ip"
	EventProcessError EventType = "process-error"
)

// Event is emitted by a network to its observers.
type Event struct {
	Type    EventType
	Time    time.Time
	Started time.Time
	Uptime  time.Duration

	IP    *IPEvent
	Icon  *IconEvent
	Error *ProcessError
}

// IPEvent describes a packet crossing a connection.
type IPEvent struct {
	// ID is the human readable connection id, e.g. "A() OUT -> IN B()".
	ID string
	IP component.IP
	// Src is nil for initial packets.
	Src      *graph.Endpoint
	Tgt      graph.Endpoint
	Metadata map[string]any
	// Subgraph is the process path for packets bubbled from inner networks.
	Subgraph []string
}

type IconEvent struct {
	ID   string
	Icon string
}

// ProcessError is a failure raised while a process handled a packet.
type ProcessError struct {
	ID      string
	Message string
	Stack   []string
}

func (e *ProcessError) Error() string {
	return e.ID + ": " + e.Message
}

// Observer receives network events. Calls may come from the network's
// scheduler goroutine.
type Observer interface {
	OnNetworkEvent(n *Network, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n *Network, ev Event)

func (f ObserverFunc) OnNetworkEvent(n *Network, ev Event) { f(n, ev) }

// Observe attaches an observer and returns a function detaching it.
func (n *Network) Observe(o Observer) (detach func()) {
	n.obsMu.Lock()
	n.nextObs++
	id := n.nextObs
	n.observers[id] = o
	n.obsMu.Unlock()
	return func() {
		n.obsMu.Lock()
		delete(n.observers, id)
		n.obsMu.Unlock()
	}
}

func (n *Network) notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	n.obsMu.Lock()
	observers := make([]Observer, 0, len(n.observers))
	for i := 1; i <= n.nextObs; i++ {
		if o, ok := n.observers[i]; ok {
			observers = append(observers, o)
		}
	}
	n.obsMu.Unlock()
	for _, o := range observers {
		o.OnNetworkEvent(n, ev)
	}
}

func connectionID(src *graph.Endpoint, tgt graph.Endpoint) string {
	if src == nil {
		return "DATA -> " + portLabel(tgt) + " " + tgt.Node + "()"
	}
	return src.Node + "() " + portLabel(*src) + " -> " + portLabel(tgt) + " " + tgt.Node + "()"
}

func portLabel(e graph.Endpoint) string {
	label := strings.ToUpper(e.Port)
	if e.Index != nil {
		label += "[" + strconv.Itoa(*e.Index) + "]"
	}
	return label
}
