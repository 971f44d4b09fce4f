// Package component defines what a network process is: its ports, the
// information packets it exchanges and the hooks the network calls.
package component

import (
	"context"
	"errors"
)

var ErrUnknownPort = errors.New("unknown port")

type IPType string

const (
	OpenBracket  IPType = "openBracket"
	Data         IPType = "data"
	CloseBracket IPType = "closeBracket"
)

// IP is an information packet travelling between processes.
type IP struct {
	Type     IPType
	Data     any
	Datatype string
	Schema   string
	// Index addresses one connection of an addressable port.
	Index *int
}

// NewData builds a data packet.
func NewData(v any) IP {
	return IP{Type: Data, Data: v}
}

// PortSpec describes one port of a component.
type PortSpec struct {
	Name        string
	Datatype    string
	Schema      string
	Description string
	Required    bool
	Addressable bool
	Values      []any
	Default     any
	// Hidden ports cannot be attached to from a graph and are not listed.
	Hidden bool
}

// Attachable reports whether the port may be connected from a graph.
func (p PortSpec) Attachable() bool {
	return !p.Hidden
}

// Type returns the datatype, "all" when unset.
func (p PortSpec) Type() string {
	if p.Datatype == "" {
		return "all"
	}
	return p.Datatype
}

// Emitter is handed to a component while it handles a packet. Implementations
// are safe for concurrent use.
type Emitter interface {
	Send(port string, ip IP)
	SetIcon(icon string)
}

// Component is a process implementation. Handle is called once per inbound
// packet, never concurrently for the same instance.
type Component interface {
	Description() string
	Icon() string
	InPorts() []PortSpec
	OutPorts() []PortSpec
	Handle(ctx context.Context, port string, ip IP, out Emitter) error
}

// Starter components are notified when their network starts.
type Starter interface {
	Start(ctx context.Context, out Emitter) error
}

// Stopper components are notified when their network stops.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Readier components finish setting up asynchronously; Ready is closed once
// the ports are final.
type Readier interface {
	Ready() <-chan struct{}
}

// Subgraph is implemented by components backed by a graph.
type Subgraph interface {
	IsSubgraph() bool
}

// IsSubgraph reports whether c is graph-backed.
func IsSubgraph(c Component) bool {
	s, ok := c.(Subgraph)
	return ok && s.IsSubgraph()
}

// FindPort looks a port up by name.
func FindPort(ports []PortSpec, name string) (PortSpec, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

// Factory creates a fresh component instance.
type Factory func() Component
