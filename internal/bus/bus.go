// Package bus carries runtime events to in-process collaborators.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 128

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Runtime collaborator topics. Embedders subscribe to these to follow what
// protocol clients change, without speaking the wire protocol themselves.
const (
	TopicGraphUpdated     = "graph.updated"
	TopicComponentUpdated = "component.updated"
	TopicRuntimePacket    = "runtime.packet"
	TopicRuntimePorts     = "runtime.ports"
	TopicNetworkAdded     = "network.added"
	TopicNetworkRemoved   = "network.removed"
)

// GraphUpdated is published when a graph transaction ends.
type GraphUpdated struct {
	Name  string `json:"name"`  // Graph name property
	Graph string `json:"graph"` // Registry id
}

// ComponentUpdated is published after component source was stored.
type ComponentUpdated struct {
	Name     string `json:"name"`
	Library  string `json:"library"`
	Code     string `json:"code"`
	Tests    string `json:"tests,omitempty"`
	Language string `json:"language"`
}

// RuntimePacket is published when an exported outport of a network emits.
type RuntimePacket struct {
	Graph   string `json:"graph"`
	Port    string `json:"port"`
	Event   string `json:"event"` // data, begingroup or endgroup
	Payload any    `json:"payload,omitempty"`
}

// RuntimePorts is published when the exported ports of a network change.
type RuntimePorts struct {
	Graph    string   `json:"graph"`
	InPorts  []string `json:"inPorts"`
	OutPorts []string `json:"outPorts"`
}

// NetworkChanged is published on network registry insertions and removals.
type NetworkChanged struct {
	Graph string `json:"graph"`
}

// Subscription receives the events whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and its drop count goes up.
type Bus struct {
	mu   sync.Mutex
	subs []*Subscription
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers interest in topics starting with topicPrefix. An
// empty prefix receives everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, defaultBufferSize)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Removing a subscription
// twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers payload under topic. A nil bus discards it.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload, At: time.Now().UTC()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
