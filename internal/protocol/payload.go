package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/shared"
)

// Message is one protocol envelope as sent to clients.
type Message struct {
	Protocol string `json:"protocol"`
	Command  string `json:"command"`
	Payload  any    `json:"payload"`
}

// Request is an inbound envelope whose payload is decoded by the handler.
type Request struct {
	Protocol string          `json:"protocol"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload"`
}

type wireEndpoint struct {
	Node  string `json:"node"`
	Port  string `json:"port"`
	Index *int   `json:"index,omitempty"`
}

func toWire(e graph.Endpoint) wireEndpoint {
	return wireEndpoint{Node: e.Node, Port: e.Port, Index: e.Index}
}

func toWirePtr(e *graph.Endpoint) *wireEndpoint {
	if e == nil {
		return nil
	}
	w := toWire(*e)
	return &w
}

// endpointRequest is an endpoint as clients send it. Index may be any JSON
// value; only whole non-negative numbers address a connection.
type endpointRequest struct {
	Node  string `json:"node" validate:"required"`
	Port  string `json:"port" validate:"required"`
	Index any    `json:"index"`
}

func (e endpointRequest) endpoint() graph.Endpoint {
	return graph.Endpoint{Node: e.Node, Port: e.Port, Index: numericIndex(e.Index)}
}

func numericIndex(v any) *int {
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) {
		return nil
	}
	return graph.Idx(int(f))
}

// decode unmarshals a payload. Missing and null payloads leave v untouched.
func decode(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// secretOf extracts payload.secret; malformed payloads count as anonymous.
func secretOf(raw json.RawMessage) string {
	var p struct {
		Secret string `json:"secret"`
	}
	_ = decode(raw, &p)
	return p.Secret
}

// loggable decodes a payload for debug logging with the client secret
// removed. Non-object payloads are logged as received.
func loggable(raw json.RawMessage) any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	return shared.WithoutSecret(m)
}

const maxBufferPreview = 20

// normalizeData makes a packet value safe to ship to a client.
func normalizeData(v any, secure bool) any {
	if secure {
		return "DATA"
	}
	switch d := v.(type) {
	case nil:
		return nil
	case []byte:
		if len(d) > maxBufferPreview {
			d = d[:maxBufferPreview]
		}
		return d
	case json.Marshaler:
		b, err := d.MarshalJSON()
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return json.RawMessage(b)
	case error:
		return d.Error()
	case fmt.Stringer:
		return d.String()
	default:
		return v
	}
}

func isSecure(metadata map[string]any) bool {
	secure, _ := metadata["secure"].(bool)
	return secure
}
