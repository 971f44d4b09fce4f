package core

import (
	"context"
	"sync"

	"github.com/basket/flowrt/internal/component"
)

// Kick sends the value last received on data whenever a packet reaches in.
type Kick struct {
	mu   sync.Mutex
	data any
}

func (*Kick) Description() string { return "Sends a stored value when triggered" }
func (*Kick) Icon() string        { return "share" }

func (*Kick) InPorts() []component.PortSpec {
	return []component.PortSpec{
		{Name: "in", Datatype: "bang", Description: "Trigger", Required: true},
		{Name: "data", Datatype: "all", Description: "Value to send"},
	}
}

func (*Kick) OutPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "out", Datatype: "all"}}
}

func (k *Kick) Handle(_ context.Context, port string, ip component.IP, out component.Emitter) error {
	if ip.Type != component.Data {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	switch port {
	case "data":
		k.data = ip.Data
	case "in":
		out.Send("out", component.NewData(k.data))
	default:
		return component.ErrUnknownPort
	}
	return nil
}
