package core

import (
	"context"

	"github.com/basket/flowrt/internal/component"
)

// Repeat forwards every packet from in to out unchanged.
type Repeat struct{}

func (Repeat) Description() string { return "Forwards packets and brackets unchanged" }
func (Repeat) Icon() string        { return "forward" }

func (Repeat) InPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "in", Datatype: "all", Description: "Packet to forward"}}
}

func (Repeat) OutPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "out", Datatype: "all"}}
}

func (Repeat) Handle(_ context.Context, _ string, ip component.IP, out component.Emitter) error {
	out.Send("out", ip)
	return nil
}
