package core

import (
	"context"

	"github.com/basket/flowrt/internal/component"
)

// Split copies each packet to every connection of out.
type Split struct{}

func (Split) Description() string { return "Sends each packet to all attached connections" }
func (Split) Icon() string        { return "expand" }

func (Split) InPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "in", Datatype: "all"}}
}

func (Split) OutPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "out", Datatype: "all", Addressable: true}}
}

func (Split) Handle(_ context.Context, _ string, ip component.IP, out component.Emitter) error {
	ip.Index = nil
	out.Send("out", ip)
	return nil
}
