package core

import (
	"context"

	"github.com/basket/flowrt/internal/component"
)

// Merge funnels packets from any connection of its addressable in port to out.
type Merge struct{}

func (Merge) Description() string { return "Merges all incoming connections into one stream" }
func (Merge) Icon() string        { return "compress" }

func (Merge) InPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "in", Datatype: "all", Addressable: true}}
}

func (Merge) OutPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "out", Datatype: "all"}}
}

func (Merge) Handle(_ context.Context, _ string, ip component.IP, out component.Emitter) error {
	ip.Index = nil
	out.Send("out", ip)
	return nil
}
