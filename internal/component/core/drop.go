package core

import (
	"context"

	"github.com/basket/flowrt/internal/component"
)

// Drop discards everything it receives.
type Drop struct{}

func (Drop) Description() string { return "Drops all packets" }
func (Drop) Icon() string        { return "trash-o" }

func (Drop) InPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "in", Datatype: "all", Description: "Packet to drop"}}
}

func (Drop) OutPorts() []component.PortSpec { return nil }

func (Drop) Handle(context.Context, string, component.IP, component.Emitter) error {
	return nil
}
