package core

import (
	"context"
	"log/slog"

	"github.com/basket/flowrt/internal/component"
)

// Output logs each data packet and passes it on.
type Output struct {
	Logger *slog.Logger
}

func (*Output) Description() string { return "Logs packets and forwards them" }
func (*Output) Icon() string        { return "bug" }

func (*Output) InPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "in", Datatype: "all", Description: "Packet to log"}}
}

func (*Output) OutPorts() []component.PortSpec {
	return []component.PortSpec{{Name: "out", Datatype: "all"}}
}

func (o *Output) Handle(ctx context.Context, _ string, ip component.IP, out component.Emitter) error {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if ip.Type == component.Data {
		logger.InfoContext(ctx, "output", "data", ip.Data)
	}
	out.Send("out", ip)
	return nil
}
