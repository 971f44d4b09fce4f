// Package protocol implements the FBP runtime protocol on top of the graph,
// network and loader packages. A Runtime authorizes each inbound command,
// routes it to the graph, network, component or runtime handler and turns
// engine events back into protocol messages.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/flowrt/internal/audit"
	"github.com/basket/flowrt/internal/bus"
	"github.com/basket/flowrt/internal/loader"
	"github.com/basket/flowrt/internal/otel"
	"github.com/basket/flowrt/internal/policy"
	"github.com/basket/flowrt/internal/shared"
	"github.com/basket/flowrt/internal/telemetry"
)

// ProtocolVersion is the FBP protocol revision reported by runtime:runtime.
const ProtocolVersion = "0.7"

// DefaultGraphName names graphs cleared without a name.
const DefaultGraphName = "flowrt runtime"

// Conn is the client a command came from. Send must be safe for concurrent
// use; it may fail once the client is gone.
type Conn interface {
	ID() string
	Send(msg Message) error
}

// Broadcaster delivers a message to every connected client.
type Broadcaster interface {
	Broadcast(msg Message)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(msg Message)

func (f BroadcasterFunc) Broadcast(msg Message) { f(msg) }

// Identity describes the runtime in runtime:runtime replies.
type Identity struct {
	Type              string
	ID                string
	Label             string
	Namespace         string
	Repository        string
	RepositoryVersion string
}

type Options struct {
	Gate        policy.Checker
	Loader      *loader.Loader
	Broadcaster Broadcaster
	// Bus receives collaborator events; nil disables publishing.
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	Identity Identity
	// BaseDir is recorded as the baseDir property of graphs created by
	// graph:clear.
	BaseDir string
	// FilterData enables per-graph edge filtering of network data events.
	FilterData bool
	// Debounce builds the re-announce debouncer for registered graphs.
	// Defaults to Trailing(DefaultDebounce).
	Debounce DebounceFunc
}

// handler serves the commands of one protocol.
type handler interface {
	receive(ctx context.Context, topic string, payload json.RawMessage, conn Conn) error
}

type Runtime struct {
	gate     policy.Checker
	loader   *loader.Loader
	out      Broadcaster
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	identity Identity
	baseDir  string

	filterData bool
	debounce   DebounceFunc

	graph     *graphProtocol
	network   *networkProtocol
	component *componentProtocol
	runtime   *runtimeProtocol
	handlers  map[string]handler
}

func New(opts Options) *Runtime {
	r := &Runtime{
		gate:       opts.Gate,
		loader:     opts.Loader,
		out:        opts.Broadcaster,
		bus:        opts.Bus,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
		identity:   opts.Identity,
		baseDir:    opts.BaseDir,
		filterData: opts.FilterData,
		debounce:   opts.Debounce,
	}
	if r.gate == nil {
		r.gate = policy.NewGate(policy.DefaultCapabilities, policy.Default())
	}
	if r.loader == nil {
		r.loader = loader.New(loader.Options{Logger: opts.Logger})
	}
	if r.out == nil {
		r.out = BroadcasterFunc(func(Message) {})
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if r.debounce == nil {
		r.debounce = Trailing(DefaultDebounce)
	}
	if r.identity.Type == "" {
		r.identity.Type = "flowrt"
	}

	r.graph = newGraphProtocol(r)
	r.network = newNetworkProtocol(r)
	r.component = newComponentProtocol(r)
	r.runtime = newRuntimeProtocol(r)
	r.network.observe(r.runtime)
	r.handlers = map[string]handler{
		"graph":     r.graph,
		"network":   r.network,
		"component": r.component,
		"runtime":   r.runtime,
	}
	return r
}

// Receive authorizes and handles one inbound command. Replies and errors go
// to conn; state changes are broadcast.
func (r *Runtime) Receive(ctx context.Context, protocol, topic string, payload json.RawMessage, conn Conn) {
	start := time.Now()
	command := protocol + ":" + topic
	attrs := []attribute.KeyValue{otel.AttrProtocol.String(protocol), otel.AttrCommand.String(topic)}
	if conn != nil {
		attrs = append(attrs, otel.AttrClientID.String(conn.ID()))
	}
	ctx, span := otel.StartServerSpan(ctx, r.tracer, command, attrs...)
	defer span.End()
	logger := telemetry.ForCommand(ctx, r.logger, protocol, topic)

	secret := secretOf(payload)
	if !r.gate.CanInput(protocol, topic, secret) {
		required, _, _ := policy.Required(protocol, topic)
		span.SetAttributes(otel.AttrPermission.StringSlice(required))
		span.SetStatus(codes.Error, "missing_capability")
		audit.RecordContext(ctx, audit.Deny, command, "missing_capability", r.gate.PolicyVersion(), subjectOf(secret))
		if r.metrics != nil {
			r.metrics.CommandDenied.Add(ctx, 1, metric.WithAttributes(attrs[:2]...))
		}
		logger.Warn("command denied")
		r.replyError(ctx, conn, protocol, errorf(KindAuthorization, "%s is not permitted", command))
		return
	}

	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.Debug("command received", "payload", loggable(payload))
	}

	h, ok := r.handlers[protocol]
	if !ok {
		r.replyError(ctx, conn, protocol, errorf(KindUnsupported, "Protocol %s is not supported", protocol))
		return
	}
	if err := h.receive(ctx, topic, payload, conn); err != nil {
		pe := wrap(err)
		logger.Info("command failed", "kind", string(pe.Kind), "error", pe.Message, "cause", pe.Err)
		span.SetAttributes(attribute.String("flowrt.error.kind", string(pe.Kind)))
		r.replyError(ctx, conn, protocol, pe)
	}
	if r.metrics != nil {
		r.metrics.CommandDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs[:2]...))
	}
}

// Handle is Receive for an already decoded envelope.
func (r *Runtime) Handle(ctx context.Context, req Request, conn Conn) {
	r.Receive(ctx, req.Protocol, req.Command, req.Payload, conn)
}

func (r *Runtime) replyError(ctx context.Context, conn Conn, protocol string, err *Error) {
	if r.metrics != nil && err.Kind != KindAuthorization {
		r.metrics.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			otel.AttrProtocol.String(protocol), attribute.String("kind", string(err.Kind))))
	}
	r.send(conn, protocol, "error", errorPayload{Message: err.Message})
}

// send replies to one client. A nil conn means nobody is waiting.
func (r *Runtime) send(conn Conn, protocol, command string, payload any) {
	if conn == nil {
		return
	}
	if err := conn.Send(Message{Protocol: protocol, Command: command, Payload: payload}); err != nil {
		r.logger.Debug("reply dropped", "client_id", conn.ID(), "protocol", protocol, "command", command, "error", err)
	}
}

func (r *Runtime) broadcast(protocol, command string, payload any) {
	r.out.Broadcast(Message{Protocol: protocol, Command: command, Payload: payload})
}

// sendOrBroadcast replies to conn, or to everybody when there is no conn.
func (r *Runtime) sendOrBroadcast(conn Conn, protocol, command string, payload any) {
	if conn == nil {
		r.broadcast(protocol, command, payload)
		return
	}
	r.send(conn, protocol, command, payload)
}

func (r *Runtime) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

// subjectOf identifies a secret in the audit trail without recording it.
func subjectOf(secret string) string {
	if secret == "" {
		return "anonymous"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(secret))
	return fmt.Sprintf("secret:%08x", h.Sum32())
}

// withGraph scopes ctx to a graph id for logging.
func withGraph(ctx context.Context, id string) context.Context {
	return shared.WithGraphID(ctx, id)
}
