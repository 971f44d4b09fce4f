package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/basket/flowrt/internal/graph"
)

// The methods below drive the runtime in-process, for startup, the cron
// scheduler and the status endpoint. They emit the same broadcasts as the
// equivalent protocol commands.

// RegisterGraph adds g under id as if a client had cleared it. The library
// property, when set, prefixes the component name.
func (r *Runtime) RegisterGraph(ctx context.Context, id string, g *graph.Graph, main bool) {
	library := r.loader.NormalizeLibrary(g.Property("library"))
	if main {
		g.SetProperty("main", true)
	}
	r.graph.register(ctx, id, fullName(library, id), g, main, nil)
}

// Graph returns the registered graph with the given id.
func (r *Runtime) Graph(id string) (*graph.Graph, bool) {
	return r.graph.get(id)
}

// Graphs lists registered graph ids in order.
func (r *Runtime) Graphs() []string {
	return r.graph.ids()
}

// MainGraph is the component name of the main graph, empty when unset.
func (r *Runtime) MainGraph() string {
	return r.runtime.main()
}

// StartNetwork starts the network of graph id, building it when needed.
func (r *Runtime) StartNetwork(ctx context.Context, id string) error {
	g, ok := r.graph.get(id)
	if !ok {
		return errorf(KindNotFound, "Requested graph not found")
	}
	return r.network.start(withGraph(ctx, id), id, g, nil)
}

// StopNetwork stops the network of graph id.
func (r *Runtime) StopNetwork(ctx context.Context, id string) error {
	return r.network.stop(withGraph(ctx, id), id, nil)
}

// RestartNetwork stops the network of graph id when it runs and starts it
// again.
func (r *Runtime) RestartNetwork(ctx context.Context, id string) error {
	var pe *Error
	if err := r.StopNetwork(ctx, id); err != nil && !(errors.As(err, &pe) && pe.Kind == KindNotFound) {
		return err
	}
	return r.StartNetwork(ctx, id)
}

// NetworkStatus is a snapshot of one registered network.
type NetworkStatus struct {
	Graph   string        `json:"graph"`
	RunID   string        `json:"run_id"`
	Started bool          `json:"started"`
	Running bool          `json:"running"`
	Debug   bool          `json:"debug"`
	Uptime  time.Duration `json:"uptime_ns"`
}

// Networks reports every built network, ordered by graph id.
func (r *Runtime) Networks() []NetworkStatus {
	ids, nets := r.network.instances()
	out := make([]NetworkStatus, len(ids))
	for i, n := range nets {
		st := NetworkStatus{Graph: ids[i], RunID: n.RunID(), Started: n.IsStarted(), Running: n.IsRunning(), Debug: n.Debug()}
		if st.Started {
			st.Uptime = time.Since(n.StartedAt())
		}
		out[i] = st
	}
	return out
}

// Close stops every network and detaches all observers.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.network.close(ctx)
	r.runtime.close()
	r.graph.close()
	return err
}
