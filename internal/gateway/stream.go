package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const streamKeepAlive = 15 * time.Second

// streamEvent is one SSE frame of the collaborator event stream.
type streamEvent struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// handleEvents implements GET /events?topic=<prefix>. It streams bus events
// (graph.updated, component.updated, runtime.packet, runtime.ports,
// network.added, network.removed) as server-sent events until the client
// goes away. Without a topic every event is sent. Frames carry a sequence id
// and idle streams get a comment line every streamKeepAlive.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available: bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	topic := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(topic)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "topic", topic, "sent", seq, "dropped", sub.Dropped())
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(streamEvent{Topic: ev.Topic, Time: ev.At, Payload: ev.Payload})
			if err != nil {
				s.logger.Error("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Topic, data); err != nil {
				s.logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
