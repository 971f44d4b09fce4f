package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/flowrt/internal/audit"
)

type metrics struct {
	registry   *prometheus.Registry
	clients    prometheus.Gauge
	broadcasts prometheus.Counter
	dropped    prometheus.Counter
	received   *prometheus.CounterVec
}

func newMetrics(s *Server) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowrt_connected_clients",
			Help: "Number of connected protocol clients.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowrt_broadcasts_total",
			Help: "Messages broadcast to all clients.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowrt_dropped_messages_total",
			Help: "Messages dropped because a client queue was full.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowrt_commands_received_total",
			Help: "Inbound protocol commands by protocol.",
		}, []string{"protocol"}),
	}
	m.registry.MustRegister(
		m.clients,
		m.broadcasts,
		m.dropped,
		m.received,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "flowrt_policy_denied_total",
			Help: "Commands denied by the capability gate.",
		}, func() float64 { return float64(audit.DenyCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flowrt_networks",
			Help: "Networks built for registered graphs.",
		}, func() float64 {
			if s.cfg.Runtime == nil {
				return 0
			}
			return float64(len(s.cfg.Runtime.Networks()))
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flowrt_networks_running",
			Help: "Networks currently running.",
		}, func() float64 {
			if s.cfg.Runtime == nil {
				return 0
			}
			n := 0
			for _, st := range s.cfg.Runtime.Networks() {
				if st.Running {
					n++
				}
			}
			return float64(n)
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
