package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"agentchattr/pkg/router"
	"agentchattr/pkg/trigger"
)

// Metrics is the hub's instrument set. Everything registers on a private
// registry so side-by-side hubs in tests never collide.
type Metrics struct {
	Registry *prometheus.Registry

	Messages         *prometheus.CounterVec
	WSClients        prometheus.Gauge
	TriggersEnqueued *prometheus.CounterVec
	Injections       *prometheus.CounterVec
	SessionKills     *prometheus.CounterVec
	MCPToolCalls     *prometheus.CounterVec
}

// NewMetrics builds and registers the hub instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Chat messages appended to the store.",
		}, []string{"channel"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Connected WebSocket clients.",
		}),
		TriggersEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triggers_enqueued_total",
			Help: "Trigger queue entries written per agent.",
		}, []string{"agent"}),
		Injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injections_total",
			Help: "Wrapper injection attempts reported over MCP.",
		}, []string{"agent", "result"}),
		SessionKills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_kills_total",
			Help: "Agent sessions killed by the wrapper watchdogs.",
		}, []string{"agent", "reason"}),
		MCPToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_tool_calls_total",
			Help: "MCP tool invocations by tool name.",
		}, []string{"tool"}),
	}
	m.Registry.MustRegister(m.Messages, m.WSClients, m.TriggersEnqueued,
		m.Injections, m.SessionKills, m.MCPToolCalls)
	return m
}

// MeteredQueue wraps the trigger writer so every accepted enqueue lands in
// triggers_enqueued_total.
func (m *Metrics) MeteredQueue(w *trigger.Writer) router.Enqueuer {
	return &meteredQueue{writer: w, metrics: m}
}

type meteredQueue struct {
	writer  *trigger.Writer
	metrics *Metrics
}

func (q *meteredQueue) Enqueue(e trigger.Entry) error {
	if err := q.writer.Enqueue(e); err != nil {
		return err
	}
	q.metrics.TriggersEnqueued.WithLabelValues(e.Agent).Inc()
	return nil
}
