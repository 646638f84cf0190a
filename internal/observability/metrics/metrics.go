package metrics

import "github.com/prometheus/client_golang/prometheus"

// MessagingMetrics exposes counters/histograms for SMS flows.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound webhooks by source and status",
		}, []string{"source", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound SMS sends",
		}, []string{"provider", "status", "failed_over"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radsched",
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of inbound webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(source, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(source, status).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(provider, status string, failedOver bool) {
	if m == nil {
		return
	}
	label := "false"
	if failedOver {
		label = "true"
	}
	m.outboundTotal.WithLabelValues(provider, status, label).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(source).Observe(seconds)
}

// ConversationMetrics exposes counters for the scheduling state engine.
type ConversationMetrics struct {
	transitionsTotal *prometheus.CounterVec
	stuckSessions    prometheus.Gauge
	expiredTotal     prometheus.Counter
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "State transitions by from/to state",
		}, []string{"from", "to"}),
		stuckSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "radsched",
			Subsystem: "conversation",
			Name:      "stuck_sessions",
			Help:      "Sessions currently matching the stuck predicate",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radsched",
			Subsystem: "conversation",
			Name:      "expired_total",
			Help:      "Sessions expired by the sweeper",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.stuckSessions, m.expiredTotal)
	return m
}

func (m *ConversationMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *ConversationMetrics) SetStuckSessions(n int) {
	if m == nil {
		return
	}
	m.stuckSessions.Set(float64(n))
}

func (m *ConversationMetrics) AddExpired(n int64) {
	if m == nil {
		return
	}
	m.expiredTotal.Add(float64(n))
}
