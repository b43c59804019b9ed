package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pointsminer"

// Metrics holds the collectors shared by every account.
type Metrics struct {
	connections   *prometheus.GaugeVec
	topics        *prometheus.GaugeVec
	pendingTopics *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec
	lost          *prometheus.CounterVec
	events        *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	claims        *prometheus.CounterVec
	raids         *prometheus.CounterVec
	bets          *prometheus.CounterVec
	balance       *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pubsub_connections",
			Help: "open pubsub connections",
		}, []string{"account"}),
		topics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pubsub_topics",
			Help: "topics placed on a connection",
		}, []string{"account"}),
		pendingTopics: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pubsub_pending_topics",
			Help: "topics waiting to be placed",
		}, []string{"account"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pubsub_reconnects_total",
			Help: "connection reconnect attempts",
		}, []string{"account"}),
		lost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pubsub_connections_lost_total",
			Help: "connections that gave up reconnecting",
		}, []string{"account"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "events dispatched by kind",
		}, []string{"account", "kind"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_failures_total",
			Help: "handler errors and panics",
		}, []string{"account", "handler"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "bonus claims by result",
		}, []string{"account", "result"}),
		raids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "raids_joined_total",
			Help: "raids joined",
		}, []string{"account"}),
		bets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "prediction_decisions_total",
			Help: "prediction decisions by status",
		}, []string{"account", "status"}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "channel_points_balance",
			Help: "channel points balance by streamer",
		}, []string{"account", "channel"}),
	}

	reg.MustRegister(
		m.connections, m.topics, m.pendingTopics,
		m.reconnects, m.lost, m.events, m.handlerErrors,
		m.claims, m.raids, m.bets, m.balance,
	)
	return m
}

// Account returns the metrics view for one account.
func (m *Metrics) Account(name string) *Account {
	if m == nil {
		return nil
	}
	return &Account{m: m, name: name}
}

// Account records metrics labelled with one account name.
// All methods are safe on a nil receiver.
type Account struct {
	m    *Metrics
	name string
}

func (a *Account) SetConnections(n int) {
	if a == nil {
		return
	}
	a.m.connections.WithLabelValues(a.name).Set(float64(n))
}

func (a *Account) SetTopics(n int) {
	if a == nil {
		return
	}
	a.m.topics.WithLabelValues(a.name).Set(float64(n))
}

func (a *Account) SetPendingTopics(n int) {
	if a == nil {
		return
	}
	a.m.pendingTopics.WithLabelValues(a.name).Set(float64(n))
}

func (a *Account) IncReconnects() {
	if a == nil {
		return
	}
	a.m.reconnects.WithLabelValues(a.name).Inc()
}

func (a *Account) IncConnectionsLost() {
	if a == nil {
		return
	}
	a.m.lost.WithLabelValues(a.name).Inc()
}

func (a *Account) IncEvents(kind string) {
	if a == nil {
		return
	}
	a.m.events.WithLabelValues(a.name, kind).Inc()
}

func (a *Account) IncHandlerFailures(handler string) {
	if a == nil {
		return
	}
	a.m.handlerErrors.WithLabelValues(a.name, handler).Inc()
}

func (a *Account) IncClaims(result string) {
	if a == nil {
		return
	}
	a.m.claims.WithLabelValues(a.name, result).Inc()
}

func (a *Account) IncRaids() {
	if a == nil {
		return
	}
	a.m.raids.WithLabelValues(a.name).Inc()
}

func (a *Account) IncBets(status string) {
	if a == nil {
		return
	}
	a.m.bets.WithLabelValues(a.name, status).Inc()
}

func (a *Account) SetBalance(channel string, balance int) {
	if a == nil {
		return
	}
	a.m.balance.WithLabelValues(a.name, channel).Set(float64(balance))
}
