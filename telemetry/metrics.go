// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ConnectAttempts     prometheus.Counter
	ConnectFailures     prometheus.Counter
	Reconnects          prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	EventsReceived      prometheus.Counter
	CommandsDispatched  prometheus.Counter
	MonitorPollCycles   prometheus.Counter
	ControlMessages     prometheus.Counter

	// Gauges
	ConnectionsActiveGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_connect_attempts_total", Help: "Number of channel connect attempts"})
		ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_connect_failures_total", Help: "Number of channel connect attempts that failed"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_reconnects_total", Help: "Number of transport drops that triggered reconnection"})
		ReconnectsExhausted = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_reconnects_exhausted_total", Help: "Number of channels whose reconnect attempts were exhausted"})
		EventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_events_received_total", Help: "Number of decoded chat/gift/subscription/system events"})
		CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_commands_dispatched_total", Help: "Number of commands that produced an outbound reply"})
		MonitorPollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_monitor_poll_cycles_total", Help: "Number of live-state monitor poll cycles"})
		ControlMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_control_messages_total", Help: "Number of control-bus messages received"})
		ConnectionsActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_connections_active", Help: "Current number of supervised channel connections"})
	})
}

// nil-guarded increment helpers so packages can record metrics without
// caring whether Init ran (tests construct components directly).

func IncConnectAttempts() {
	if ConnectAttempts != nil {
		ConnectAttempts.Inc()
	}
}

func IncConnectFailures() {
	if ConnectFailures != nil {
		ConnectFailures.Inc()
	}
}

func IncReconnects() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

func IncReconnectsExhausted() {
	if ReconnectsExhausted != nil {
		ReconnectsExhausted.Inc()
	}
}

func IncEventsReceived() {
	if EventsReceived != nil {
		EventsReceived.Inc()
	}
}

func IncCommandsDispatched() {
	if CommandsDispatched != nil {
		CommandsDispatched.Inc()
	}
}

func IncMonitorPollCycles() {
	if MonitorPollCycles != nil {
		MonitorPollCycles.Inc()
	}
}

func IncControlMessages() {
	if ControlMessages != nil {
		ControlMessages.Inc()
	}
}

// SetConnectionsActive records the size of the supervised connection set.
func SetConnectionsActive(n int) {
	if ConnectionsActiveGauge != nil {
		ConnectionsActiveGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
