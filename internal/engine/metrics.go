package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Decisions: решения по исходу (ok, not_found, invalid_token, upstream, validation)
	Decisions *prometheus.CounterVec

	// StuckTasks: токен потрачен, исполнение не возобновлено
	StuckTasks prometheus.Counter

	// Registrar: исход обработки сообщений с токенами
	TokenMessages *prometheus.CounterVec

	// Intake: прием запросов
	IntakeRequests *prometheus.CounterVec

	// Latency вызовов оркестратора
	OrchestratorDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: без регистра метрики пишутся в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_decisions_total",
			Help: "Decisions processed by outcome.",
		}, []string{"decision", "outcome"}),

		StuckTasks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "approvals_stuck_tasks_total",
			Help: "Tasks whose token was consumed but the execution was not resumed.",
		}),

		TokenMessages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_token_messages_total",
			Help: "Token messages processed by the registrar.",
		}, []string{"outcome"}),

		IntakeRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_intake_requests_total",
			Help: "Approval requests accepted or rejected by intake.",
		}, []string{"outcome"}),

		OrchestratorDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvals_orchestrator_call_duration_seconds",
			Help:    "Latency of orchestrator calls.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op", "status"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "approvals_circuit_breaker_state",
			Help: "Current state of the orchestrator circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "approvals_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
