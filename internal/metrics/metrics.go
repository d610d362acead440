package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsagent_tool_calls_total",
			Help: "Tool executions by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsagent_tool_call_duration_seconds",
			Help:    "Tool handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	planExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsagent_plan_executions_total",
			Help: "Plan executions by final state",
		},
		[]string{"status"},
	)

	plansGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsagent_plans_generated_total",
			Help: "Plan generation attempts by outcome",
		},
		[]string{"outcome"},
	)

	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsagent_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opsagent_scheduler_tick_duration_seconds",
			Help:    "Scheduler tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	tickItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsagent_scheduler_items_total",
			Help: "Items processed by the scheduler tick",
		},
		[]string{"kind"},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			toolCallsTotal,
			toolCallDuration,
			planExecutionsTotal,
			plansGeneratedTotal,
			ticksTotal,
			tickDuration,
			tickItemsTotal,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolCall counts one registry call. outcome is "success" or an error kind.
func RecordToolCall(tool, outcome string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	if duration > 0 {
		toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

func RecordPlanGenerated(outcome string) {
	plansGeneratedTotal.WithLabelValues(outcome).Inc()
}

func RecordPlanExecution(status string) {
	planExecutionsTotal.WithLabelValues(status).Inc()
}

func RecordTick(outcome string, duration time.Duration, scheduled, workflows, summaries int) {
	ticksTotal.WithLabelValues(outcome).Inc()
	tickDuration.Observe(duration.Seconds())
	tickItemsTotal.WithLabelValues("scheduled_task").Add(float64(scheduled))
	tickItemsTotal.WithLabelValues("workflow").Add(float64(workflows))
	tickItemsTotal.WithLabelValues("daily_summary").Add(float64(summaries))
}
