package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// Global logger instance
	Logger *zap.Logger

	// Metrics
	moderationActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_actions_total",
			Help: "Total number of committed moderation actions",
		},
		[]string{"kind", "outcome"},
	)

	scheduledJobsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_jobs_fired_total",
			Help: "Total number of scheduled reversals fired",
		},
		[]string{"kind"},
	)

	scheduledJobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_jobs_failed_total",
			Help: "Total number of scheduled reversals abandoned after retries",
		},
		[]string{"kind"},
	)

	appealTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appeal_transitions_total",
			Help: "Total number of appeal ticket transitions",
		},
		[]string{"to"},
	)

	auditDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_deliveries_total",
			Help: "Total number of audit trail delivery attempts",
		},
		[]string{"status"},
	)

	actionProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "action_processing_duration_seconds",
			Help:    "Time spent processing inbound moderation requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func Init(ctx context.Context, listenAddr string) error {
	var err error
	Logger, err = zap.NewProduction()
	if err != nil {
		return err
	}

	prometheus.MustRegister(moderationActionsTotal)
	prometheus.MustRegister(scheduledJobsFiredTotal)
	prometheus.MustRegister(scheduledJobsFailedTotal)
	prometheus.MustRegister(appealTransitionsTotal)
	prometheus.MustRegister(auditDeliveriesTotal)
	prometheus.MustRegister(actionProcessingDuration)

	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listenAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	go func() {
		if err := g.Wait(); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return nil
}

func RecordAction(kind, outcome string) {
	moderationActionsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordJobFired(kind string) {
	scheduledJobsFiredTotal.WithLabelValues(kind).Inc()
}

func RecordJobFailed(kind string) {
	scheduledJobsFailedTotal.WithLabelValues(kind).Inc()
}

func RecordAppealTransition(to string) {
	appealTransitionsTotal.WithLabelValues(to).Inc()
}

func RecordAuditDelivery(status string) {
	auditDeliveriesTotal.WithLabelValues(status).Inc()
}

// StartActionProcessing returns a function to record request handling duration
func StartActionProcessing() func(status string) {
	start := time.Now()
	return func(status string) {
		actionProcessingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
