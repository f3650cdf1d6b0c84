// Package metrics exposes Prometheus counters for signed requests, message
// dispatch and telemetry forwarding.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/benmeehan/ecoflow-go/pkg/subscription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	ns = "ecoflow"

	// Label keys.
	labelKind    = "kind"
	labelOutcome = "outcome"
	labelMethod  = "method"
	labelPath    = "path"

	// Request outcomes.
	OutcomeSuccess           = "success"
	OutcomeRemoteRejection   = "remote_rejection"
	OutcomeProtocolViolation = "protocol_violation"
	OutcomeSigningInput      = "signing_input_invalid"
	OutcomeFail              = "fail"
)

// Metrics holds the counters on a private registry.
type Metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	forwarded  *prometheus.CounterVec
}

// New registers every counter on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "rest_requests_total",
				Help:      "Signed REST requests by endpoint and outcome",
			},
			[]string{labelMethod, labelPath, labelOutcome},
		),
		dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "mqtt_messages_total",
				Help:      "Inbound MQTT messages by topic kind and dispatch outcome",
			},
			[]string{labelKind, labelOutcome},
		),
		forwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "forwarded_records_total",
				Help:      "(Un)successfully forwarded telemetry records",
			},
			[]string{labelOutcome},
		),
	}
}

// requestOutcome maps an error onto the error taxonomy.
func requestOutcome(err error) string {
	var rejection *apierrors.RemoteRejection
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &rejection):
		return OutcomeRemoteRejection
	case errors.Is(err, apierrors.ErrProtocolViolation):
		return OutcomeProtocolViolation
	case errors.Is(err, apierrors.ErrSigningInputInvalid):
		return OutcomeSigningInput
	default:
		return OutcomeFail
	}
}

// ObserveRequest counts a REST request.
func (m *Metrics) ObserveRequest(method, path string, err error) {
	m.requests.WithLabelValues(method, path, requestOutcome(err)).Inc()
}

// ObserveDispatch counts an inbound message.
func (m *Metrics) ObserveDispatch(kind subscription.TopicKind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	m.dispatched.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveForward counts a forwarded record.
func (m *Metrics) ObserveForward(err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFail
	}
	m.forwarded.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
