package services

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// MetricsServer serves the Prometheus endpoint. *metrics.Metrics satisfies it.
type MetricsServer interface {
	Serve(ctx context.Context, addr string, logger zerolog.Logger) error
}

// MetricsService exposes /metrics for the lifetime of the service.
type MetricsService struct {
	server MetricsServer
	addr   string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMetricsService initializes and returns a new instance of MetricsService.
func NewMetricsService(server MetricsServer, addr string, logger zerolog.Logger) *MetricsService {
	return &MetricsService{server: server, addr: addr, logger: logger}
}

// Start begins serving in the background.
func (m *MetricsService) Start() error {
	if m.ctx != nil {
		m.logger.Warn().Msg("MetricsService is already running")
		return errors.New("metrics service is already running")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	ctx := m.ctx

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(ctx, m.addr, m.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str("addr", m.addr).Msg("Metrics endpoint failed")
		}
	}()

	m.logger.Info().Str("addr", m.addr).Msg("MetricsService started successfully")
	return nil
}

// Stop shuts the endpoint down.
func (m *MetricsService) Stop() error {
	if m.ctx == nil {
		m.logger.Warn().Msg("MetricsService is not running")
		return errors.New("metrics service is not running")
	}

	m.cancel()
	m.wg.Wait()

	m.ctx = nil
	m.cancel = nil

	m.logger.Info().Msg("MetricsService stopped successfully")
	return nil
}
