package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/ecoflow-go/internal/forwarder"
	"github.com/benmeehan/ecoflow-go/internal/utils"
	"github.com/benmeehan/ecoflow-go/pkg/rest"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// QuotaSource reads the full quota of a device. *rest.Client satisfies it.
type QuotaSource interface {
	GetDeviceQuota(ctx context.Context, sn string) (map[string]json.RawMessage, error)
}

// QuotaPollService periodically fetches quota-all for every serial over REST
// and forwards the result. It covers devices that publish quota rarely.
type QuotaPollService struct {
	source    QuotaSource
	serials   []string
	interval  time.Duration
	workers   int
	forwarder forwarder.Forwarder
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQuotaPollService initializes a new QuotaPollService.
func NewQuotaPollService(source QuotaSource, serials []string, interval time.Duration, workers int,
	fwd forwarder.Forwarder, logger zerolog.Logger) *QuotaPollService {
	return &QuotaPollService{
		source:    source,
		serials:   serials,
		interval:  interval,
		workers:   workers,
		forwarder: fwd,
		logger:    logger,
	}
}

// Start launches the poll loop. The first poll runs immediately.
func (q *QuotaPollService) Start() error {
	if q.ctx != nil {
		q.logger.Warn().Msg("QuotaPollService is already running")
		return errors.New("quota poll service is already running")
	}
	if q.interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	q.ctx, q.cancel = context.WithCancel(context.Background())

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.runPollLoop()
	}()

	q.logger.Info().Dur("interval", q.interval).Msg("QuotaPollService started successfully")
	return nil
}

// Stop waits for the poll in progress to finish.
func (q *QuotaPollService) Stop() error {
	if q.ctx == nil {
		q.logger.Warn().Msg("QuotaPollService is not running")
		return errors.New("quota poll service is not running")
	}

	q.cancel()
	q.wg.Wait()

	q.ctx = nil
	q.cancel = nil

	q.logger.Info().Msg("QuotaPollService stopped successfully")
	return nil
}

func (q *QuotaPollService) runPollLoop() {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.poll(q.ctx)
	for {
		select {
		case <-ticker.C:
			q.poll(q.ctx)
		case <-q.ctx.Done():
			q.logger.Info().Msg("QuotaPollService stopping gracefully")
			return
		}
	}
}

// poll fetches every serial once, fanning out over a worker pool.
func (q *QuotaPollService) poll(ctx context.Context) {
	pool := utils.NewWorkerPool(q.workers, q.logger)
	for _, sn := range q.serials {
		sn := sn
		pool.Submit("quota "+sn, func() {
			q.pollOne(ctx, sn)
		})
	}
	pool.Shutdown()
}

func (q *QuotaPollService) pollOne(ctx context.Context, sn string) {
	quota, err := q.source.GetDeviceQuota(ctx, sn)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error().Err(err).Str("sn", sn).Msg("Failed to poll quota")
		}
		return
	}

	payload, err := json.Marshal(quota)
	if err != nil {
		q.logger.Error().Err(err).Str("sn", sn).Msg("Failed to encode quota")
		return
	}

	if err := q.forwarder.Forward(ctx, forwarder.NewRecord(sn, "quota", rest.DeviceQuotaAll, payload)); err != nil {
		q.logger.Error().Err(err).Str("sn", sn).Msg("Failed to forward quota")
	}
}
