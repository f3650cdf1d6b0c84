package services

import (
	"context"
	"errors"
	"sync"

	"github.com/benmeehan/ecoflow-go/internal/forwarder"
	"github.com/benmeehan/ecoflow-go/pkg/subscription"
	"github.com/rs/zerolog"
)

// Session is the part of *session.Session the telemetry service needs.
type Session interface {
	Init(ctx context.Context) error
	Subscribe(ctx context.Context, kind subscription.TopicKind, serials []string, cb subscription.Callback) ([]string, error)
	Close()
}

// TelemetryService subscribes to device topics and forwards every message.
// Messages are queued so that a slow forwarder never blocks the MQTT client;
// when the queue is full new messages are dropped.
type TelemetryService struct {
	session   Session
	serials   []string
	kinds     []subscription.TopicKind
	forwarder forwarder.Forwarder
	records   chan forwarder.Record
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelemetryService initializes a new TelemetryService.
func NewTelemetryService(session Session, serials []string, kinds []subscription.TopicKind,
	fwd forwarder.Forwarder, buffer int, logger zerolog.Logger) *TelemetryService {
	if buffer < 1 {
		buffer = 1
	}
	return &TelemetryService{
		session:   session,
		serials:   serials,
		kinds:     kinds,
		forwarder: fwd,
		records:   make(chan forwarder.Record, buffer),
		logger:    logger,
	}
}

// Start connects the session and subscribes every kind for every serial.
func (t *TelemetryService) Start() error {
	if t.ctx != nil {
		t.logger.Warn().Msg("TelemetryService is already running")
		return errors.New("telemetry service is already running")
	}
	if len(t.serials) == 0 || len(t.kinds) == 0 {
		return errors.New("telemetry service needs at least one serial number and one topic kind")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := t.session.Init(ctx); err != nil {
		cancel()
		return err
	}

	for _, kind := range t.kinds {
		fresh, err := t.session.Subscribe(ctx, kind, t.serials, t.enqueue)
		if err != nil {
			t.session.Close()
			cancel()
			return err
		}
		t.logger.Info().Str("kind", string(kind)).Strs("serials", fresh).Msg("Subscribed")
	}

	t.ctx, t.cancel = ctx, cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runForwardLoop()
	}()

	t.logger.Info().Int("serials", len(t.serials)).Msg("TelemetryService started successfully")
	return nil
}

// Stop closes the session and forwards what is still queued.
func (t *TelemetryService) Stop() error {
	if t.ctx == nil {
		t.logger.Warn().Msg("TelemetryService is not running")
		return errors.New("telemetry service is not running")
	}

	t.session.Close()
	t.cancel()
	t.wg.Wait()

	t.ctx = nil
	t.cancel = nil

	t.logger.Info().Msg("TelemetryService stopped successfully")
	return nil
}

func (t *TelemetryService) enqueue(kind subscription.TopicKind, sn string, msg subscription.Message) {
	record := forwarder.NewRecord(sn, string(kind), msg.Topic, msg.Payload)
	select {
	case t.records <- record:
	default:
		t.logger.Warn().Str("sn", sn).Str("kind", string(kind)).Msg("Telemetry queue full, dropping message")
	}
}

func (t *TelemetryService) runForwardLoop() {
	for {
		select {
		case r := <-t.records:
			t.forward(t.ctx, r)
		case <-t.ctx.Done():
			for {
				select {
				case r := <-t.records:
					t.forward(context.Background(), r)
				default:
					return
				}
			}
		}
	}
}

func (t *TelemetryService) forward(ctx context.Context, r forwarder.Record) {
	if err := t.forwarder.Forward(ctx, r); err != nil {
		t.logger.Error().Err(err).Str("sn", r.SN).Str("kind", r.Kind).Msg("Failed to forward record")
	}
}
