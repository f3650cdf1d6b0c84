package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	ecomqtt "github.com/benmeehan/ecoflow-go/pkg/mqtt"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// Callback receives every message delivered on a bound topic.
type Callback func(kind TopicKind, deviceID string, msg Message)

// Binding ties a resolved topic to its callback.
type Binding struct {
	Topic    string
	Kind     TopicKind
	DeviceID string
	Callback Callback
}

// Subscriber is the broker capability the registry needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// inflight is a subscribe that other callers for the same topic wait on.
// err is written once before done is closed.
type inflight struct {
	done chan struct{}
	err  error
}

// Registry holds at most one binding per resolved topic. It only accepts
// registrations while open; closing it drops every binding.
type Registry struct {
	qos    byte
	logger zerolog.Logger

	bindings cmap.ConcurrentMap[string, Binding]
	// pending holds topics with a subscribe in flight.
	pending cmap.ConcurrentMap[string, *inflight]

	mu         sync.RWMutex
	subscriber Subscriber
	handler    mqtt.MessageHandler
	// closed is the current connection generation. It is nil while the
	// registry is not open and is closed when the connection ends.
	closed chan struct{}
}

// NewRegistry creates a closed registry.
func NewRegistry(qos byte, logger zerolog.Logger) *Registry {
	return &Registry{
		qos:      qos,
		logger:   logger,
		bindings: cmap.New[Binding](),
		pending:  cmap.New[*inflight](),
	}
}

// Open starts a new connection generation. Messages on topics registered from
// now on are delivered to handler.
func (r *Registry) Open(subscriber Subscriber, handler mqtt.MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed != nil {
		close(r.closed)
	}
	r.bindings.Clear()
	r.pending.Clear()
	r.subscriber = subscriber
	r.handler = handler
	r.closed = make(chan struct{})
}

// Close ends the current generation. In-flight registrations fail with
// ErrNotConnected and every binding is dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed == nil {
		return
	}
	close(r.closed)
	r.closed = nil
	r.subscriber = nil
	r.handler = nil
	dropped := r.bindings.Count()
	r.bindings.Clear()
	r.pending.Clear()

	r.logger.Debug().Int("bindings", dropped).Msg("Subscription registry closed")
}

// IsOpen reports whether the registry accepts registrations.
func (r *Registry) IsOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed != nil
}

// Register subscribes to the topic of (kind, account, deviceID) and binds cb
// to it. It returns false without touching the broker when the topic is
// already bound; the first callback stays in place. A call made while another
// subscribe to the same topic is in flight waits for it and shares its error.
func (r *Registry) Register(ctx context.Context, kind TopicKind, account, deviceID string, cb Callback) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown topic kind %q", kind)
	}
	if err := validSegment("account", account); err != nil {
		return false, err
	}
	if err := validSegment("device id", deviceID); err != nil {
		return false, err
	}
	if cb == nil {
		return false, fmt.Errorf("callback for %s must not be nil", deviceID)
	}

	r.mu.RLock()
	subscriber, handler, generation := r.subscriber, r.handler, r.closed
	r.mu.RUnlock()

	if generation == nil {
		return false, apierrors.ErrNotConnected
	}

	topic := ResolveTopic(kind, account, deviceID)

	for {
		if r.bindings.Has(topic) {
			r.logger.Debug().Str("topic", topic).Msg("Topic already subscribed")
			return false, nil
		}

		call := &inflight{done: make(chan struct{})}
		if r.pending.SetIfAbsent(topic, call) {
			bound, err := r.subscribe(ctx, topic, kind, deviceID, cb, subscriber, handler, generation)
			call.err = err
			r.pending.RemoveCb(topic, func(_ string, owner *inflight, exists bool) bool {
				return exists && owner == call
			})
			close(call.done)
			return bound, err
		}

		// The first caller may finish between SetIfAbsent and Get.
		other, ok := r.pending.Get(topic)
		if !ok {
			continue
		}
		bound, err := r.awaitInflight(ctx, topic, other, generation)
		// The first caller gave up on its own context; try again with ours.
		if isContextErr(err) && ctx.Err() == nil {
			continue
		}
		return bound, err
	}
}

// awaitInflight waits for the subscribe another caller started on topic. The
// duplicate is a no-op only when that subscribe left a binding behind.
func (r *Registry) awaitInflight(ctx context.Context, topic string, call *inflight, generation chan struct{}) (bool, error) {
	r.logger.Debug().Str("topic", topic).Msg("Subscribe already in flight")

	select {
	case <-call.done:
	case <-ctx.Done():
		return false, fmt.Errorf("subscribe %s: %w", topic, ctx.Err())
	case <-generation:
		return false, fmt.Errorf("subscribe %s: %w", topic, apierrors.ErrNotConnected)
	}

	if call.err != nil {
		return false, call.err
	}
	if !r.bindings.Has(topic) {
		return false, fmt.Errorf("subscribe %s: %w", topic, apierrors.ErrNotConnected)
	}
	return false, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Registry) subscribe(ctx context.Context, topic string, kind TopicKind, deviceID string, cb Callback,
	subscriber Subscriber, handler mqtt.MessageHandler, generation chan struct{}) (bool, error) {
	// A concurrent Register may have finished between Has and SetIfAbsent.
	if r.bindings.Has(topic) {
		return false, nil
	}

	if err := ecomqtt.Await(ctx, subscriber.Subscribe(topic, r.qos, handler), generation); err != nil {
		r.logger.Error().Err(err).Str("topic", topic).Msg("Failed to subscribe")
		return false, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed != generation {
		return false, fmt.Errorf("subscribe %s: %w", topic, apierrors.ErrNotConnected)
	}
	r.bindings.Set(topic, Binding{Topic: topic, Kind: kind, DeviceID: deviceID, Callback: cb})

	r.logger.Info().Str("topic", topic).Str("kind", string(kind)).Str("sn", deviceID).Msg("Subscribed")
	return true, nil
}

// Lookup returns the binding for an exact topic string.
func (r *Registry) Lookup(topic string) (Binding, bool) {
	return r.bindings.Get(topic)
}

// Topics returns the bound topics in sorted order.
func (r *Registry) Topics() []string {
	topics := r.bindings.Keys()
	sort.Strings(topics)
	return topics
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	return r.bindings.Count()
}
