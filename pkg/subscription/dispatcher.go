package subscription

import (
	"fmt"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Message is an inbound broker message on a bound topic.
type Message struct {
	Topic    string
	Kind     TopicKind
	DeviceID string
	Payload  []byte
}

// Text returns the payload as text.
func (m Message) Text() string {
	return string(m.Payload)
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return apierrors.NewProtocolViolation("%s payload on %s: %v", m.Kind, m.Topic, err)
	}
	return nil
}

// ErrorSink receives errors raised while dispatching. It is called on the
// delivery goroutine and must not block for long.
type ErrorSink func(err error)

// Dispatch outcomes reported to a Recorder.
const (
	OutcomeDelivered = "delivered"
	OutcomeUnmatched = "unmatched"
	OutcomePanic     = "panic"
)

// Recorder counts dispatch outcomes.
type Recorder interface {
	ObserveDispatch(kind TopicKind, outcome string)
}

// Dispatcher routes inbound messages to the callbacks held by a Registry.
type Dispatcher struct {
	registry *Registry
	sink     ErrorSink
	recorder Recorder
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher. A nil sink only logs errors.
func NewDispatcher(registry *Registry, sink ErrorSink, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sink:     sink,
		logger:   logger,
	}
}

// SetRecorder installs a Recorder. Call it before messages arrive.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// HandleMessage is the paho message handler.
func (d *Dispatcher) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	d.Dispatch(msg.Topic(), msg.Payload())
}

// Dispatch invokes the callback bound to topic. It never panics: unknown
// topics and callback panics are reported to the error sink.
func (d *Dispatcher) Dispatch(topic string, payload []byte) {
	binding, ok := d.registry.Lookup(topic)
	if !ok {
		d.observe("", OutcomeUnmatched)
		d.report(apierrors.NewProtocolViolation("message on unsubscribed topic %q", topic))
		return
	}

	msg := Message{
		Topic:    topic,
		Kind:     binding.Kind,
		DeviceID: binding.DeviceID,
		Payload:  payload,
	}

	if err := d.invoke(binding, msg); err != nil {
		d.observe(binding.Kind, OutcomePanic)
		d.report(err)
		return
	}
	d.observe(binding.Kind, OutcomeDelivered)
}

func (d *Dispatcher) invoke(binding Binding, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: topic %s: %v", apierrors.ErrCallbackPanic, msg.Topic, r)
		}
	}()
	binding.Callback(binding.Kind, binding.DeviceID, msg)
	return nil
}

func (d *Dispatcher) report(err error) {
	d.logger.Warn().Err(err).Msg("Dispatch error")
	if d.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Error sink panicked")
		}
	}()
	d.sink(err)
}

func (d *Dispatcher) observe(kind TopicKind, outcome string) {
	if d.recorder != nil {
		d.recorder.ObserveDispatch(kind, outcome)
	}
}
