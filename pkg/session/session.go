// Package session ties broker credentials, the MQTT connection and the
// subscription registry into one object with the lifecycle
// init -> connected -> closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/benmeehan/ecoflow-go/pkg/devices"
	ecomqtt "github.com/benmeehan/ecoflow-go/pkg/mqtt"
	"github.com/benmeehan/ecoflow-go/pkg/rest"
	"github.com/benmeehan/ecoflow-go/pkg/subscription"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateInit State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CredentialSource hands out broker credentials. *rest.Client satisfies it.
type CredentialSource interface {
	RequestCertification(ctx context.Context) (rest.BrokerCredential, error)
}

// Broker is the MQTT connection. *mqtt.MqttService satisfies it.
type Broker interface {
	Initialize(ctx context.Context, o ecomqtt.Options) error
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures a Session.
type Options struct {
	Credentials    CredentialSource
	Broker         Broker
	ClientID       string
	QoS            byte
	CACertPath     string
	ConnectTimeout time.Duration

	// ErrorSink receives dispatch errors and connection loss. Optional.
	ErrorSink subscription.ErrorSink
	// Recorder counts dispatch outcomes. Optional.
	Recorder subscription.Recorder
	Logger   zerolog.Logger
}

// Session is one authenticated broker connection.
type Session struct {
	opts       Options
	registry   *subscription.Registry
	dispatcher *subscription.Dispatcher
	logger     zerolog.Logger

	// waiters maps outstanding set message ids to their reply channel.
	waiters cmap.ConcurrentMap[string, chan devices.SetReply]

	mu         sync.RWMutex
	state      State
	credential rest.BrokerCredential
	generation int
	done       chan struct{}
}

// New creates a Session in the init state.
func New(opts Options) *Session {
	s := &Session{
		opts:     opts,
		logger:   opts.Logger,
		registry: subscription.NewRegistry(opts.QoS, opts.Logger),
		waiters:  cmap.New[chan devices.SetReply](),
	}
	s.dispatcher = subscription.NewDispatcher(s.registry, s.reportError, opts.Logger)
	if opts.Recorder != nil {
		s.dispatcher.SetRecorder(opts.Recorder)
	}
	return s
}

// Init fetches broker credentials and connects. A closed session may be
// initialised again; it starts with no subscriptions.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateConnected {
		return errors.New("session is already connected")
	}

	cred, err := s.opts.Credentials.RequestCertification(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain broker credentials: %w", err)
	}

	brokerURL, err := ecomqtt.BrokerURL(cred.Transport, cred.Host, cred.Port)
	if err != nil {
		return err
	}

	s.generation++
	generation := s.generation

	err = s.opts.Broker.Initialize(ctx, ecomqtt.Options{
		BrokerURL:      brokerURL,
		ClientID:       s.opts.ClientID,
		Username:       cred.Account,
		Password:       cred.Password,
		CACertPath:     s.opts.CACertPath,
		ConnectTimeout: s.opts.ConnectTimeout,
		OnConnectionLost: func(err error) {
			s.connectionLost(generation, err)
		},
	})
	if err != nil {
		return err
	}

	s.credential = cred
	s.done = make(chan struct{})
	s.registry.Open(s.opts.Broker, s.dispatcher.HandleMessage)
	s.state = StateConnected

	s.logger.Info().Str("account", cred.Account).Str("broker", brokerURL).Msg("Session connected")
	return nil
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Account returns the broker account of the connected session.
func (s *Session) Account() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected {
		return "", apierrors.ErrNotConnected
	}
	return s.credential.Account, nil
}

// Topics returns the topics currently subscribed.
func (s *Session) Topics() []string {
	return s.registry.Topics()
}

func (s *Session) connected() (account string, done chan struct{}, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected {
		return "", nil, apierrors.ErrNotConnected
	}
	return s.credential.Account, s.done, nil
}

// Subscribe registers cb for kind on every serial number and returns the
// serial numbers that got a fresh subscription. Serials that are already
// subscribed keep their first callback. It stops at the first failure.
func (s *Session) Subscribe(ctx context.Context, kind subscription.TopicKind, serials []string, cb subscription.Callback) ([]string, error) {
	account, _, err := s.connected()
	if err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, errors.New("callback must not be nil")
	}

	wrapped := cb
	if kind == subscription.KindSetReply {
		wrapped = func(k subscription.TopicKind, sn string, msg subscription.Message) {
			s.deliverReply(msg)
			cb(k, sn, msg)
		}
	}

	var fresh []string
	for _, sn := range serials {
		subscribed, err := s.registry.Register(ctx, kind, account, sn, wrapped)
		if err != nil {
			return fresh, err
		}
		if subscribed {
			fresh = append(fresh, sn)
		}
	}
	return fresh, nil
}

// Publish sends a set message to a device.
func (s *Session) Publish(ctx context.Context, sn string, msg devices.MQTTSetMessage) error {
	account, done, err := s.connected()
	if err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode set message: %w", err)
	}

	topic := subscription.ResolveTopic(subscription.KindSet, account, sn)
	token := s.opts.Broker.Publish(topic, s.opts.QoS, false, payload)
	if err := ecomqtt.Await(ctx, token, done); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	s.logger.Debug().Str("topic", topic).Str("id", msg.ID).Str("cmdCode", msg.CmdCode).Msg("Published set message")
	return nil
}

// SendCommand publishes cmd and waits for the matching set_reply. It
// subscribes to the device's set_reply topic if nobody has yet.
func (s *Session) SendCommand(ctx context.Context, cmd devices.SetCommand) (devices.SetReply, error) {
	msg, err := devices.NewMQTTSetMessage(cmd)
	if err != nil {
		return devices.SetReply{}, err
	}

	if _, err := s.Subscribe(ctx, subscription.KindSetReply, []string{cmd.SN}, func(subscription.TopicKind, string, subscription.Message) {}); err != nil {
		return devices.SetReply{}, err
	}

	reply := make(chan devices.SetReply, 1)
	s.waiters.Set(msg.ID, reply)
	defer s.waiters.Remove(msg.ID)

	_, done, err := s.connected()
	if err != nil {
		return devices.SetReply{}, err
	}
	if err := s.Publish(ctx, cmd.SN, msg); err != nil {
		return devices.SetReply{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-done:
		return devices.SetReply{}, apierrors.ErrNotConnected
	case <-ctx.Done():
		return devices.SetReply{}, ctx.Err()
	}
}

func (s *Session) deliverReply(msg subscription.Message) {
	reply, err := devices.DecodeSetReply(msg.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Ignoring malformed set reply")
		return
	}
	if ch, ok := s.waiters.Pop(string(reply.ID)); ok {
		ch <- reply
	}
}

// Close disconnects and drops every subscription.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		s.state = StateClosed
		return
	}
	s.teardown()
	s.opts.Broker.Disconnect(250)
	s.logger.Info().Msg("Session closed")
}

func (s *Session) connectionLost(generation int, err error) {
	s.mu.Lock()
	if generation != s.generation || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.teardown()
	s.mu.Unlock()

	s.reportError(fmt.Errorf("%w: connection lost: %v", apierrors.ErrNotConnected, err))
}

// teardown must be called with mu held.
func (s *Session) teardown() {
	s.registry.Close()
	close(s.done)
	s.state = StateClosed
}

func (s *Session) reportError(err error) {
	if s.opts.ErrorSink != nil {
		s.opts.ErrorSink(err)
	}
}
