package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/benmeehan/ecoflow-go/internal/mocks"
	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/benmeehan/ecoflow-go/pkg/devices"
	"github.com/benmeehan/ecoflow-go/pkg/ecoflowtest"
	ecomqtt "github.com/benmeehan/ecoflow-go/pkg/mqtt"
	"github.com/benmeehan/ecoflow-go/pkg/rest"
	"github.com/benmeehan/ecoflow-go/pkg/session"
	"github.com/benmeehan/ecoflow-go/pkg/signature"
	"github.com/benmeehan/ecoflow-go/pkg/subscription"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	account = "open-test-account"
	plugSN  = "HW52ZDH4SF7B0123"
)

type fakeBroker struct {
	mocks.MockMQTTClient

	mu      sync.Mutex
	options ecomqtt.Options
	initErr error
	handler mqtt.MessageHandler
	packets uint16
}

func (f *fakeBroker) Initialize(_ context.Context, o ecomqtt.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options = o
	return f.initErr
}

func (f *fakeBroker) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handler
	f.packets++
	id := f.packets
	f.mu.Unlock()
	handler(nil, mocks.NewMockMessage(topic, id, payload))
}

func (f *fakeBroker) acceptSubscribes() {
	f.On("Subscribe", mock.Anything, byte(1), mock.Anything).Run(func(args mock.Arguments) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = args.Get(2).(mqtt.MessageHandler)
	}).Return(mocks.NewDoneToken(nil))
}

type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) sink(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func newSession(t *testing.T) (*session.Session, *fakeBroker, *ecoflowtest.Server, *errorCollector) {
	t.Helper()
	server := ecoflowtest.New(t, "ak", "sk")
	client := rest.NewClient(server.URL, signature.NewBuilder("ak", "sk"), zerolog.Nop())
	broker := &fakeBroker{}
	collector := &errorCollector{}

	s := session.New(session.Options{
		Credentials: client,
		Broker:      broker,
		ClientID:    "test-client",
		QoS:         1,
		ErrorSink:   collector.sink,
		Logger:      zerolog.Nop(),
	})
	return s, broker, server, collector
}

func noop(subscription.TopicKind, string, subscription.Message) {}

// TestSession_NotConnected tests operations before Init.
func TestSession_NotConnected(t *testing.T) {
	s, _, _, _ := newSession(t)

	assert.Equal(t, session.StateInit, s.State())

	_, err := s.Account()
	assert.ErrorIs(t, err, apierrors.ErrNotConnected)

	_, err = s.Subscribe(context.Background(), subscription.KindQuota, []string{plugSN}, noop)
	assert.ErrorIs(t, err, apierrors.ErrNotConnected)

	msg, err := devices.NewMQTTSetMessage(devices.SetCommand{SN: plugSN, CmdCode: devices.CmdSmartPlugSwitch, Params: map[string]int{"plugSwitch": 1}})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Publish(context.Background(), plugSN, msg), apierrors.ErrNotConnected)
}

// TestSession_Init tests that credentials are turned into broker options.
func TestSession_Init(t *testing.T) {
	s, broker, _, _ := newSession(t)

	require.NoError(t, s.Init(context.Background()))

	assert.Equal(t, session.StateConnected, s.State())
	got, err := s.Account()
	require.NoError(t, err)
	assert.Equal(t, account, got)

	assert.Equal(t, "ssl://mqtt-e.ecoflow.com:8883", broker.options.BrokerURL)
	assert.Equal(t, account, broker.options.Username)
	assert.Equal(t, "test-password", broker.options.Password)
	assert.Equal(t, "test-client", broker.options.ClientID)
	assert.NotNil(t, broker.options.OnConnectionLost)

	assert.Error(t, s.Init(context.Background()))
}

// TestSession_Init_Rejected tests that a rejected certification leaves the session in init.
func TestSession_Init_Rejected(t *testing.T) {
	s, _, server, _ := newSession(t)
	server.Reject(rest.CertificationPath, "8513", "accessKey is invalid")

	err := s.Init(context.Background())

	var rejection *apierrors.RemoteRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, session.StateInit, s.State())
}

// TestSession_Init_BrokerFails tests that a failed connect is returned.
func TestSession_Init_BrokerFails(t *testing.T) {
	s, broker, _, _ := newSession(t)
	broker.initErr = errors.New("connection refused")

	err := s.Init(context.Background())

	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, session.StateInit, s.State())
}

// TestSession_Subscribe tests fresh and duplicate serial numbers in one call.
func TestSession_Subscribe(t *testing.T) {
	s, broker, _, _ := newSession(t)
	broker.acceptSubscribes()
	require.NoError(t, s.Init(context.Background()))

	var mu sync.Mutex
	var received []string
	cb := func(kind subscription.TopicKind, sn string, msg subscription.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(kind)+"|"+sn+"|"+msg.Text())
	}

	fresh, err := s.Subscribe(context.Background(), subscription.KindQuota, []string{plugSN, "HW51ZEH49G9A0456", plugSN}, cb)
	require.NoError(t, err)
	assert.Equal(t, []string{plugSN, "HW51ZEH49G9A0456"}, fresh)
	broker.AssertNumberOfCalls(t, "Subscribe", 2)

	fresh, err = s.Subscribe(context.Background(), subscription.KindQuota, []string{plugSN}, noop)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	broker.deliver("/open/"+account+"/"+plugSN+"/quota", []byte(`{"watts":5}`))
	assert.Equal(t, []string{"quota|" + plugSN + `|{"watts":5}`}, received)
}

// TestSession_ConnectionLost tests that a dropped connection closes the session and clears subscriptions.
func TestSession_ConnectionLost(t *testing.T) {
	s, broker, _, collector := newSession(t)
	broker.acceptSubscribes()
	require.NoError(t, s.Init(context.Background()))
	_, err := s.Subscribe(context.Background(), subscription.KindStatus, []string{plugSN}, noop)
	require.NoError(t, err)
	require.Len(t, s.Topics(), 1)

	broker.options.OnConnectionLost(errors.New("EOF"))

	assert.Equal(t, session.StateClosed, s.State())
	assert.Empty(t, s.Topics())
	require.Len(t, collector.errs, 1)
	assert.ErrorIs(t, collector.errs[0], apierrors.ErrNotConnected)

	_, err = s.Subscribe(context.Background(), subscription.KindStatus, []string{plugSN}, noop)
	assert.ErrorIs(t, err, apierrors.ErrNotConnected)
}

// TestSession_CloseAndReinit tests Close and a fresh Init afterwards.
func TestSession_CloseAndReinit(t *testing.T) {
	s, broker, _, _ := newSession(t)
	broker.acceptSubscribes()
	broker.On("Disconnect", uint(250)).Return()
	require.NoError(t, s.Init(context.Background()))
	lostFirst := broker.options.OnConnectionLost

	s.Close()
	assert.Equal(t, session.StateClosed, s.State())
	broker.AssertCalled(t, "Disconnect", uint(250))

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, session.StateConnected, s.State())

	lostFirst(errors.New("late loss from the old connection"))
	assert.Equal(t, session.StateConnected, s.State())

	fresh, err := s.Subscribe(context.Background(), subscription.KindQuota, []string{plugSN}, noop)
	require.NoError(t, err)
	assert.Equal(t, []string{plugSN}, fresh)
}

// TestSession_Publish tests the set topic and payload.
func TestSession_Publish(t *testing.T) {
	s, broker, _, _ := newSession(t)
	require.NoError(t, s.Init(context.Background()))

	var payload []byte
	broker.On("Publish", "/open/"+account+"/"+plugSN+"/set", byte(1), false, mock.Anything).Run(func(args mock.Arguments) {
		payload = args.Get(3).([]byte)
	}).Return(mocks.NewDoneToken(nil))

	cmd, err := devices.SmartPlugSwitch(plugSN, true)
	require.NoError(t, err)
	msg, err := devices.NewMQTTSetMessage(cmd)
	require.NoError(t, err)

	require.NoError(t, s.Publish(context.Background(), plugSN, msg))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(payload, &sent))
	assert.Equal(t, msg.ID, sent["id"])
	assert.Equal(t, "1.0", sent["version"])
	assert.Equal(t, devices.CmdSmartPlugSwitch, sent["cmdCode"])
}

// TestSession_Publish_InvalidMessage tests that malformed messages are not sent.
func TestSession_Publish_InvalidMessage(t *testing.T) {
	s, broker, _, _ := newSession(t)
	require.NoError(t, s.Init(context.Background()))

	err := s.Publish(context.Background(), plugSN, devices.MQTTSetMessage{ID: "not-digits", CmdCode: "X"})

	assert.ErrorIs(t, err, apierrors.ErrInvalidCommand)
	broker.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestSession_SendCommand tests the publish and wait-for-reply round trip.
func TestSession_SendCommand(t *testing.T) {
	s, broker, _, _ := newSession(t)
	broker.acceptSubscribes()
	require.NoError(t, s.Init(context.Background()))

	replyTopic := "/open/" + account + "/" + plugSN + "/set_reply"
	broker.On("Publish", mock.Anything, byte(1), false, mock.Anything).Run(func(args mock.Arguments) {
		var sent devices.MQTTSetMessage
		require.NoError(t, json.Unmarshal(args.Get(3).([]byte), &sent))
		broker.deliver(replyTopic, []byte(`{"id":`+sent.ID+`,"version":"1.0","timestamp":1700000000000,"cmdCode":"`+sent.CmdCode+`","data":{"ack":1}}`))
	}).Return(mocks.NewDoneToken(nil))

	cmd, err := devices.SmartPlugSwitch(plugSN, false)
	require.NoError(t, err)

	reply, err := s.SendCommand(context.Background(), cmd)

	require.NoError(t, err)
	assert.True(t, reply.Acknowledged())
	assert.Equal(t, devices.CmdSmartPlugSwitch, reply.CmdCode)
	assert.Equal(t, []string{replyTopic}, s.Topics())
}

// TestSession_SendCommand_Cancelled tests that a missing reply ends with the context.
func TestSession_SendCommand_Cancelled(t *testing.T) {
	s, broker, _, _ := newSession(t)
	broker.acceptSubscribes()
	require.NoError(t, s.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	broker.On("Publish", mock.Anything, byte(1), false, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(mocks.NewDoneToken(nil))

	cmd, err := devices.SmartPlugSwitch(plugSN, false)
	require.NoError(t, err)

	_, err = s.SendCommand(ctx, cmd)

	assert.ErrorIs(t, err, context.Canceled)
}

// TestSession_SendCommand_Invalid tests that invalid commands fail before any broker call.
func TestSession_SendCommand_Invalid(t *testing.T) {
	s, broker, _, _ := newSession(t)
	require.NoError(t, s.Init(context.Background()))

	_, err := s.SendCommand(context.Background(), devices.SetCommand{SN: plugSN, CmdCode: devices.CmdPowerStreamBrightness, Params: map[string]int{"brightness": 1}})

	assert.ErrorIs(t, err, apierrors.ErrInvalidCommand)
	broker.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}
