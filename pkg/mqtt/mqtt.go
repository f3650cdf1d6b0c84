package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/benmeehan/ecoflow-go/pkg/file"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTClient defines the interface for an MQTT client.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Options describes one broker connection.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CACertPath     string
	ConnectTimeout time.Duration

	// OnConnectionLost is called once when an established connection drops.
	OnConnectionLost func(err error)
}

// MqttService provides methods for MQTT operations.
type MqttService struct {
	client     MQTTClient
	fileClient file.FileOperations
	logger     zerolog.Logger
	newClient  func(*mqtt.ClientOptions) MQTTClient
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations, logger zerolog.Logger) *MqttService {
	return &MqttService{
		fileClient: fileClient,
		logger:     logger,
		newClient: func(o *mqtt.ClientOptions) MQTTClient {
			return mqtt.NewClient(o)
		},
	}
}

// NewMqttServiceWithClient wraps an existing client. Initialize still applies
// the options but connects the given client instead of building one.
func NewMqttServiceWithClient(client MQTTClient, logger zerolog.Logger) *MqttService {
	return &MqttService{
		logger: logger,
		newClient: func(*mqtt.ClientOptions) MQTTClient {
			return client
		},
	}
}

// BrokerURL maps the transport announced by the certification endpoint to a
// paho broker URL.
func BrokerURL(transport, host string, port uint16) (string, error) {
	var scheme string
	switch transport {
	case "mqtts", "ssl", "tls":
		scheme = "ssl"
	case "mqtt", "tcp":
		scheme = "tcp"
	case "wss", "ws":
		scheme = transport
	default:
		return "", apierrors.NewProtocolViolation("unsupported broker transport %q", transport)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port), nil
}

// Initialize sets up the MQTT client with TLS and credentials and connects.
// Reconnection is disabled: a lost connection ends the session.
func (s *MqttService) Initialize(ctx context.Context, o Options) error {
	tlsConfig, err := s.tlsConfig(o.CACertPath)
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL)
	opts.SetClientID(o.ClientID)
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetTLSConfig(tlsConfig)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Str("broker", o.BrokerURL).Msg("MQTT connection lost")
		if o.OnConnectionLost != nil {
			o.OnConnectionLost(err)
		}
	})

	s.client = s.newClient(opts)

	s.logger.Info().Str("broker", o.BrokerURL).Str("client_id", o.ClientID).Msg("Connecting to MQTT broker")
	if err := Await(ctx, s.Connect(), nil); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", o.BrokerURL, err)
	}
	return nil
}

func (s *MqttService) tlsConfig(caCertPath string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCertPath == "" || s.fileClient == nil {
		return tlsConfig, nil
	}

	caCert, err := s.fileClient.ReadFileRaw(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %v", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return tlsConfig, nil
}

// Await blocks until token completes, ctx is done or abort is closed. A nil
// abort channel never fires.
func Await(ctx context.Context, token mqtt.Token, abort <-chan struct{}) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-abort:
		return apierrors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Subscribe subscribes to the specified topic with a message handler.
func (s *MqttService) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return s.client.Subscribe(topic, qos, callback)
}

// Unsubscribe unsubscribes from the specified topics.
func (s *MqttService) Unsubscribe(topics ...string) mqtt.Token {
	return s.client.Unsubscribe(topics...)
}

// Disconnect gracefully disconnects the MQTT client.
func (s *MqttService) Disconnect(quiesce uint) {
	if s.client != nil {
		s.client.Disconnect(quiesce)
	}
}
