package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benmeehan/ecoflow-go/internal/metrics"
	"github.com/benmeehan/ecoflow-go/internal/utils"
	"github.com/benmeehan/ecoflow-go/pkg/file"
	ecomqtt "github.com/benmeehan/ecoflow-go/pkg/mqtt"
	"github.com/benmeehan/ecoflow-go/pkg/rest"
	"github.com/benmeehan/ecoflow-go/pkg/session"
	"github.com/benmeehan/ecoflow-go/pkg/signature"
	"github.com/benmeehan/ecoflow-go/pkg/subscription"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries what every subcommand shares. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	configFile string
	logLevel   string

	fileClient file.FileOperations
	config     *utils.Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	client     *rest.Client
}

func newRootCmd() *cobra.Command {
	a := &app{fileClient: file.NewFileService()}

	root := &cobra.Command{
		Use:   "ecoflow",
		Short: "ecoflow talks to EcoFlow devices through the IoT developer API",
		Long: `ecoflow signs requests against the EcoFlow IoT developer REST API and
subscribes to device telemetry over the vendor MQTT broker.

Credentials come from the config file or from ECOFLOW_ACCESS_KEY and
ECOFLOW_SECRET_KEY.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "YAML config file; environment variables override it")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(
		newCredentialsCmd(a),
		newDevicesCmd(a),
		newSerialsCmd(a),
		newQuotaCmd(a),
		newGetCmd(a),
		newSetCmd(a),
		newPlugCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) load(logOut io.Writer) error {
	config, err := utils.LoadConfig(a.configFile, a.fileClient)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		config.Log.Level = a.logLevel
	}

	logger, err := utils.NewLogger(config.Log.Level, config.Log.Pretty, logOut)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.Log.Level, err)
	}

	a.config = config
	a.logger = logger
	a.metrics = metrics.New()
	a.client = rest.NewClient(
		config.API.Host,
		signature.NewBuilder(config.API.AccessKey, config.API.SecretKey),
		logger,
		rest.WithTimeout(config.API.Timeout),
		rest.WithObserver(a.metrics),
	)
	a.logger.Debug().Str("host", config.API.Host).Str("accessKey", config.API.AccessKey).Msg("Configuration loaded")
	return nil
}

// newSession builds a session on a fresh paho connection.
func (a *app) newSession(sink subscription.ErrorSink) *session.Session {
	return session.New(session.Options{
		Credentials:    a.client,
		Broker:         ecomqtt.NewMqttService(a.fileClient, a.logger),
		ClientID:       a.config.MQTTClientID(),
		QoS:            byte(a.config.MQTT.QOS),
		CACertPath:     a.config.MQTT.CACertificate,
		ConnectTimeout: a.config.MQTT.ConnectTimeout,
		ErrorSink:      sink,
		Recorder:       a.metrics,
		Logger:         a.logger,
	})
}

// serials returns args, or every serial number on the account when args is empty.
func (a *app) serials(ctx context.Context, args []string) ([]string, error) {
	if len(args) > 0 {
		return utils.Dedupe(args), nil
	}
	serials, err := a.client.GetSerialNumbers(ctx)
	if err != nil {
		return nil, err
	}
	if len(serials) == 0 {
		return nil, errors.New("no devices are bound to this account")
	}
	return serials, nil
}

func (a *app) timeoutContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = a.config.MQTT.ConnectTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
