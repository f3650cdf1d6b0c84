package main

import (
	"errors"
	"strings"

	"github.com/benmeehan/ecoflow-go/internal/forwarder"
	"github.com/benmeehan/ecoflow-go/internal/service_registry"
	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		kinds []string
		poll  bool
	)
	cmd := &cobra.Command{
		Use:   "watch [sn...]",
		Short: "Stream device telemetry to stdout or Kafka",
		Long: `Subscribe to device topics and forward every message. Without serial
numbers every device on the account is watched. The forwarder, the optional
REST poller and the /metrics endpoint are configured in the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(kinds) > 0 {
				a.config.Services.Telemetry.Kinds = strings.Join(kinds, ",")
			}
			if poll {
				a.config.Services.Poller.Enabled = true
			}
			if err := a.config.Validate(); err != nil {
				return err
			}

			serials, err := a.serials(ctx, args)
			if err != nil {
				return err
			}

			fwd, err := a.newForwarder(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := fwd.Close(); err != nil {
					a.logger.Error().Err(err).Msg("Failed to close forwarder")
				}
			}()

			lost := make(chan error, 1)
			sess := a.newSession(func(err error) {
				if errors.Is(err, apierrors.ErrNotConnected) {
					select {
					case lost <- err:
					default:
					}
					return
				}
				a.logger.Warn().Err(err).Msg("Dispatch error")
			})

			registry := service_registry.NewServiceRegistry(a.logger)
			err = registry.RegisterServices(a.config, service_registry.Dependencies{
				Session:   sess,
				Quota:     a.client,
				Metrics:   a.metrics,
				Forwarder: fwd,
				Serials:   serials,
			})
			if err != nil {
				return err
			}
			if err := registry.StartServices(); err != nil {
				return err
			}
			a.logger.Info().Strs("serials", serials).Msg("Watching")

			select {
			case <-ctx.Done():
				a.logger.Info().Msg("Shutting down gracefully...")
				return registry.StopServices()
			case err := <-lost:
				return errors.Join(err, registry.StopServices())
			}
		},
	}
	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "topic kinds to subscribe (quota, status, set, set_reply)")
	cmd.Flags().BoolVar(&poll, "poll", false, "also poll quota-all over REST at services.poller.interval")
	return cmd
}

func (a *app) newForwarder(cmd *cobra.Command) (forwarder.Forwarder, error) {
	switch a.config.Forwarder.Type {
	case "kafka":
		k := a.config.Forwarder.Kafka
		return forwarder.NewKafkaForwarder(forwarder.KafkaOptions{
			Brokers:     a.config.KafkaBrokers(),
			Topic:       k.Topic,
			TLS:         k.TLS,
			BatchSize:   k.BatchSize,
			BatchPeriod: k.BatchPeriod,
		}, a.metrics, a.logger)
	default:
		return forwarder.NewStdoutForwarder(cmd.OutOrStdout()), nil
	}
}
