package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/ecoflow-go/internal/forwarder"
	"github.com/benmeehan/ecoflow-go/internal/services"
	"github.com/benmeehan/ecoflow-go/internal/utils"
	"github.com/rs/zerolog"
)

// Service is a long running component with an explicit lifecycle.
type Service interface {
	Start() error
	Stop() error
}

// Dependencies are the collaborators the services are built from.
type Dependencies struct {
	Session   services.Session
	Quota     services.QuotaSource
	Metrics   services.MetricsServer
	Forwarder forwarder.Forwarder
	Serials   []string
}

// ServiceRegistry manages the lifecycle of the watch services.
type ServiceRegistry struct {
	services    map[string]Service // Stores registered services
	serviceKeys []string           // Maintains order of service registration
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes an empty service registry.
func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]Service),
		Logger:   logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Names returns the registered services in start order.
func (sr *ServiceRegistry) Names() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds and registers the enabled services. The metrics
// endpoint comes first so that it observes the others from the start.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, deps Dependencies) error {
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (Service, error)
	}{
		{
			name:    "metrics",
			enabled: config.Metrics.Listen != "" && deps.Metrics != nil,
			constructor: func() (Service, error) {
				return services.NewMetricsService(deps.Metrics, config.Metrics.Listen, sr.Logger), nil
			},
		},
		{
			name:    "telemetry",
			enabled: config.Services.Telemetry.Enabled,
			constructor: func() (Service, error) {
				kinds, err := config.TelemetryKinds()
				if err != nil {
					return nil, err
				}
				return services.NewTelemetryService(
					deps.Session,
					deps.Serials,
					kinds,
					deps.Forwarder,
					config.Services.Telemetry.Buffer,
					sr.Logger,
				), nil
			},
		},
		{
			name:    "poller",
			enabled: config.Services.Poller.Enabled,
			constructor: func() (Service, error) {
				return services.NewQuotaPollService(
					deps.Quota,
					deps.Serials,
					config.Services.Poller.Interval,
					config.Workers,
					deps.Forwarder,
					sr.Logger,
				), nil
			},
		},
	}

	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	if len(registeredServices) == 0 {
		return errors.New("no services enabled")
	}
	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
