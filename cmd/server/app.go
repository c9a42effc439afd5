package main

import (
	"log/slog"

	"github.com/zoobzio/clockz"

	"github.com/yourorg/checkout-fallback/internal/checkout"
	"github.com/yourorg/checkout-fallback/internal/circuitbreaker"
	"github.com/yourorg/checkout-fallback/internal/config"
	"github.com/yourorg/checkout-fallback/internal/monitor"
	"github.com/yourorg/checkout-fallback/internal/processor"
	"github.com/yourorg/checkout-fallback/internal/router"
)

const startSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["provider", "request"],
  "properties": {
    "provider": { "type": "string", "minLength": 1 },
    "request": {
      "type": "object",
      "required": ["amount", "currency", "method"],
      "properties": {
        "id": { "type": "string" },
        "amount": { "type": "integer", "minimum": 1 },
        "currency": { "type": "string", "minLength": 3, "maxLength": 3 },
        "method": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": { "type": "string", "minLength": 1 },
            "token": { "type": "string" }
          }
        },
        "customer": { "type": "string" },
        "return_url": { "type": "string" },
        "metadata": { "type": "object", "additionalProperties": { "type": "string" } }
      }
    },
    "flow_context": { "type": "object", "additionalProperties": { "type": "string" } }
  }
}`

const respondSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["event_id", "accepted"],
  "properties": {
    "event_id": { "type": "string", "minLength": 1 },
    "accepted": { "type": "boolean" },
    "selected_provider": { "type": "string" }
  }
}`

// app holds the long-lived collaborators behind the HTTP API.
type app struct {
	sessions        *checkout.Manager
	breaker         *circuitbreaker.CircuitBreaker
	startContract   *monitor.ContractMonitor
	respondContract *monitor.ContractMonitor
	providers       []string
	logger          *slog.Logger
}

func newApp(cfg *config.Config, clock clockz.Clock, logger *slog.Logger) (*app, error) {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := cfg.BuildRegistry(clock, logger)
	if err != nil {
		return nil, err
	}
	breaker := circuitbreaker.NewCircuitBreaker(cfg.BreakerConfig()).WithClock(clock).WithLogger(logger)
	rt := router.NewRouter(reg, cfg.Fallback.ProviderPriority, breaker, logger)

	opts := []checkout.Option{
		checkout.WithClock(clock),
		checkout.WithLogger(logger),
		checkout.WithRecorder(breaker),
	}
	enforcer, err := cfg.Enforcer()
	if err != nil {
		return nil, err
	}
	if enforcer != nil {
		opts = append(opts, checkout.WithPolicy(enforcer))
	}

	manager := checkout.NewManager(
		processor.NewProcessor(reg, cfg.GatewayTimeout(), logger),
		rt,
		checkout.Settings{Fallback: cfg.FallbackConfig(), Flow: cfg.FlowOptions()},
		opts...,
	)
	return &app{
		sessions:        manager,
		breaker:         breaker,
		startContract:   monitor.MustContractMonitor("start request", startSchema),
		respondContract: monitor.MustContractMonitor("fallback response", respondSchema),
		providers:       reg.AvailableProviders(),
		logger:          logger,
	}, nil
}

func (a *app) close() {
	a.sessions.CloseAll()
}
