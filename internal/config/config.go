// Package config loads the YAML configuration of the checkout service.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zoobzio/clockz"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/checkout-fallback/internal/adapter/mock"
	"github.com/yourorg/checkout-fallback/internal/adapter/stripe"
	"github.com/yourorg/checkout-fallback/internal/circuitbreaker"
	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/flow"
	"github.com/yourorg/checkout-fallback/internal/monitor"
	"github.com/yourorg/checkout-fallback/internal/payment"
	"github.com/yourorg/checkout-fallback/internal/policy"
	"github.com/yourorg/checkout-fallback/internal/registry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var contract = monitor.MustContractMonitor("config", fileSchema)

// Server configures the HTTP surface.
type Server struct {
	Addr              string `yaml:"addr"`
	GatewayTimeoutMS  int    `yaml:"gateway_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
	StdoutTracing     bool   `yaml:"stdout_tracing"`
}

// Fallback mirrors fallback.Config with millisecond durations.
type Fallback struct {
	Enabled               *bool    `yaml:"enabled"`
	MaxAttempts           int      `yaml:"max_attempts"`
	UserResponseTimeoutMS int      `yaml:"user_response_timeout_ms"`
	TriggerErrorCodes     []string `yaml:"trigger_error_codes"`
	ProviderPriority      []string `yaml:"provider_priority"`
	Mode                  string   `yaml:"mode"`
	AutoFallbackDelayMS   int      `yaml:"auto_fallback_delay_ms"`
	MaxAutoFallbacks      *int     `yaml:"max_auto_fallbacks"`
}

// Flow mirrors flow.Options.
type Flow struct {
	PollIntervalMS     *int  `yaml:"poll_interval_ms"`
	MaxPolls           *int  `yaml:"max_polls"`
	MaxStatusRetries   *int  `yaml:"max_status_retries"`
	StatusRetryDelayMS *int  `yaml:"status_retry_delay_ms"`
	RefreshFromDone    *bool `yaml:"refresh_from_done"`
}

// CircuitBreaker mirrors circuitbreaker.Config.
type CircuitBreaker struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	OpenTimeoutMS     int `yaml:"open_timeout_ms"`
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

// Provider declares one payment provider.
type Provider struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	Methods      []string `yaml:"methods"`
	StartStatus  string   `yaml:"start_status"`
	FailWith     string   `yaml:"fail_with"`
	APIKey       string   `yaml:"api_key"`
	APIKeyEnv    string   `yaml:"api_key_env"`
	BaseURL      string   `yaml:"base_url"`
	Retries      int      `yaml:"retries"`
	RetryDelayMS int      `yaml:"retry_delay_ms"`
}

// Config is the decoded configuration file.
type Config struct {
	Server         Server         `yaml:"server"`
	Fallback       Fallback       `yaml:"fallback"`
	Flow           Flow           `yaml:"flow"`
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	Policies       []policy.Rule  `yaml:"policies"`
	Providers      []Provider     `yaml:"providers"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates data against the configuration schema, decodes it and
// applies defaults.
func Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	valid, violations, err := contract.ValidateValue(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, monitor.FormatErrors(violations))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.GatewayTimeoutMS == 0 {
		c.Server.GatewayTimeoutMS = 10000
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = 5000
	}

	f := &c.Fallback
	if f.Enabled == nil {
		enabled := true
		f.Enabled = &enabled
	}
	if f.MaxAttempts == 0 {
		f.MaxAttempts = 3
	}
	if f.UserResponseTimeoutMS == 0 {
		f.UserResponseTimeoutMS = 30000
	}
	if f.TriggerErrorCodes == nil {
		f.TriggerErrorCodes = []string{string(payment.CodeProviderError), string(payment.CodeProviderUnavailable)}
	}
	if f.Mode == "" {
		f.Mode = string(fallback.ModeManual)
	}
	if f.AutoFallbackDelayMS == 0 {
		f.AutoFallbackDelayMS = 3000
	}
	if f.MaxAutoFallbacks == nil {
		one := 1
		f.MaxAutoFallbacks = &one
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type == "mock" && len(p.Methods) == 0 {
			p.Methods = []string{payment.MethodCard}
		}
		if p.Type == "mock" && p.StartStatus == "" {
			p.StartStatus = string(payment.StatusSucceeded)
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate provider id %q", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
		if p.Type == "stripe" && p.APIKey == "" && p.APIKeyEnv == "" {
			return fmt.Errorf("%w: stripe provider %q needs api_key or api_key_env", ErrInvalidConfig, p.ID)
		}
	}
	for _, id := range c.Fallback.ProviderPriority {
		if !seen[id] {
			return fmt.Errorf("%w: provider_priority names unknown provider %q", ErrInvalidConfig, id)
		}
	}
	if _, err := policy.NewEnforcer(c.Policies); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// FallbackConfig converts the fallback section.
func (c *Config) FallbackConfig() fallback.Config {
	f := c.Fallback
	codes := make([]payment.ErrorCode, 0, len(f.TriggerErrorCodes))
	for _, s := range f.TriggerErrorCodes {
		codes = append(codes, payment.ParseErrorCode(s))
	}
	return fallback.Config{
		Enabled:             f.Enabled != nil && *f.Enabled,
		MaxAttempts:         f.MaxAttempts,
		UserResponseTimeout: millis(f.UserResponseTimeoutMS),
		TriggerErrorCodes:   codes,
		ProviderPriority:    append([]string(nil), f.ProviderPriority...),
		Mode:                fallback.Mode(f.Mode),
		AutoFallbackDelay:   millis(f.AutoFallbackDelayMS),
		MaxAutoFallbacks:    *f.MaxAutoFallbacks,
	}
}

// FlowOptions converts the flow section. Unset fields keep
// flow.DefaultOptions.
func (c *Config) FlowOptions() flow.Options {
	o := flow.DefaultOptions()
	f := c.Flow
	if f.PollIntervalMS != nil {
		o.PollInterval = millis(*f.PollIntervalMS)
	}
	if f.MaxPolls != nil {
		o.MaxPolls = *f.MaxPolls
	}
	if f.MaxStatusRetries != nil {
		o.MaxStatusRetries = *f.MaxStatusRetries
	}
	if f.StatusRetryDelayMS != nil {
		o.StatusRetryDelay = millis(*f.StatusRetryDelayMS)
	}
	if f.RefreshFromDone != nil {
		o.RefreshFromDone = *f.RefreshFromDone
	}
	return o
}

// BreakerConfig converts the circuit_breaker section.
func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:  c.CircuitBreaker.FailureThreshold,
		OpenTimeout:       millis(c.CircuitBreaker.OpenTimeoutMS),
		HalfOpenSuccesses: c.CircuitBreaker.HalfOpenSuccesses,
	}
}

// GatewayTimeout is the per-call deadline for provider requests.
func (c *Config) GatewayTimeout() time.Duration {
	return millis(c.Server.GatewayTimeoutMS)
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return millis(c.Server.ShutdownTimeoutMS)
}

// Enforcer compiles the policy rules. It returns nil when there are none.
func (c *Config) Enforcer() (*policy.Enforcer, error) {
	if len(c.Policies) == 0 {
		return nil, nil
	}
	return policy.NewEnforcer(c.Policies)
}

// BuildRegistry creates the provider registry described by the providers
// section.
func (c *Config) BuildRegistry(clock clockz.Clock, logger *slog.Logger) (*registry.InMemoryRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := registry.NewInMemoryRegistry()
	for _, p := range c.Providers {
		var err error
		switch p.Type {
		case "mock":
			gw := mock.NewMockGateway(p.ID)
			gw.StartStatus = payment.IntentStatus(p.StartStatus)
			if p.FailWith != "" {
				gw.FailWith = payment.NewError(payment.ParseErrorCode(p.FailWith), fmt.Sprintf("%s configured to fail", p.ID))
			}
			err = reg.Register(p.ID, mock.NewMockFactory(gw, p.Methods...))
		case "stripe":
			key := p.APIKey
			if p.APIKeyEnv != "" {
				if v := os.Getenv(p.APIKeyEnv); v != "" {
					key = v
				}
			}
			if key == "" {
				return nil, fmt.Errorf("%w: stripe provider %q has no api key", ErrInvalidConfig, p.ID)
			}
			gw := stripe.NewGateway(stripe.Config{
				APIKey:     key,
				BaseURL:    p.BaseURL,
				Clock:      clock,
				Retries:    p.Retries,
				RetryDelay: millis(p.RetryDelayMS),
			})
			err = reg.Register(p.ID, stripe.NewFactory(gw))
		default:
			err = fmt.Errorf("%w: unknown provider type %q", ErrInvalidConfig, p.Type)
		}
		if err != nil {
			return nil, err
		}
		logger.Info("provider_registered", "provider", p.ID, "type", p.Type)
	}
	return reg, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
