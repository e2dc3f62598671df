// Package config loads the adapter settings file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/clearblade/opcua-command-adapter/internal/discovery"
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// Broker is the MQTT connection used by the bridge.
type Broker struct {
	URL      string `yaml:"url" json:"url"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Endpoint is a server the adapter connects to at startup.
type Endpoint struct {
	URL                     string `yaml:"endpoint_url" json:"endpoint_url"`
	envelope.EndpointConfig `yaml:",inline"`
}

// Ref converts e into the envelope form.
func (e Endpoint) Ref() *envelope.EndpointRef {
	cfg := e.EndpointConfig
	return &envelope.EndpointRef{URI: e.URL, Config: &cfg}
}

type Config struct {
	LogLevel    string `yaml:"log_level" json:"log_level"`
	TopicRoot   string `yaml:"topic_root" json:"topic_root"`
	Broker      Broker `yaml:"broker" json:"broker"`
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`

	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`

	RequestTimeoutMs     uint32 `yaml:"request_timeout_ms" json:"request_timeout_ms"`
	ContinuationCapacity int    `yaml:"continuation_capacity" json:"continuation_capacity"`

	// KeepAliveLifetimeMs is the budget a subscription keep-alive count is
	// derived from; KeepAliveDefault is used for a zero publishing
	// interval, where 0 rejects the request.
	KeepAliveLifetimeMs uint32 `yaml:"keepalive_lifetime_ms" json:"keepalive_lifetime_ms"`
	KeepAliveDefault    uint32 `yaml:"keepalive_default" json:"keepalive_default"`

	SupportedApplicationTypes []string `yaml:"supported_application_types" json:"supported_application_types"`

	KeepAlivePollMs  uint32 `yaml:"keepalive_poll_ms" json:"keepalive_poll_ms"`
	KeepAliveRetries int    `yaml:"keepalive_retries" json:"keepalive_retries"`
	MDNSWindowMs     uint32 `yaml:"mdns_window_ms" json:"mdns_window_ms"`

	Endpoints []Endpoint `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		TopicRoot: "opcua",
		Broker: Broker{
			URL:      "tcp://localhost:1883",
			ClientID: "opc-ua-adapter",
		},
		RequestTimeoutMs:          60000,
		ContinuationCapacity:      1000,
		KeepAliveLifetimeMs:       10000,
		SupportedApplicationTypes: []string{"server", "discovery_server"},
		KeepAlivePollMs:           5000,
		KeepAliveRetries:          3,
		MDNSWindowMs:              5000,
	}
}

// Load reads a YAML (or JSON) settings file over the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TopicRoot == "" || strings.ContainsAny(c.TopicRoot, "#+") {
		return status.ParamError("invalid topic root %q", c.TopicRoot)
	}
	if c.ContinuationCapacity <= 0 {
		return status.ParamError("continuation_capacity must be positive, got %d", c.ContinuationCapacity)
	}
	if c.RequestTimeoutMs == 0 {
		return status.ParamError("request_timeout_ms must be positive")
	}
	if c.KeepAliveRetries <= 0 {
		return status.ParamError("keepalive_retries must be positive, got %d", c.KeepAliveRetries)
	}
	if _, err := c.SupportedTypes(); err != nil {
		return status.ParamError("supported_application_types: %s", err)
	}
	for _, ep := range c.Endpoints {
		if err := validateEndpoint(ep); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(ep Endpoint) error {
	if ep.URL == "" {
		return status.ParamError("endpoint without endpoint_url")
	}
	switch strings.ToLower(ep.SecurityMode) {
	case "", "none", "sign", "signandencrypt":
	default:
		return status.ParamError("%s: invalid security mode %q", ep.URL, ep.SecurityMode)
	}
	switch strings.ToLower(ep.SecurityPolicy) {
	case "", "none", "basic256", "basic256sha256":
	default:
		return status.ParamError("%s: invalid security policy %q", ep.URL, ep.SecurityPolicy)
	}
	switch strings.ToLower(ep.AuthType) {
	case "", "anonymous", "username":
	default:
		return status.ParamError("%s: invalid auth type %q", ep.URL, ep.AuthType)
	}
	return nil
}

// SupportedTypes returns the application type mask FindServers filters by.
func (c *Config) SupportedTypes() (stack.ApplicationType, error) {
	return discovery.ParseTypes(c.SupportedApplicationTypes)
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) LifetimeBudget() time.Duration {
	return time.Duration(c.KeepAliveLifetimeMs) * time.Millisecond
}

func (c *Config) KeepAlivePoll() time.Duration {
	return time.Duration(c.KeepAlivePollMs) * time.Millisecond
}

func (c *Config) MDNSWindow() time.Duration {
	return time.Duration(c.MDNSWindowMs) * time.Millisecond
}
