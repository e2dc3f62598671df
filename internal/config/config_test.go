package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 10*time.Second, cfg.LifetimeBudget())
	assert.Equal(t, 5*time.Second, cfg.KeepAlivePoll())
	assert.Equal(t, 5*time.Second, cfg.MDNSWindow())
	assert.Equal(t, 1000, cfg.ContinuationCapacity)
	assert.Zero(t, cfg.KeepAliveDefault)

	mask, err := cfg.SupportedTypes()
	require.NoError(t, err)
	assert.Equal(t, stack.AppServer|stack.AppDiscoveryServer, mask)
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "adapter.yaml", `
log_level: DEBUG
topic_root: plant/opcua
broker:
  url: tcp://broker:1883
  client_id: edge-1
continuation_capacity: 5
keepalive_default: 4
endpoints:
  - endpoint_url: opc.tcp://localhost:4840
    security_mode: SignAndEncrypt
    security_policy: Basic256Sha256
    auth_type: username
    username: operator
    password: secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "plant/opcua", cfg.TopicRoot)
	assert.Equal(t, "edge-1", cfg.Broker.ClientID)
	assert.Equal(t, 5, cfg.ContinuationCapacity)
	assert.Equal(t, uint32(4), cfg.KeepAliveDefault)
	assert.Equal(t, uint32(60000), cfg.RequestTimeoutMs, "unset keys keep their defaults")

	require.Len(t, cfg.Endpoints, 1)
	ref := cfg.Endpoints[0].Ref()
	assert.Equal(t, "opc.tcp://localhost:4840", ref.URI)
	assert.Equal(t, "username", ref.Config.AuthType)
	assert.Equal(t, "operator", ref.Config.Username)
	assert.Equal(t, "Basic256Sha256", ref.Config.SecurityPolicy)
}

func TestLoadJSON(t *testing.T) {
	path := write(t, "adapter.json", `{
  "topic_root": "opcua",
  "supported_application_types": ["server"],
  "endpoints": [{"endpoint_url": "opc.tcp://10.0.0.5:4840", "security_mode": "None"}]
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	mask, err := cfg.SupportedTypes()
	require.NoError(t, err)
	assert.Equal(t, stack.AppServer, mask)
	assert.Equal(t, "None", cfg.Endpoints[0].SecurityMode)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"capacity":    func(c *Config) { c.ContinuationCapacity = 0 },
		"topic root":  func(c *Config) { c.TopicRoot = "opcua/#" },
		"retries":     func(c *Config) { c.KeepAliveRetries = 0 },
		"app types":   func(c *Config) { c.SupportedApplicationTypes = []string{"printer"} },
		"no url":      func(c *Config) { c.Endpoints = []Endpoint{{}} },
		"sec mode":    func(c *Config) { c.Endpoints = []Endpoint{{URL: "opc.tcp://h:1"}}; c.Endpoints[0].SecurityMode = "encrypt" },
		"sec policy":  func(c *Config) { c.Endpoints = []Endpoint{{URL: "opc.tcp://h:1"}}; c.Endpoints[0].SecurityPolicy = "Aes128" },
		"auth type":   func(c *Config) { c.Endpoints = []Endpoint{{URL: "opc.tcp://h:1"}}; c.Endpoints[0].AuthType = "certificate" },
		"req timeout": func(c *Config) { c.RequestTimeoutMs = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, status.KindParamInvalid, status.KindOf(err))
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(write(t, "bad.yaml", "topic_root: [unclosed"))
	assert.Error(t, err)

	_, err = Load(write(t, "invalid.yaml", "continuation_capacity: -1"))
	assert.Error(t, err)
}
