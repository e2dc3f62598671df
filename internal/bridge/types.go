package bridge

import (
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

type responseMQTTMessage struct {
	Timestamp    string            `json:"timestamp"`
	Success      bool              `json:"success"`
	StatusCode   status.Code       `json:"status_code"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Message      *envelope.Message `json:"message,omitempty"`
}

type connectionStatusMQTTMessage struct {
	Timestamp   string      `json:"timestamp"`
	EndpointURL string      `json:"endpoint_url,omitempty"`
	Event       string      `json:"event"`
	Status      status.Code `json:"status"`
}

// discover request types
const (
	discoverEndpoints = "endpoints"
	discoverServers   = "servers"
	discoverLAN       = "lan"
)

type discoverRequestMQTTMessage struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type endpointMQTTMessage struct {
	URL             string   `json:"endpoint_url"`
	SecurityMode    string   `json:"security_mode"`
	SecurityPolicy  string   `json:"security_policy"`
	SecurityLevel   uint8    `json:"security_level"`
	UserTokenTypes  []string `json:"user_token_types,omitempty"`
	ApplicationURI  string   `json:"application_uri,omitempty"`
	ApplicationName string   `json:"application_name,omitempty"`
}

type deviceMQTTMessage struct {
	ApplicationURI  string   `json:"application_uri"`
	ProductURI      string   `json:"product_uri,omitempty"`
	ApplicationName string   `json:"application_name,omitempty"`
	ApplicationType uint8    `json:"application_type"`
	DiscoveryURLs   []string `json:"discovery_urls"`
}

type discoverResponseMQTTMessage struct {
	Timestamp string               `json:"timestamp"`
	Endpoint  *endpointMQTTMessage `json:"endpoint,omitempty"`
	Device    *deviceMQTTMessage   `json:"device,omitempty"`
}
