// Package bridge maps MQTT topics onto adapter commands.
//
// Requests arrive on <root>/<topic> as JSON envelopes. Replies are
// published on <root>/<topic>/response, monitored item reports on
// <root>/publish/response, lifecycle and network status on
// <root>/connect/response and failures on <root>/error/response.
package bridge

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/clearblade/opcua-command-adapter/internal/correlator"
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

const (
	readTopic        = "read"
	writeTopic       = "write"
	methodTopic      = "method"
	subscribeTopic   = "subscribe"
	publishTopic     = "publish"
	browseTopic      = "browse"
	browseNextTopic  = "browsenext"
	browseViewsTopic = "browseviews"
	connectTopic     = "connect"
	disconnectTopic  = "disconnect"
	serverTopic      = "server"
	discoverTopic    = "discover"
	errorTopic       = "error"
	responseSuffix   = "response"
	RFC3339Milli     = "2006-01-02T15:04:05.000Z07:00"
)

// Publisher sends one MQTT message.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Commander is the adapter surface the bridge drives.
type Commander interface {
	Dispatch(msg *envelope.Message) status.Result
	Browse(msg *envelope.Message, browseNext bool) status.Result
	BrowseViews(msg *envelope.Message) status.Result
	DiscoverEndpoints(url string) status.Result
	FindServers(url string) status.Result
	BrowseLAN() status.Result

	RegisterResponseCallback(cb correlator.ResponseCallbacks)
	RegisterBrowseResponseCallback(cb func(*envelope.Message))
	RegisterStatusCallback(cb correlator.StatusCallbacks)
	RegisterDiscoveryCallback(cb correlator.DiscoveryCallbacks)
}

type Bridge struct {
	root string
	cmd  Commander
	pub  Publisher
	now  func() time.Time
}

// New registers the bridge as the sink for every callback of cmd.
func New(root string, cmd Commander, pub Publisher) *Bridge {
	b := &Bridge{root: strings.TrimSuffix(root, "/"), cmd: cmd, pub: pub, now: time.Now}
	cmd.RegisterResponseCallback(correlator.ResponseCallbacks{
		OnResponse:  b.onResponse,
		OnMonitored: func(m *envelope.Message) { b.publish(publishTopic, b.wrap(m)) },
		OnError:     func(m *envelope.Message) { b.publish(errorTopic, b.wrap(m)) },
	})
	cmd.RegisterBrowseResponseCallback(b.onResponse)
	cmd.RegisterStatusCallback(correlator.StatusCallbacks{
		OnStart:   b.status("start"),
		OnStop:    b.status("stop"),
		OnNetwork: b.status("network"),
	})
	cmd.RegisterDiscoveryCallback(correlator.DiscoveryCallbacks{
		OnEndpointFound: b.onEndpoint,
		OnDeviceFound:   b.onDevice,
	})
	return b
}

// Filter is the subscription covering every request topic.
func (b *Bridge) Filter() string {
	return b.root + "/#"
}

// Handle routes one inbound MQTT message without blocking the caller.
func (b *Bridge) Handle(topic string, payload []byte) {
	go b.Route(topic, payload)
}

func (b *Bridge) Route(topic string, payload []byte) {
	name, ok := b.topicName(topic)
	if !ok {
		log.Printf("[ERROR] Route - Unknown request received: topic = %s\n", topic)
		return
	}
	if strings.HasSuffix(name, "/"+responseSuffix) {
		log.Println("[DEBUG] Route - Received response, ignoring")
		return
	}

	switch name {
	case readTopic:
		b.command(name, envelope.CmdRead, payload, b.cmd.Dispatch)
	case writeTopic:
		b.command(name, envelope.CmdWrite, payload, b.cmd.Dispatch)
	case methodTopic:
		b.command(name, envelope.CmdMethod, payload, b.cmd.Dispatch)
	case subscribeTopic:
		b.command(name, envelope.CmdSub, payload, b.cmd.Dispatch)
	case browseTopic:
		b.command(name, envelope.CmdBrowse, payload, func(m *envelope.Message) status.Result { return b.cmd.Browse(m, false) })
	case browseNextTopic:
		b.command(name, envelope.CmdBrowse, payload, func(m *envelope.Message) status.Result { return b.cmd.Browse(m, true) })
	case browseViewsTopic:
		b.command(name, envelope.CmdBrowseViews, payload, b.cmd.BrowseViews)
	case connectTopic:
		b.command(name, envelope.CmdStartClient, payload, b.cmd.Dispatch)
	case disconnectTopic:
		b.command(name, envelope.CmdStopClient, payload, b.cmd.Dispatch)
	case serverTopic:
		b.server(payload)
	case discoverTopic:
		b.discover(payload)
	default:
		log.Printf("[ERROR] Route - Unknown request received: topic = %s, payload = %s\n", topic, payload)
	}
}

func (b *Bridge) topicName(topic string) (string, bool) {
	prefix := b.root + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, prefix), true
}

func decode(payload []byte, cmd envelope.Command) (*envelope.Message, error) {
	msg := &envelope.Message{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, status.ParamError("failed to unmarshal request JSON: %s", err)
		}
	}
	msg.Command = cmd
	if msg.Type == 0 {
		msg.Type = envelope.SendRequest
		if len(msg.Requests) > 0 {
			msg.Type = envelope.SendRequests
		}
	}
	return msg, nil
}

func (b *Bridge) command(name string, cmd envelope.Command, payload []byte, submit func(*envelope.Message) status.Result) {
	log.Printf("[INFO] Route - Received OPC UA %s request\n", name)
	msg, err := decode(payload, cmd)
	if err != nil {
		log.Printf("[ERROR] Route - %s\n", err)
		b.publish(errorTopic, b.failure(status.FromError(err), nil))
		return
	}
	if r := submit(msg); !r.IsOK() {
		b.publish(errorTopic, b.wrap(msg.ErrorReply(r)))
	}
}

// server starts or stops the embedded server. The payload names the
// command.
func (b *Bridge) server(payload []byte) {
	msg := &envelope.Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		b.publish(errorTopic, b.failure(status.Invalid("failed to unmarshal request JSON: %s", err), nil))
		return
	}
	if msg.Command != envelope.CmdStartServer && msg.Command != envelope.CmdStopServer {
		b.publish(errorTopic, b.failure(status.Invalid("%s is not a server command", msg.Command), msg))
		return
	}
	log.Printf("[INFO] Route - Received OPC UA %s request\n", msg.Command)
	if r := b.cmd.Dispatch(msg); !r.IsOK() {
		b.publish(errorTopic, b.wrap(msg.ErrorReply(r)))
	}
}

func (b *Bridge) discover(payload []byte) {
	req := discoverRequestMQTTMessage{}
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publish(errorTopic, b.failure(status.Invalid("failed to unmarshal request JSON: %s", err), nil))
		return
	}
	log.Printf("[INFO] Route - Received OPC UA discover %s request\n", req.Type)

	var r status.Result
	switch req.Type {
	case discoverEndpoints:
		r = b.cmd.DiscoverEndpoints(req.URL)
	case discoverServers:
		r = b.cmd.FindServers(req.URL)
	case discoverLAN:
		r = b.cmd.BrowseLAN()
	default:
		r = status.Invalid("unknown discover type %q", req.Type)
	}
	if !r.IsOK() {
		b.publish(errorTopic, b.failure(r, &envelope.Message{Endpoint: &envelope.EndpointRef{URI: req.URL}, Result: &r}))
	}
}

func responseTopic(cmd envelope.Command) string {
	switch cmd {
	case envelope.CmdRead:
		return readTopic
	case envelope.CmdWrite:
		return writeTopic
	case envelope.CmdMethod:
		return methodTopic
	case envelope.CmdSub:
		return subscribeTopic
	case envelope.CmdBrowse:
		return browseTopic
	case envelope.CmdBrowseViews:
		return browseViewsTopic
	}
	return errorTopic
}

func (b *Bridge) onResponse(m *envelope.Message) {
	b.publish(responseTopic(m.Command), b.wrap(m))
}

func (b *Bridge) status(event string) func(*envelope.EndpointRef, status.Code) {
	return func(ep *envelope.EndpointRef, code status.Code) {
		resp := connectionStatusMQTTMessage{
			Timestamp: b.now().UTC().Format(RFC3339Milli),
			Event:     event,
			Status:    code,
		}
		if ep != nil {
			resp.EndpointURL = ep.URI
		}
		b.publish(connectTopic, resp)
	}
}

func (b *Bridge) onEndpoint(e stack.EndpointDescription) {
	b.publish(discoverTopic, discoverResponseMQTTMessage{
		Timestamp: b.now().UTC().Format(RFC3339Milli),
		Endpoint: &endpointMQTTMessage{
			URL:             e.URL,
			SecurityMode:    e.SecurityMode,
			SecurityPolicy:  e.SecurityPolicy,
			SecurityLevel:   e.SecurityLevel,
			UserTokenTypes:  e.UserTokenTypes,
			ApplicationURI:  e.ApplicationURI,
			ApplicationName: e.ApplicationName,
		},
	})
}

func (b *Bridge) onDevice(d stack.ApplicationDescription) {
	b.publish(discoverTopic, discoverResponseMQTTMessage{
		Timestamp: b.now().UTC().Format(RFC3339Milli),
		Device: &deviceMQTTMessage{
			ApplicationURI:  d.ApplicationURI,
			ProductURI:      d.ProductURI,
			ApplicationName: d.ApplicationName,
			ApplicationType: uint8(d.Type),
			DiscoveryURLs:   d.DiscoveryURLs,
		},
	})
}

// wrap builds the published form of m. Error envelopes carry their result
// in the outer fields.
func (b *Bridge) wrap(m *envelope.Message) responseMQTTMessage {
	if m.Result != nil {
		return b.failure(*m.Result, m)
	}
	return responseMQTTMessage{
		Timestamp:  b.now().UTC().Format(RFC3339Milli),
		Success:    true,
		StatusCode: status.OK,
		Message:    m,
	}
}

func (b *Bridge) failure(r status.Result, m *envelope.Message) responseMQTTMessage {
	return responseMQTTMessage{
		Timestamp:    b.now().UTC().Format(RFC3339Milli),
		Success:      r.IsOK(),
		StatusCode:   r.Code,
		ErrorMessage: r.Message,
		Message:      m,
	}
}

func (b *Bridge) publish(topic string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("[ERROR] publish - Failed to stringify JSON: %s\n", err)
		return
	}
	full := b.root + "/" + topic + "/" + responseSuffix
	if err := b.pub.Publish(full, payload); err != nil {
		log.Printf("[ERROR] publish - Failed to publish MQTT message to topic %s: %s\n", full, err)
	}
}
