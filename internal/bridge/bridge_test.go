package bridge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearblade/opcua-command-adapter/internal/correlator"
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

type commander struct {
	mock.Mock

	responses correlator.ResponseCallbacks
	browse    func(*envelope.Message)
	statuses  correlator.StatusCallbacks
	discovery correlator.DiscoveryCallbacks
}

func (c *commander) Dispatch(msg *envelope.Message) status.Result {
	return c.Called(msg).Get(0).(status.Result)
}

func (c *commander) Browse(msg *envelope.Message, browseNext bool) status.Result {
	return c.Called(msg, browseNext).Get(0).(status.Result)
}

func (c *commander) BrowseViews(msg *envelope.Message) status.Result {
	return c.Called(msg).Get(0).(status.Result)
}

func (c *commander) DiscoverEndpoints(url string) status.Result {
	return c.Called(url).Get(0).(status.Result)
}

func (c *commander) FindServers(url string) status.Result {
	return c.Called(url).Get(0).(status.Result)
}

func (c *commander) BrowseLAN() status.Result {
	return c.Called().Get(0).(status.Result)
}

func (c *commander) RegisterResponseCallback(cb correlator.ResponseCallbacks) {
	c.responses = cb
}

func (c *commander) RegisterBrowseResponseCallback(cb func(*envelope.Message)) {
	c.browse = cb
}

func (c *commander) RegisterStatusCallback(cb correlator.StatusCallbacks) {
	c.statuses = cb
}

func (c *commander) RegisterDiscoveryCallback(cb correlator.DiscoveryCallbacks) {
	c.discovery = cb
}

type published struct {
	topic string
	body  map[string]interface{}
}

type publisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *publisher) Publish(topic string, payload []byte) error {
	body := map[string]interface{}{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, body: body})
	return nil
}

func (p *publisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func setup() (*Bridge, *commander, *publisher) {
	cmd := &commander{}
	pub := &publisher{}
	b := New("opcua/", cmd, pub)
	b.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return b, cmd, pub
}

const readPayload = `{
  "endpoint": {"endpoint_uri": "opc.tcp://localhost:4840"},
  "requests": [
    {"node_info": {"node_id": "ns=2;s=Temperature"}},
    {"node_info": {"node_id": "ns=2;i=1001"}}
  ]
}`

func TestReadIsDispatched(t *testing.T) {
	b, cmd, pub := setup()
	assert.Equal(t, "opcua/#", b.Filter())

	cmd.On("Dispatch", mock.MatchedBy(func(m *envelope.Message) bool {
		return m.Command == envelope.CmdRead && m.Type == envelope.SendRequests && len(m.Requests) == 2
	})).Return(status.Success()).Once()

	b.Route("opcua/read", []byte(readPayload))
	cmd.AssertExpectations(t)
	assert.Empty(t, pub.all())
}

func TestRefusalIsPublishedAsError(t *testing.T) {
	b, cmd, pub := setup()
	cmd.On("Dispatch", mock.Anything).Return(status.Invalid("CMD_WRITE: no active session")).Once()

	b.Route("opcua/write", []byte(`{"endpoint": {"endpoint_uri": "opc.tcp://localhost:4840"}, "request": {"node_info": {"node_id": "ns=2;s=Valve"}, "value": {"value": 1}}}`))

	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "opcua/error/response", msgs[0].topic)
	assert.Equal(t, false, msgs[0].body["success"])
	assert.Equal(t, "STATUS_PARAM_INVALID", msgs[0].body["status_code"])
	assert.Equal(t, "CMD_WRITE: no active session", msgs[0].body["error_message"])
	assert.Equal(t, "2024-03-01T12:00:00.000Z", msgs[0].body["timestamp"])
}

func TestMalformedPayload(t *testing.T) {
	b, cmd, pub := setup()
	b.Route("opcua/method", []byte(`{not json`))

	cmd.AssertNotCalled(t, "Dispatch", mock.Anything)
	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "opcua/error/response", msgs[0].topic)
	assert.Equal(t, "STATUS_PARAM_INVALID", msgs[0].body["status_code"])
}

func TestResponsesAndForeignTopicsIgnored(t *testing.T) {
	b, cmd, pub := setup()
	b.Route("opcua/read/response", []byte(readPayload))
	b.Route("other/read", []byte(readPayload))
	b.Route("opcua/unknown", []byte(`{}`))

	cmd.AssertNotCalled(t, "Dispatch", mock.Anything)
	assert.Empty(t, pub.all())
}

func TestBrowseTopics(t *testing.T) {
	b, cmd, _ := setup()
	payload := []byte(`{"endpoint": {"endpoint_uri": "opc.tcp://localhost:4840"}, "browse_param": {}, "request": {"node_info": {"node_id": "i=85"}}}`)

	cmd.On("Browse", mock.Anything, false).Return(status.Success()).Once()
	cmd.On("Browse", mock.Anything, true).Return(status.Success()).Once()
	cmd.On("BrowseViews", mock.Anything).Return(status.Success()).Once()

	b.Route("opcua/browse", payload)
	b.Route("opcua/browsenext", payload)
	b.Route("opcua/browseviews", payload)
	cmd.AssertExpectations(t)
}

func TestLifecycleTopics(t *testing.T) {
	b, cmd, _ := setup()
	ep := []byte(`{"endpoint": {"endpoint_uri": "opc.tcp://localhost:4840"}}`)

	cmd.On("Dispatch", mock.MatchedBy(func(m *envelope.Message) bool { return m.Command == envelope.CmdStartClient })).Return(status.Success()).Once()
	cmd.On("Dispatch", mock.MatchedBy(func(m *envelope.Message) bool { return m.Command == envelope.CmdStopClient })).Return(status.Success()).Once()
	cmd.On("Dispatch", mock.MatchedBy(func(m *envelope.Message) bool { return m.Command == envelope.CmdStartServer })).Return(status.Success()).Once()

	b.Route("opcua/connect", ep)
	b.Route("opcua/disconnect", ep)
	b.Route("opcua/server", []byte(`{"command": "CMD_START_SERVER", "endpoint": {"endpoint_uri": "opc.tcp://0.0.0.0:4841"}}`))
	cmd.AssertExpectations(t)
}

func TestServerTopicNeedsServerCommand(t *testing.T) {
	b, cmd, pub := setup()
	b.Route("opcua/server", []byte(`{"command": "CMD_READ"}`))

	cmd.AssertNotCalled(t, "Dispatch", mock.Anything)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, "opcua/error/response", pub.all()[0].topic)
}

func TestDiscoverTopic(t *testing.T) {
	b, cmd, pub := setup()
	cmd.On("DiscoverEndpoints", "opc.tcp://localhost:4840").Return(status.Success()).Once()
	cmd.On("FindServers", "opc.tcp://localhost:4840").Return(status.Success()).Once()
	cmd.On("BrowseLAN").Return(status.Success()).Once()

	b.Route("opcua/discover", []byte(`{"type": "endpoints", "url": "opc.tcp://localhost:4840"}`))
	b.Route("opcua/discover", []byte(`{"type": "servers", "url": "opc.tcp://localhost:4840"}`))
	b.Route("opcua/discover", []byte(`{"type": "lan"}`))
	b.Route("opcua/discover", []byte(`{"type": "carrier-pigeon"}`))

	cmd.AssertExpectations(t)
	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "opcua/error/response", msgs[0].topic)
}

func TestCallbacksPublish(t *testing.T) {
	_, cmd, pub := setup()
	ep := &envelope.EndpointRef{URI: "opc.tcp://localhost:4840"}

	cmd.responses.OnResponse(&envelope.Message{Command: envelope.CmdRead, Type: envelope.GeneralResponse, Endpoint: ep})
	cmd.responses.OnMonitored(&envelope.Message{Command: envelope.CmdSub, Type: envelope.Report, Endpoint: ep})
	r := status.Of(status.Timeout, "no reply")
	cmd.responses.OnError(&envelope.Message{Command: envelope.CmdWrite, Type: envelope.ErrorResponse, Endpoint: ep, Result: &r})
	cmd.browse(&envelope.Message{Command: envelope.CmdBrowse, Type: envelope.BrowseResponse, Endpoint: ep, BrowseResult: true})
	cmd.statuses.OnNetwork(ep, status.Disconnected)
	cmd.discovery.OnDeviceFound(stack.ApplicationDescription{ApplicationURI: "urn:plc", Type: stack.AppServer, DiscoveryURLs: []string{"opc.tcp://plc:4840"}})
	cmd.discovery.OnEndpointFound(stack.EndpointDescription{URL: "opc.tcp://plc:4840", SecurityMode: "None"})

	msgs := pub.all()
	require.Len(t, msgs, 7)
	topics := make([]string, len(msgs))
	for i, m := range msgs {
		topics[i] = m.topic
	}
	assert.Equal(t, []string{
		"opcua/read/response",
		"opcua/publish/response",
		"opcua/error/response",
		"opcua/browse/response",
		"opcua/connect/response",
		"opcua/discover/response",
		"opcua/discover/response",
	}, topics)

	assert.Equal(t, true, msgs[0].body["success"])
	assert.Equal(t, "STATUS_TIMEOUT", msgs[2].body["status_code"])
	assert.Equal(t, "network", msgs[4].body["event"])
	assert.Equal(t, "STATUS_DISCONNECTED", msgs[4].body["status"])
	device := msgs[5].body["device"].(map[string]interface{})
	assert.Equal(t, "urn:plc", device["application_uri"])
	assert.Equal(t, float64(1), device["application_type"])
}
