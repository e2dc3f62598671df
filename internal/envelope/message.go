// Package envelope defines the request/response data model carried across
// the asynchronous boundary between the calling application and the
// command core.
package envelope

import (
	"time"

	"github.com/pkg/errors"

	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// Command selects the operation an envelope asks for.
type Command uint8

const (
	CmdRead Command = iota + 1
	CmdWrite
	CmdBrowse
	CmdBrowseViews
	CmdMethod
	CmdSub
	CmdStartServer
	CmdStopServer
	CmdStartClient
	CmdStopClient
)

var commandNames = map[Command]string{
	CmdRead:        "CMD_READ",
	CmdWrite:       "CMD_WRITE",
	CmdBrowse:      "CMD_BROWSE",
	CmdBrowseViews: "CMD_BROWSE_VIEWS",
	CmdMethod:      "CMD_METHOD",
	CmdSub:         "CMD_SUB",
	CmdStartServer: "CMD_START_SERVER",
	CmdStopServer:  "CMD_STOP_SERVER",
	CmdStartClient: "CMD_START_CLIENT",
	CmdStopClient:  "CMD_STOP_CLIENT",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "CMD_UNKNOWN"
}

func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Command) UnmarshalText(b []byte) error {
	for cmd, name := range commandNames {
		if name == string(b) {
			*c = cmd
			return nil
		}
	}
	return errors.Errorf("unknown command %q", string(b))
}

// Lifecycle reports whether the command is a pure lifecycle call.
func (c Command) Lifecycle() bool {
	return c >= CmdStartServer && c <= CmdStopClient
}

// MessageType is the shape of an envelope.
type MessageType uint8

const (
	SendRequest MessageType = iota + 1
	SendRequests
	GeneralResponse
	BrowseResponse
	Report
	ErrorResponse
)

var messageTypeNames = map[MessageType]string{
	SendRequest:     "SEND_REQUEST",
	SendRequests:    "SEND_REQUESTS",
	GeneralResponse: "GENERAL_RESPONSE",
	BrowseResponse:  "BROWSE_RESPONSE",
	Report:          "REPORT",
	ErrorResponse:   "ERROR",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	for mt, name := range messageTypeNames {
		if name == string(b) {
			*t = mt
			return nil
		}
	}
	return errors.Errorf("unknown message type %q", string(b))
}

// EndpointConfig carries per-endpoint connection settings.
type EndpointConfig struct {
	RequestTimeoutMs uint32 `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	SecurityMode     string `json:"security_mode,omitempty" yaml:"security_mode,omitempty"`
	SecurityPolicy   string `json:"security_policy,omitempty" yaml:"security_policy,omitempty"`
	AuthType         string `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	Username         string `json:"username,omitempty" yaml:"username,omitempty"`
	Password         string `json:"password,omitempty" yaml:"password,omitempty"`
	ApplicationURI   string `json:"application_uri,omitempty" yaml:"application_uri,omitempty"`
	ServerName       string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
}

// EndpointRef is a reachable server address plus its configuration.
type EndpointRef struct {
	URI    string          `json:"endpoint_uri"`
	Config *EndpointConfig `json:"config,omitempty"`
}

// RequestTimeout returns the configured timeout, or def when unset.
func (e *EndpointRef) RequestTimeout(def time.Duration) time.Duration {
	if e == nil || e.Config == nil || e.Config.RequestTimeoutMs == 0 {
		return def
	}
	return time.Duration(e.Config.RequestTimeoutMs) * time.Millisecond
}

// MethodRequest is a method invocation on ObjectID. The method node itself
// is the NodeInfo of the enclosing Request.
type MethodRequest struct {
	ObjectID       *NodeID    `json:"object_id"`
	InputArguments []*Variant `json:"arguments,omitempty"`
}

// SubType is the kind of a subscription request.
type SubType string

const (
	SubCreate    SubType = "create"
	SubModify    SubType = "modify"
	SubDelete    SubType = "delete"
	SubRepublish SubType = "republish"
)

// SubscriptionRequest carries monitored-item subscription parameters.
// Intervals are in milliseconds.
type SubscriptionRequest struct {
	Type                       SubType `json:"request_type"`
	SamplingInterval           float64 `json:"sampling_interval,omitempty"`
	PublishingInterval         float64 `json:"publish_interval,omitempty"`
	MaxKeepAliveCount          uint32  `json:"keepalive,omitempty"`
	LifetimeCount              uint32  `json:"lifetime,omitempty"`
	MaxNotificationsPerPublish uint32  `json:"max_publish_notifications,omitempty"`
	PublishingEnabled          bool    `json:"publishing_enabled"`
	Priority                   uint8   `json:"priority,omitempty"`
	QueueSize                  uint32  `json:"queue_size,omitempty"`

	// MonitoredItemID optionally pins a modify/delete/republish to the
	// monitored item returned by create.
	MonitoredItemID uint32 `json:"monitored_item_id,omitempty"`

	// RetransmitSequence is the sequence number a republish asks for.
	RetransmitSequence uint32 `json:"retransmit_sequence,omitempty"`
}

// Request is one addressed operation unit. It exclusively owns its NodeInfo
// and payload.
type Request struct {
	NodeInfo     *NodeInfo            `json:"node_info,omitempty"`
	Value        *Variant             `json:"value,omitempty"`
	Method       *MethodRequest       `json:"method,omitempty"`
	Subscription *SubscriptionRequest `json:"subscription,omitempty"`
}

// Response is the outcome of one Request.
type Response struct {
	NodeInfo        *NodeInfo     `json:"node_info,omitempty"`
	Value           *Variant      `json:"value,omitempty"`
	Outputs         []*Variant    `json:"outputs,omitempty"`
	Result          status.Result `json:"result"`
	SourceTimestamp time.Time     `json:"source_timestamp,omitempty"`
	ServerTimestamp time.Time     `json:"server_timestamp,omitempty"`
	SubscriptionID  uint32        `json:"subscription_id,omitempty"`
	MonitoredItemID uint32        `json:"monitored_item_id,omitempty"`
}

// BrowseDirection is the reference direction followed by a browse.
type BrowseDirection uint8

const (
	BrowseForward BrowseDirection = iota
	BrowseInverse
	BrowseBoth
)

// BrowseParam configures a browse call. MaxReferencesPerNode 0 asks the
// server for its default page size.
type BrowseParam struct {
	Direction            BrowseDirection `json:"direction"`
	MaxReferencesPerNode uint32          `json:"max_references_per_node"`
}

// Reference is one browsed child.
type Reference struct {
	NodeID        *NodeID `json:"node_id"`
	ReferenceType *NodeID `json:"reference_type,omitempty"`
	BrowseName    string  `json:"browse_name"`
	DisplayName   string  `json:"display_name,omitempty"`
	NodeClass     string  `json:"node_class"`
	IsForward     bool    `json:"is_forward"`
}

// BrowseResult is one page of references for a source node.
type BrowseResult struct {
	SourceNode *NodeID       `json:"source_node"`
	References []Reference   `json:"references"`
	Result     status.Result `json:"result"`
}

// ContinuationPoint is an opaque paging token plus the node being paged.
type ContinuationPoint struct {
	Node  *NodeID `json:"node"`
	Token []byte  `json:"token"`
}

// ContinuationPointList lists the tokens outstanding after a browse.
type ContinuationPointList struct {
	Points []ContinuationPoint `json:"points"`
}

// Message is the uniform request/response container.
type Message struct {
	ID          uint64                 `json:"message_id,omitempty"`
	Command     Command                `json:"command"`
	Type        MessageType            `json:"type"`
	Endpoint    *EndpointRef           `json:"endpoint,omitempty"`
	Request     *Request               `json:"request,omitempty"`
	Requests    []*Request             `json:"requests,omitempty"`
	BrowseParam *BrowseParam           `json:"browse_param,omitempty"`
	Responses   []*Response            `json:"responses,omitempty"`
	Browse      []BrowseResult         `json:"browse,omitempty"`
	CPList      *ContinuationPointList `json:"cp_list,omitempty"`

	// BrowseResult is true only once every paged source node has
	// delivered its final page.
	BrowseResult bool `json:"browse_result"`

	// Result is set on error envelopes.
	Result *status.Result `json:"result,omitempty"`
}

// RequestList returns the requests in submission order, honouring the
// singular/sequence duality of Type.
func (m *Message) RequestList() []*Request {
	if m.Type == SendRequests {
		return m.Requests
	}
	if m.Request == nil {
		return nil
	}
	return []*Request{m.Request}
}

// Reply builds a response envelope addressed like m.
func (m *Message) Reply(t MessageType) *Message {
	return &Message{
		ID:       m.ID,
		Command:  m.Command,
		Type:     t,
		Endpoint: m.Endpoint,
	}
}

// ErrorReply builds an error envelope carrying r.
func (m *Message) ErrorReply(r status.Result) *Message {
	out := m.Reply(ErrorResponse)
	out.Result = &r
	return out
}
