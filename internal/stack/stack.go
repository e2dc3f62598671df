// Package stack is the boundary with the protocol stack collaborator.
//
// The command core only talks to these interfaces. Encoding, transport,
// security handshakes and address-space storage all live behind them.
package stack

import (
	"context"
	"fmt"
	"time"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
)

// ConnState is the transport state of a session as seen by the stack.
type ConnState uint8

const (
	StateConnected ConnState = iota
	StateConnecting
	StateReconnecting
	StateDisconnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting:
		return "connecting"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "closed"
}

// StatusError is a non-good status returned by the stack for one operation.
type StatusError struct {
	Code uint32
	Name string
}

func (e *StatusError) Error() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("status 0x%08X", e.Code)
}

func (e *StatusError) StackStatus() uint32 {
	return e.Code
}

// Stack opens client sessions, creates servers and answers discovery
// queries.
type Stack interface {
	Open(ctx context.Context, ep *envelope.EndpointRef) (Session, error)
	NewServer(ep *envelope.EndpointRef) (Server, error)
	GetEndpoints(ctx context.Context, url string) ([]EndpointDescription, error)
	FindServers(ctx context.Context, url string) ([]ApplicationDescription, error)
}

// ReadResult is the value of one node.
type ReadResult struct {
	Value           *envelope.Variant
	Err             error
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// WriteValue is one node write.
type WriteValue struct {
	Node  *envelope.NodeID
	Value *envelope.Variant
}

// BrowseRequest browses the references of one source node.
type BrowseRequest struct {
	Node *envelope.NodeID

	// ReferenceType restricts the references followed; nil follows all
	// hierarchical references.
	ReferenceType *envelope.NodeID

	Direction            envelope.BrowseDirection
	MaxReferencesPerNode uint32
}

// BrowsePage is one page of references. A non-empty ContinuationPoint means
// more pages exist.
type BrowsePage struct {
	References        []envelope.Reference
	ContinuationPoint []byte
}

// CallResult is the outcome of one method call.
type CallResult struct {
	Outputs []*envelope.Variant
}

// SubscriptionParams are the publishing parameters of a subscription.
type SubscriptionParams struct {
	PublishingInterval         time.Duration
	LifetimeCount              uint32
	MaxKeepAliveCount          uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled          bool
	Priority                   uint8
}

// MonitorItem asks for one node's value changes.
type MonitorItem struct {
	Node             *envelope.NodeID
	ClientHandle     uint32
	SamplingInterval time.Duration
	QueueSize        uint32
}

// MonitorResult is the outcome of one MonitorItem. Err is set when the node
// cannot be monitored.
type MonitorResult struct {
	MonitoredItemID uint32
	Err             error
}

// Notification is a data change delivered for a monitored item.
type Notification struct {
	SubscriptionID  uint32
	ClientHandle    uint32
	Value           *envelope.Variant
	Err             error
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// Session is one open client session. Every call blocks until the stack
// answers or ctx expires.
type Session interface {
	Read(ctx context.Context, nodes []*envelope.NodeID) ([]ReadResult, error)
	Write(ctx context.Context, values []WriteValue) ([]error, error)
	ResolvePath(ctx context.Context, path string) (*envelope.NodeID, error)

	Browse(ctx context.Context, req BrowseRequest) (BrowsePage, error)
	BrowseNext(ctx context.Context, token []byte) (BrowsePage, error)
	ReleaseContinuationPoints(ctx context.Context, tokens [][]byte) error

	Call(ctx context.Context, object, method *envelope.NodeID, args []*envelope.Variant) (CallResult, error)

	Subscribe(ctx context.Context, params SubscriptionParams) (uint32, error)
	ModifySubscription(ctx context.Context, subID uint32, params SubscriptionParams) error
	Monitor(ctx context.Context, subID uint32, items []MonitorItem) ([]MonitorResult, error)
	ModifyMonitor(ctx context.Context, subID, monitoredItemID uint32, item MonitorItem) error
	Unmonitor(ctx context.Context, subID uint32, monitoredItemIDs ...uint32) error
	CancelSubscription(ctx context.Context, subID uint32) error
	Republish(ctx context.Context, subID, sequence uint32) error

	// Notifications delivers data changes for every subscription of the
	// session. The channel is closed by Close.
	Notifications() <-chan Notification

	State() ConnState
	Close(ctx context.Context) error
}

// Server is a server role instance.
type Server interface {
	Start(ctx context.Context) error
	Close() error
}

// EndpointDescription is one endpoint offered by a server.
type EndpointDescription struct {
	URL             string
	SecurityMode    string
	SecurityPolicy  string
	SecurityLevel   uint8
	UserTokenTypes  []string
	ApplicationURI  string
	ApplicationName string
}

// ApplicationType is a bit in the supported application types mask.
type ApplicationType uint8

const (
	AppServer          ApplicationType = 1 << 0
	AppClient          ApplicationType = 1 << 1
	AppClientAndServer ApplicationType = 1 << 2
	AppDiscoveryServer ApplicationType = 1 << 3
)

// ApplicationDescription is one server application found by discovery.
type ApplicationDescription struct {
	ApplicationURI  string
	ProductURI      string
	ApplicationName string
	Type            ApplicationType
	DiscoveryURLs   []string
}
