// Package stacktest provides testify mocks of the protocol stack boundary.
package stacktest

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
)

// Stack is a mock stack.Stack.
type Stack struct {
	mock.Mock
}

func (m *Stack) Open(ctx context.Context, ep *envelope.EndpointRef) (stack.Session, error) {
	args := m.Called(ctx, ep)
	s, _ := args.Get(0).(stack.Session)
	return s, args.Error(1)
}

func (m *Stack) NewServer(ep *envelope.EndpointRef) (stack.Server, error) {
	args := m.Called(ep)
	s, _ := args.Get(0).(stack.Server)
	return s, args.Error(1)
}

func (m *Stack) GetEndpoints(ctx context.Context, url string) ([]stack.EndpointDescription, error) {
	args := m.Called(ctx, url)
	eps, _ := args.Get(0).([]stack.EndpointDescription)
	return eps, args.Error(1)
}

func (m *Stack) FindServers(ctx context.Context, url string) ([]stack.ApplicationDescription, error) {
	args := m.Called(ctx, url)
	apps, _ := args.Get(0).([]stack.ApplicationDescription)
	return apps, args.Error(1)
}

// Session is a mock stack.Session. Tests push data changes with Notify.
type Session struct {
	mock.Mock

	once   sync.Once
	notify chan stack.Notification
}

// NewSession returns a session mock whose state defaults to connected.
func NewSession() *Session {
	return &Session{notify: make(chan stack.Notification, 16)}
}

// Notify delivers n on the notification channel.
func (m *Session) Notify(n stack.Notification) {
	m.notify <- n
}

func (m *Session) Read(ctx context.Context, nodes []*envelope.NodeID) ([]stack.ReadResult, error) {
	args := m.Called(ctx, nodes)
	r, _ := args.Get(0).([]stack.ReadResult)
	return r, args.Error(1)
}

func (m *Session) Write(ctx context.Context, values []stack.WriteValue) ([]error, error) {
	args := m.Called(ctx, values)
	r, _ := args.Get(0).([]error)
	return r, args.Error(1)
}

func (m *Session) ResolvePath(ctx context.Context, path string) (*envelope.NodeID, error) {
	args := m.Called(ctx, path)
	id, _ := args.Get(0).(*envelope.NodeID)
	return id, args.Error(1)
}

func (m *Session) Browse(ctx context.Context, req stack.BrowseRequest) (stack.BrowsePage, error) {
	args := m.Called(ctx, req)
	p, _ := args.Get(0).(stack.BrowsePage)
	return p, args.Error(1)
}

func (m *Session) BrowseNext(ctx context.Context, token []byte) (stack.BrowsePage, error) {
	args := m.Called(ctx, token)
	p, _ := args.Get(0).(stack.BrowsePage)
	return p, args.Error(1)
}

func (m *Session) ReleaseContinuationPoints(ctx context.Context, tokens [][]byte) error {
	return m.Called(ctx, tokens).Error(0)
}

func (m *Session) Call(ctx context.Context, object, method *envelope.NodeID, in []*envelope.Variant) (stack.CallResult, error) {
	args := m.Called(ctx, object, method, in)
	r, _ := args.Get(0).(stack.CallResult)
	return r, args.Error(1)
}

func (m *Session) Subscribe(ctx context.Context, params stack.SubscriptionParams) (uint32, error) {
	args := m.Called(ctx, params)
	id, _ := args.Get(0).(uint32)
	return id, args.Error(1)
}

func (m *Session) ModifySubscription(ctx context.Context, subID uint32, params stack.SubscriptionParams) error {
	return m.Called(ctx, subID, params).Error(0)
}

func (m *Session) Monitor(ctx context.Context, subID uint32, items []stack.MonitorItem) ([]stack.MonitorResult, error) {
	args := m.Called(ctx, subID, items)
	r, _ := args.Get(0).([]stack.MonitorResult)
	return r, args.Error(1)
}

func (m *Session) ModifyMonitor(ctx context.Context, subID, monitoredItemID uint32, item stack.MonitorItem) error {
	return m.Called(ctx, subID, monitoredItemID, item).Error(0)
}

func (m *Session) Unmonitor(ctx context.Context, subID uint32, monitoredItemIDs ...uint32) error {
	return m.Called(ctx, subID, monitoredItemIDs).Error(0)
}

func (m *Session) CancelSubscription(ctx context.Context, subID uint32) error {
	return m.Called(ctx, subID).Error(0)
}

func (m *Session) Republish(ctx context.Context, subID, sequence uint32) error {
	return m.Called(ctx, subID, sequence).Error(0)
}

func (m *Session) Notifications() <-chan stack.Notification {
	return m.notify
}

func (m *Session) State() stack.ConnState {
	args := m.Called()
	s, _ := args.Get(0).(stack.ConnState)
	return s
}

func (m *Session) Close(ctx context.Context) error {
	err := m.Called(ctx).Error(0)
	m.once.Do(func() { close(m.notify) })
	return err
}

// Server is a mock stack.Server.
type Server struct {
	mock.Mock
}

func (m *Server) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Server) Close() error {
	return m.Called().Error(0)
}
