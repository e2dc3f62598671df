package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/stack/stacktest"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

type statusLog struct {
	mu    sync.Mutex
	codes []status.Code
	ch    chan status.Code
}

func newStatusLog() *statusLog {
	return &statusLog{ch: make(chan status.Code, 16)}
}

func (l *statusLog) Status(_ *envelope.EndpointRef, code status.Code) {
	l.mu.Lock()
	l.codes = append(l.codes, code)
	l.mu.Unlock()
	l.ch <- code
}

func (l *statusLog) all() []status.Code {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]status.Code(nil), l.codes...)
}

func (l *statusLog) next(t *testing.T) status.Code {
	t.Helper()
	select {
	case c := <-l.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no status")
		return 0
	}
}

var endpoint = &envelope.EndpointRef{URI: "opc.tcp://localhost:12686/edge-opc-server"}

func TestKey(t *testing.T) {
	k, err := Key("opc:tcp://localhost:12686/edge-opc-server")
	require.NoError(t, err)
	assert.Equal(t, "localhost:12686", k)

	_, err = Key("opc.tcp://localhost/edge")
	assert.Equal(t, status.KindParamInvalid, status.KindOf(err))
}

func TestClientLifecycle(t *testing.T) {
	st := &stacktest.Stack{}
	sess := stacktest.NewSession()
	st.On("Open", mock.Anything, endpoint).Return(sess, nil).Once()
	sess.On("Close", mock.Anything).Return(nil).Once()

	log := newStatusLog()
	clients := NewClients(st, log, KeepAlive{Interval: time.Hour})

	var opened, closed int
	clients.SetHooks(Hooks{
		OnOpen:  func(*Conn) { opened++ },
		OnClose: func(c *Conn) { closed++; assert.Equal(t, Disconnecting, clients.State(c.Endpoint)) },
	})

	conn, err := clients.Reserve(endpoint)
	require.NoError(t, err)
	assert.Equal(t, Connecting, clients.State(endpoint))
	assert.NotEmpty(t, conn.ID)

	_, err = clients.Reserve(endpoint)
	assert.True(t, errors.Is(err, ErrAlreadyConnected))

	require.NoError(t, clients.Open(context.Background(), conn))
	assert.Equal(t, Connected, clients.State(endpoint))
	got, ok := clients.Get(endpoint)
	require.True(t, ok)
	assert.Equal(t, sess, got.Session())

	_, err = clients.Reserve(endpoint)
	assert.True(t, errors.Is(err, ErrAlreadyConnected))

	require.NoError(t, clients.Disconnect(context.Background(), endpoint))
	assert.Equal(t, Disconnected, clients.State(endpoint))
	require.NoError(t, clients.Disconnect(context.Background(), endpoint), "disconnecting twice is a no-op")

	assert.Equal(t, []status.Code{status.ClientStarted, status.StopClient}, log.all())
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
	st.AssertExpectations(t)
	sess.AssertExpectations(t)
}

func TestOpenFailureFreesSlot(t *testing.T) {
	st := &stacktest.Stack{}
	st.On("Open", mock.Anything, endpoint).Return(nil, errors.New("connection refused")).Once()

	log := newStatusLog()
	clients := NewClients(st, log, KeepAlive{})
	conn, err := clients.Reserve(endpoint)
	require.NoError(t, err)

	assert.Error(t, clients.Open(context.Background(), conn))
	assert.Equal(t, Disconnected, clients.State(endpoint))
	assert.Empty(t, log.all())

	_, err = clients.Reserve(endpoint)
	assert.NoError(t, err)
}

func TestKeepAliveEdgesAndTeardown(t *testing.T) {
	st := &stacktest.Stack{}
	sess := stacktest.NewSession()
	st.On("Open", mock.Anything, endpoint).Return(sess, nil)
	sess.On("State").Return(stack.StateConnected)
	sess.On("Read", mock.Anything, []*envelope.NodeID{serverState}).Return(nil, errors.New("BadTimeout")).Once()
	sess.On("Read", mock.Anything, []*envelope.NodeID{serverState}).Return([]stack.ReadResult{{Value: envelope.MustVariant(int32(0))}}, nil).Once()
	sess.On("Read", mock.Anything, []*envelope.NodeID{serverState}).Return(nil, errors.New("BadTimeout"))
	sess.On("Close", mock.Anything).Return(nil).Once()

	log := newStatusLog()
	clients := NewClients(st, log, KeepAlive{Interval: 5 * time.Millisecond, Retries: 2})
	closed := make(chan struct{})
	clients.SetHooks(Hooks{OnClose: func(*Conn) { close(closed) }})

	conn, err := clients.Reserve(endpoint)
	require.NoError(t, err)
	require.NoError(t, clients.Open(context.Background(), conn))

	assert.Equal(t, status.ClientStarted, log.next(t))
	assert.Equal(t, status.Disconnected, log.next(t))
	assert.Equal(t, status.Connected, log.next(t))
	assert.Equal(t, status.Disconnected, log.next(t))
	assert.Equal(t, status.StopClient, log.next(t))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close hook not run")
	}
	assert.Equal(t, Disconnected, clients.State(endpoint))
}

func TestServerNilEndpoint(t *testing.T) {
	st := &stacktest.Stack{}
	log := newStatusLog()
	srv := NewServer(st, log)

	err := srv.Start(context.Background(), nil)
	assert.Equal(t, status.KindParamInvalid, status.KindOf(err))
	assert.Equal(t, Stopped, srv.State())
	assert.Empty(t, log.all())
	st.AssertNotCalled(t, "NewServer", mock.Anything)
}

func TestServerLifecycle(t *testing.T) {
	st := &stacktest.Stack{}
	ms := &stacktest.Server{}
	st.On("NewServer", endpoint).Return(ms, nil).Once()
	ms.On("Start", mock.Anything).Return(nil).Once()
	ms.On("Close").Return(nil).Once()

	log := newStatusLog()
	srv := NewServer(st, log)

	require.NoError(t, srv.Start(context.Background(), endpoint))
	assert.Equal(t, Running, srv.State())
	assert.Equal(t, status.KindState, status.KindOf(srv.Start(context.Background(), endpoint)))

	require.NoError(t, srv.Stop())
	assert.Equal(t, Stopped, srv.State())
	require.NoError(t, srv.Stop())

	assert.Equal(t, []status.Code{status.ServerStarted, status.StopServer}, log.all())
	ms.AssertExpectations(t)
}

func TestServerStartFailure(t *testing.T) {
	st := &stacktest.Stack{}
	ms := &stacktest.Server{}
	st.On("NewServer", endpoint).Return(ms, nil).Once()
	ms.On("Start", mock.Anything).Return(errors.New("address in use")).Once()

	log := newStatusLog()
	srv := NewServer(st, log)
	assert.Error(t, srv.Start(context.Background(), endpoint))
	assert.Equal(t, Stopped, srv.State())
	assert.Empty(t, log.all())
}
