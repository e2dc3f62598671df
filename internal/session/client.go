// Package session owns the client and server lifecycles.
//
// Client sessions are keyed by the host:port of their endpoint URI. Every
// lifecycle transition is reported once through a Notifier.
package session

import (
	"context"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

var (
	// ErrAlreadyConnected is returned by Reserve when the endpoint already
	// has a live or pending session.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotConnected is returned by Release when there is nothing to
	// disconnect.
	ErrNotConnected = errors.New("not connected")
)

// ClientState is the lifecycle state of one client connection.
type ClientState uint8

const (
	Disconnected ClientState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ClientState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "disconnected"
}

// Notifier receives lifecycle and network transitions.
type Notifier interface {
	Status(ep *envelope.EndpointRef, code status.Code)
}

// Key returns the host:port a session for uri is registered under.
func Key(uri string) (string, error) {
	u, err := url.Parse(strings.Replace(uri, "opc:tcp://", "opc.tcp://", 1))
	if err != nil || u.Host == "" {
		return "", status.ParamError("invalid endpoint uri %q", uri)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", status.ParamError("endpoint uri %q has no port", uri)
	}
	return u.Host, nil
}

// Conn is one client connection.
type Conn struct {
	Key      string
	ID       string
	Endpoint *envelope.EndpointRef

	state  ClientState
	sess   stack.Session
	cancel context.CancelFunc
}

// Session is the stack session, nil until the connection is open.
func (c *Conn) Session() stack.Session {
	return c.sess
}

// Hooks let the owner of per-session state react to a session going away.
// OnClose runs synchronously while the connection is Disconnecting.
type Hooks struct {
	OnOpen  func(*Conn)
	OnClose func(*Conn)
}

// Clients manages client connections. It is safe for concurrent use.
type Clients struct {
	stack     stack.Stack
	notify    Notifier
	keepAlive KeepAlive

	mu    sync.Mutex
	conns map[string]*Conn
	hooks Hooks
}

func NewClients(s stack.Stack, n Notifier, ka KeepAlive) *Clients {
	return &Clients{
		stack:     s,
		notify:    n,
		keepAlive: ka.withDefaults(),
		conns:     make(map[string]*Conn),
	}
}

// SetHooks replaces the open and close hooks.
func (c *Clients) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// Reserve claims the connection slot for ep and moves it to Connecting.
// It fails with ErrAlreadyConnected when a connection exists in any other
// state than Disconnected.
func (c *Clients) Reserve(ep *envelope.EndpointRef) (*Conn, error) {
	key, err := Key(ep.URI)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.conns[key]; ok {
		return cur, errors.Wrapf(ErrAlreadyConnected, "%s is %s", key, cur.state)
	}
	conn := &Conn{Key: key, ID: uuid.New().String(), Endpoint: ep, state: Connecting}
	c.conns[key] = conn
	return conn, nil
}

// Open opens the stack session for a reserved connection. On success the
// connection is Connected, its keep-alive monitor runs and ClientStarted is
// reported. On failure the slot is freed.
func (c *Clients) Open(ctx context.Context, conn *Conn) error {
	log.Printf("[INFO] Open - Connecting to %s (session %s)\n", conn.Endpoint.URI, conn.ID)
	sess, err := c.stack.Open(ctx, conn.Endpoint)
	if err != nil {
		c.mu.Lock()
		if c.conns[conn.Key] == conn {
			delete(c.conns, conn.Key)
		}
		c.mu.Unlock()
		log.Printf("[ERROR] Open - Failed to connect to %s: %s\n", conn.Endpoint.URI, err)
		return err
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.conns[conn.Key] != conn || conn.state != Connecting {
		c.mu.Unlock()
		cancel()
		_ = sess.Close(ctx)
		return status.StateError("connection to %s was released while opening", conn.Key)
	}
	conn.sess = sess
	conn.state = Connected
	conn.cancel = cancel
	hooks := c.hooks
	c.mu.Unlock()

	if hooks.OnOpen != nil {
		hooks.OnOpen(conn)
	}
	go c.monitor(monitorCtx, conn)

	log.Printf("[INFO] Open - Connected to %s\n", conn.Endpoint.URI)
	c.notify.Status(conn.Endpoint, status.ClientStarted)
	return nil
}

// Release moves the connection for ep to Disconnecting and runs the close
// hook. Disconnecting a missing or not yet open connection fails with
// ErrNotConnected.
func (c *Clients) Release(ep *envelope.EndpointRef) (*Conn, error) {
	key, err := Key(ep.URI)
	if err != nil {
		return nil, err
	}
	return c.release(key, nil)
}

func (c *Clients) release(key string, want *Conn) (*Conn, error) {
	c.mu.Lock()
	conn, ok := c.conns[key]
	if !ok || conn.state != Connected || (want != nil && conn != want) {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrNotConnected, key)
	}
	conn.state = Disconnecting
	if conn.cancel != nil {
		conn.cancel()
	}
	hooks := c.hooks
	c.mu.Unlock()

	if hooks.OnClose != nil {
		hooks.OnClose(conn)
	}
	return conn, nil
}

// Close closes the stack session of a released connection and reports
// StopClient.
func (c *Clients) Close(ctx context.Context, conn *Conn) error {
	err := conn.sess.Close(ctx)
	if err != nil {
		log.Printf("[WARN] Close - Closing session to %s: %s\n", conn.Endpoint.URI, err)
	}

	c.mu.Lock()
	conn.state = Disconnected
	if c.conns[conn.Key] == conn {
		delete(c.conns, conn.Key)
	}
	c.mu.Unlock()

	log.Printf("[INFO] Close - Disconnected from %s\n", conn.Endpoint.URI)
	c.notify.Status(conn.Endpoint, status.StopClient)
	return err
}

// Disconnect releases and closes the connection for ep. It is a no-op when
// ep is not connected.
func (c *Clients) Disconnect(ctx context.Context, ep *envelope.EndpointRef) error {
	conn, err := c.Release(ep)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.Close(ctx, conn)
}

// Get returns the connection for ep when it is Connected.
func (c *Clients) Get(ep *envelope.EndpointRef) (*Conn, bool) {
	key, err := Key(ep.URI)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[key]
	if !ok || conn.state != Connected {
		return nil, false
	}
	return conn, true
}

// State reports the lifecycle state of the connection for ep.
func (c *Clients) State(ep *envelope.EndpointRef) ClientState {
	key, err := Key(ep.URI)
	if err != nil {
		return Disconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[key]; ok {
		return conn.state
	}
	return Disconnected
}

// CloseAll disconnects every connected session.
func (c *Clients) CloseAll(ctx context.Context) {
	c.mu.Lock()
	eps := make([]*envelope.EndpointRef, 0, len(c.conns))
	for _, conn := range c.conns {
		eps = append(eps, conn.Endpoint)
	}
	c.mu.Unlock()

	for _, ep := range eps {
		if err := c.Disconnect(ctx, ep); err != nil {
			log.Printf("[WARN] CloseAll - %s: %s\n", ep.URI, err)
		}
	}
}
