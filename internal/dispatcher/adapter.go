// Package dispatcher is the application-facing command core.
//
// An Adapter accepts request envelopes, validates them synchronously and
// runs the protocol work asynchronously. Each accepted operation completes
// exactly once through the registered callbacks, either with a response
// envelope, an error envelope, or a timeout.
package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/clearblade/opcua-command-adapter/internal/continuation"
	"github.com/clearblade/opcua-command-adapter/internal/correlator"
	"github.com/clearblade/opcua-command-adapter/internal/discovery"
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/metrics"
	"github.com/clearblade/opcua-command-adapter/internal/session"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
	"github.com/clearblade/opcua-command-adapter/internal/subscription"
)

// Options configures an Adapter. Zero values take the defaults.
type Options struct {
	RequestTimeout       time.Duration
	ContinuationCapacity int

	// LifetimeBudget and KeepAliveDefault drive the subscription
	// keep-alive derivation.
	LifetimeBudget   time.Duration
	KeepAliveDefault uint32

	KeepAlive session.KeepAlive

	// SupportedTypes filters the applications FindServers reports.
	SupportedTypes stack.ApplicationType
	LANWindow      time.Duration

	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.ContinuationCapacity <= 0 {
		o.ContinuationCapacity = continuation.DefaultCapacity
	}
	if o.SupportedTypes == 0 {
		o.SupportedTypes = stack.AppServer | stack.AppDiscoveryServer
	}
	return o
}

// Adapter holds one independent set of callbacks, sessions, continuation
// points and subscriptions.
type Adapter struct {
	stack   stack.Stack
	opts    Options
	metrics *metrics.Metrics

	corr     *correlator.Correlator
	clients  *session.Clients
	server   *session.Server
	subs     *subscription.Manager
	registry *continuation.Registry
	lan      *discovery.Browser

	mu       sync.Mutex
	sessions map[string]stack.Session
	// paths maps a browse path, per session, to the node id its
	// continuation points are stored under.
	paths    map[continuation.Key]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(st stack.Stack, opts Options) (*Adapter, error) {
	opts = opts.withDefaults()
	registry, err := continuation.New(opts.ContinuationCapacity)
	if err != nil {
		return nil, status.ParamError("%s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		stack:    st,
		opts:     opts,
		metrics:  opts.Metrics,
		corr:     correlator.New(),
		registry: registry,
		lan:      &discovery.Browser{Window: opts.LANWindow},
		sessions: make(map[string]stack.Session),
		paths:    make(map[continuation.Key]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.subs = subscription.NewManager(subscription.Config{
		LifetimeBudget:   opts.LifetimeBudget,
		KeepAliveDefault: opts.KeepAliveDefault,
		Active:           opts.Metrics.ActiveGauge(),
	})
	a.clients = session.NewClients(st, a.corr, opts.KeepAlive)
	a.clients.SetHooks(session.Hooks{OnOpen: a.opened, OnClose: a.closed})
	a.server = session.NewServer(st, a.corr)
	a.corr.OnTimeout = func(msg *envelope.Message) {
		a.metrics.Timeout()
	}
	return a, nil
}

func (a *Adapter) RegisterResponseCallback(cb correlator.ResponseCallbacks) {
	a.corr.RegisterResponse(cb)
}

func (a *Adapter) RegisterBrowseResponseCallback(cb func(*envelope.Message)) {
	a.corr.RegisterBrowse(cb)
}

func (a *Adapter) RegisterStatusCallback(cb correlator.StatusCallbacks) {
	a.corr.RegisterStatus(cb)
}

func (a *Adapter) RegisterDiscoveryCallback(cb correlator.DiscoveryCallbacks) {
	a.corr.RegisterDiscovery(cb)
}

// ClientState reports the lifecycle state of the client session for ep.
func (a *Adapter) ClientState(ep *envelope.EndpointRef) session.ClientState {
	return a.clients.State(ep)
}

// ServerState reports the server lifecycle state.
func (a *Adapter) ServerState() session.ServerState {
	return a.server.State()
}

// SubscriptionState reports the subscription state of node on ep.
func (a *Adapter) SubscriptionState(ep *envelope.EndpointRef, node string) subscription.State {
	key, err := session.Key(ep.URI)
	if err != nil {
		return subscription.Unsubscribed
	}
	return a.subs.State(key, node)
}

// Continuations is the number of outstanding continuation points.
func (a *Adapter) Continuations() int {
	return a.registry.Len()
}

// Dispatch routes msg by command. The returned Result only says whether the
// operation was accepted; browse commands go through Browse.
func (a *Adapter) Dispatch(msg *envelope.Message) status.Result {
	if msg != nil && (msg.Command == envelope.CmdBrowse || msg.Command == envelope.CmdBrowseViews) {
		return a.Browse(msg, false)
	}
	if err := msg.Validate(); err != nil {
		return a.refuse(msg, err)
	}
	if msg.Command.Lifecycle() {
		return a.lifecycle(msg)
	}
	if err := a.corr.CheckResponse(msg.Command); err != nil {
		return a.refuse(msg, err)
	}
	conn, ok := a.clients.Get(msg.Endpoint)
	if !ok {
		return a.refuse(msg, status.ParamError("%s: no active session for %s", msg.Command, msg.Endpoint.URI))
	}

	switch msg.Command {
	case envelope.CmdRead:
		a.launch(msg, conn, a.read)
	case envelope.CmdWrite:
		a.launch(msg, conn, a.write)
	case envelope.CmdMethod:
		a.launch(msg, conn, a.method)
	case envelope.CmdSub:
		batch, err := a.subs.Begin(conn.Key, msg.RequestList())
		if err != nil {
			return a.refuse(msg, err)
		}
		a.launchStaged(msg, conn, func(ctx context.Context, msg *envelope.Message, conn *session.Conn) (staged, error) {
			sess := conn.Session()
			reply := msg.Reply(envelope.GeneralResponse)
			reply.Responses = batch.Run(ctx, sess, a.resolver(sess))
			return staged{reply: reply, abandon: func() {
				ctx, cancel := context.WithTimeout(a.ctx, a.opts.RequestTimeout)
				defer cancel()
				batch.Abandon(ctx, sess)
			}}, nil
		})
	}
	return status.Success()
}

func (a *Adapter) refuse(msg *envelope.Message, err error) status.Result {
	r := status.FromError(err)
	cmd := envelope.Command(0)
	if msg != nil {
		cmd = msg.Command
	}
	log.Printf("[ERROR] Dispatch - Rejected %s: %s\n", cmd, r)
	a.metrics.Command(cmd.String(), r.Code.String(), time.Time{})
	return r
}

type work func(ctx context.Context, msg *envelope.Message, conn *session.Conn) (*envelope.Message, error)

// staged is a reply whose side effects wait on the outcome of its message.
// commit runs when the reply is delivered in time; abandon runs when the
// message already timed out.
type staged struct {
	reply   *envelope.Message
	commit  func()
	abandon func()
}

type stagedWork func(ctx context.Context, msg *envelope.Message, conn *session.Conn) (staged, error)

// launch registers msg with the correlator and runs fn in the background.
// A returned error is delivered through the error callback.
func (a *Adapter) launch(msg *envelope.Message, conn *session.Conn, fn work) {
	a.launchStaged(msg, conn, func(ctx context.Context, msg *envelope.Message, conn *session.Conn) (staged, error) {
		reply, err := fn(ctx, msg, conn)
		return staged{reply: reply}, err
	})
}

func (a *Adapter) launchStaged(msg *envelope.Message, conn *session.Conn, fn stagedWork) {
	timeout := msg.Endpoint.RequestTimeout(a.opts.RequestTimeout)
	id := a.corr.Begin(msg, timeout)
	start := time.Now()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, timeout)
		defer cancel()

		out, err := fn(ctx, msg, conn)
		if err != nil {
			r := status.FromError(err)
			log.Printf("[ERROR] %s - %s\n", msg.Command, r)
			if a.corr.Reject(id, r) {
				a.metrics.Command(msg.Command.String(), r.Code.String(), start)
			}
			return
		}
		if a.corr.Settle(id, out.reply, out.commit) {
			a.metrics.Command(msg.Command.String(), status.OK.String(), start)
			return
		}
		if out.abandon != nil {
			log.Printf("[WARN] %s - Message %d finished after its timeout, undoing its effects\n", msg.Command, id)
			out.abandon()
		}
	}()
}

func (a *Adapter) lifecycle(msg *envelope.Message) status.Result {
	if err := a.corr.CheckStatus(); err != nil {
		return a.refuse(msg, err)
	}
	ep := msg.Endpoint

	switch msg.Command {
	case envelope.CmdStartClient:
		conn, err := a.clients.Reserve(ep)
		if errors.Is(err, session.ErrAlreadyConnected) {
			log.Printf("[INFO] StartClient - %s\n", err)
			return status.Of(status.OK, "already connected")
		}
		if err != nil {
			return a.refuse(msg, err)
		}
		a.background(msg, func(ctx context.Context) error {
			return a.clients.Open(ctx, conn)
		})

	case envelope.CmdStopClient:
		conn, err := a.clients.Release(ep)
		if errors.Is(err, session.ErrNotConnected) {
			return status.Of(status.OK, "not connected")
		}
		if err != nil {
			return a.refuse(msg, err)
		}
		a.background(msg, func(ctx context.Context) error {
			return a.clients.Close(ctx, conn)
		})

	case envelope.CmdStartServer:
		if st := a.server.State(); st != session.Stopped {
			return a.refuse(msg, status.StateError("server is %s", st))
		}
		a.background(msg, func(ctx context.Context) error {
			return a.server.Start(ctx, ep)
		})

	case envelope.CmdStopServer:
		switch st := a.server.State(); st {
		case session.Stopped:
			return status.Of(status.OK, "server not running")
		case session.Starting, session.Stopping:
			return a.refuse(msg, status.StateError("server is %s", st))
		}
		a.background(msg, func(context.Context) error {
			return a.server.Stop()
		})
	}
	return status.Success()
}

// background runs a lifecycle call. Success is reported by the status
// callbacks; failures go to the error callback.
func (a *Adapter) background(msg *envelope.Message, fn func(ctx context.Context) error) {
	timeout := msg.Endpoint.RequestTimeout(a.opts.RequestTimeout)
	start := time.Now()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			r := status.FromError(err)
			a.metrics.Command(msg.Command.String(), r.Code.String(), start)
			a.corr.Fail(msg.ErrorReply(r))
			return
		}
		a.metrics.Command(msg.Command.String(), status.OK.String(), start)
	}()
}

// opened starts the report pump of a new session.
func (a *Adapter) opened(conn *session.Conn) {
	sess := conn.Session()
	a.mu.Lock()
	a.sessions[conn.ID] = sess
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for n := range sess.Notifications() {
			resp, ok := a.subs.Report(conn.Key, n)
			if !ok {
				log.Printf("[DEBUG] pump - Dropping notification for handle %d on %s\n", n.ClientHandle, conn.Key)
				continue
			}
			a.metrics.Report()
			a.corr.Report(&envelope.Message{
				Command:   envelope.CmdSub,
				Endpoint:  conn.Endpoint,
				Responses: []*envelope.Response{resp},
			})
		}
	}()
}

// closed invalidates every continuation point and subscription of a
// session that is going away.
func (a *Adapter) closed(conn *session.Conn) {
	a.mu.Lock()
	delete(a.sessions, conn.ID)
	for k := range a.paths {
		if k.Session == conn.ID {
			delete(a.paths, k)
		}
	}
	a.mu.Unlock()

	swept := a.registry.Sweep(conn.ID)
	dropped := a.subs.Invalidate(conn.Key)
	log.Printf("[INFO] closed - Session %s to %s closed, dropped %d continuation points and %d subscriptions\n",
		conn.ID, conn.Endpoint.URI, len(swept), dropped)
}

func (a *Adapter) sessionByID(id string) stack.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// Close disconnects every session, stops the server and fails every
// operation still in flight.
func (a *Adapter) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.RequestTimeout)
	defer cancel()

	a.clients.CloseAll(ctx)
	if err := a.server.Stop(); err != nil {
		log.Printf("[WARN] Close - Stopping server: %s\n", err)
	}
	a.cancel()
	a.wg.Wait()
	a.corr.Close()
}
