// Package correlator delivers asynchronous completions back to the
// application's registered callbacks.
//
// Each accepted operation is registered with Begin and completes exactly
// once: through Resolve, Reject, or its request timeout. Callbacks are
// always invoked without any correlator lock held, so a callback may submit
// new operations.
package correlator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// ResponseCallbacks receive operation results.
type ResponseCallbacks struct {
	OnResponse  func(*envelope.Message)
	OnMonitored func(*envelope.Message)
	OnError     func(*envelope.Message)
	OnBrowse    func(*envelope.Message)
}

// StatusCallbacks receive lifecycle and network transitions.
type StatusCallbacks struct {
	OnStart   func(*envelope.EndpointRef, status.Code)
	OnStop    func(*envelope.EndpointRef, status.Code)
	OnNetwork func(*envelope.EndpointRef, status.Code)
}

// DiscoveryCallbacks receive discovery results.
type DiscoveryCallbacks struct {
	OnEndpointFound func(stack.EndpointDescription)
	OnDeviceFound   func(stack.ApplicationDescription)
}

type pending struct {
	msg   *envelope.Message
	timer *time.Timer
}

// Correlator is safe for concurrent use.
type Correlator struct {
	mu        sync.RWMutex
	responses ResponseCallbacks
	statuses  StatusCallbacks
	discovery DiscoveryCallbacks

	nextID    uint64
	pendingMu sync.Mutex
	pending   map[uint64]*pending

	// OnTimeout, when set, is called for every expired request.
	OnTimeout func(*envelope.Message)
}

func New() *Correlator {
	return &Correlator{pending: make(map[uint64]*pending)}
}

// RegisterResponse replaces the response callbacks. A nil OnBrowse keeps
// the browse callback registered separately.
func (c *Correlator) RegisterResponse(cb ResponseCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb.OnBrowse == nil {
		cb.OnBrowse = c.responses.OnBrowse
	}
	c.responses = cb
}

// RegisterBrowse replaces the browse response callback only.
func (c *Correlator) RegisterBrowse(cb func(*envelope.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses.OnBrowse = cb
}

func (c *Correlator) RegisterStatus(cb StatusCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = cb
}

func (c *Correlator) RegisterDiscovery(cb DiscoveryCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovery = cb
}

// CheckResponse reports a configuration error when the callbacks cmd will
// complete through are not registered.
func (c *Correlator) CheckResponse(cmd envelope.Command) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.responses.OnError == nil {
		return status.ParamError("%s: error callback not registered", cmd)
	}
	switch cmd {
	case envelope.CmdBrowse, envelope.CmdBrowseViews:
		if c.responses.OnBrowse == nil {
			return status.ParamError("%s: browse callback not registered", cmd)
		}
	default:
		if c.responses.OnResponse == nil {
			return status.ParamError("%s: response callback not registered", cmd)
		}
	}
	return nil
}

// CheckStatus reports a configuration error when no status callbacks are
// registered.
func (c *Correlator) CheckStatus() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.statuses.OnStart == nil || c.statuses.OnStop == nil {
		return status.ParamError("status callbacks not registered")
	}
	return nil
}

func (c *Correlator) CheckDiscovery() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.discovery.OnEndpointFound == nil || c.discovery.OnDeviceFound == nil {
		return status.ParamError("discovery callbacks not registered")
	}
	return nil
}

// Begin registers msg as in flight, assigns its ID and arms its timeout.
func (c *Correlator) Begin(msg *envelope.Message, timeout time.Duration) uint64 {
	id := atomic.AddUint64(&c.nextID, 1)
	msg.ID = id

	p := &pending{msg: msg}
	c.pendingMu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { c.expire(id, timeout) })
	c.pendingMu.Unlock()
	return id
}

func (c *Correlator) take(id uint64) (*pending, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p, true
}

func (c *Correlator) expire(id uint64, timeout time.Duration) {
	p, ok := c.take(id)
	if !ok {
		return
	}
	log.Printf("[WARN] expire - %s message %d timed out after %s\n", p.msg.Command, id, timeout)
	if c.OnTimeout != nil {
		c.OnTimeout(p.msg)
	}
	c.deliver(p.msg.ErrorReply(status.Of(status.Timeout, "no completion within %s", timeout)))
}

// Resolve completes message id with reply. It returns false when the
// message already completed, for instance by timing out.
func (c *Correlator) Resolve(id uint64, reply *envelope.Message) bool {
	return c.Settle(id, reply, nil)
}

// Settle is Resolve with a commit step. Once message id can no longer time
// out, commit runs and then reply is delivered. When the message already
// completed, commit is not run and Settle returns false.
func (c *Correlator) Settle(id uint64, reply *envelope.Message, commit func()) bool {
	if _, ok := c.take(id); !ok {
		log.Printf("[DEBUG] Settle - Dropping late completion for message %d\n", id)
		return false
	}
	if commit != nil {
		commit()
	}
	reply.ID = id
	c.deliver(reply)
	return true
}

// Reject completes message id with an error result.
func (c *Correlator) Reject(id uint64, r status.Result) bool {
	p, ok := c.take(id)
	if !ok {
		log.Printf("[DEBUG] Reject - Dropping late failure for message %d: %s\n", id, r)
		return false
	}
	c.deliver(p.msg.ErrorReply(r))
	return true
}

// Report delivers an uncorrelated monitored-item report.
func (c *Correlator) Report(msg *envelope.Message) {
	msg.Type = envelope.Report
	c.deliver(msg)
}

// Fail delivers an uncorrelated error envelope.
func (c *Correlator) Fail(msg *envelope.Message) {
	msg.Type = envelope.ErrorResponse
	c.deliver(msg)
}

// Pending is the number of messages in flight.
func (c *Correlator) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Close fails every in-flight message.
func (c *Correlator) Close() {
	c.pendingMu.Lock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pendingMu.Unlock()

	for _, id := range ids {
		c.Reject(id, status.Of(status.ErrorCode, "adapter closed"))
	}
}

func (c *Correlator) deliver(msg *envelope.Message) {
	c.mu.RLock()
	var cb func(*envelope.Message)
	switch msg.Type {
	case envelope.BrowseResponse:
		cb = c.responses.OnBrowse
	case envelope.ErrorResponse:
		cb = c.responses.OnError
	case envelope.Report:
		cb = c.responses.OnMonitored
	default:
		cb = c.responses.OnResponse
	}
	c.mu.RUnlock()

	if cb == nil {
		log.Printf("[ERROR] deliver - No callback registered for %s %s message %d\n", msg.Command, msg.Type, msg.ID)
		return
	}
	cb(msg)
}

// Status reports a lifecycle or network transition for ep.
func (c *Correlator) Status(ep *envelope.EndpointRef, code status.Code) {
	c.mu.RLock()
	var cb func(*envelope.EndpointRef, status.Code)
	switch code {
	case status.ServerStarted, status.ClientStarted:
		cb = c.statuses.OnStart
	case status.StopServer, status.StopClient:
		cb = c.statuses.OnStop
	default:
		cb = c.statuses.OnNetwork
	}
	c.mu.RUnlock()

	if cb != nil {
		cb(ep, code)
	}
}

func (c *Correlator) EndpointFound(d stack.EndpointDescription) {
	c.mu.RLock()
	cb := c.discovery.OnEndpointFound
	c.mu.RUnlock()
	if cb != nil {
		cb(d)
	}
}

func (c *Correlator) DeviceFound(d stack.ApplicationDescription) {
	c.mu.RLock()
	cb := c.discovery.OnDeviceFound
	c.mu.RUnlock()
	if cb != nil {
		cb(d)
	}
}
