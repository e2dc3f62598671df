// Package subscription tracks monitored-item subscriptions per (endpoint,
// node) pair.
//
// A node moves Unsubscribed -> Active on create, stays Active across modify
// and republish, and ends Deleted on delete or session teardown. State
// checks happen synchronously when a request is submitted; stack calls run
// later without the table lock held and their outcome is committed back.
package subscription

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// State of one (endpoint, node) subscription.
type State uint8

const (
	Unsubscribed State = iota
	Creating
	Active
	Deleted
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Deleted:
		return "deleted"
	}
	return "unsubscribed"
}

// Gauge is the part of a prometheus.Gauge the manager updates.
type Gauge interface {
	Inc()
	Dec()
}

// Config holds the keep-alive derivation inputs.
type Config struct {
	// LifetimeBudget is divided by the publishing interval to derive the
	// keep-alive count.
	LifetimeBudget time.Duration

	// KeepAliveDefault is used when the publishing interval is zero. Zero
	// means such requests are rejected.
	KeepAliveDefault uint32

	// Active, when set, tracks the number of active subscriptions.
	Active Gauge
}

// Resolver turns a NodeInfo into a node id, asking the server when only a
// browse path is known.
type Resolver func(ctx context.Context, ni *envelope.NodeInfo) (*envelope.NodeID, error)

type key struct {
	endpoint string
	node     string
}

type handleKey struct {
	endpoint string
	handle   uint32
}

type entry struct {
	state  State
	info   *envelope.NodeInfo
	node   *envelope.NodeID
	subID  uint32
	itemID uint32
	handle uint32
	params stack.SubscriptionParams
	item   stack.MonitorItem
}

// Manager is the subscription state table. It is safe for concurrent use.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	table      map[key]*entry
	handles    map[handleKey]key
	nextHandle uint32
}

func NewManager(cfg Config) *Manager {
	if cfg.LifetimeBudget <= 0 {
		cfg.LifetimeBudget = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		table:   make(map[key]*entry),
		handles: make(map[handleKey]key),
	}
}

// ComputeKeepAlive derives the max keep-alive count as
// max(1, floor(budget/publishing)). A zero publishing interval uses def,
// and fails when def is zero.
func ComputeKeepAlive(budget, publishing time.Duration, def uint32) (uint32, error) {
	if publishing <= 0 {
		if def == 0 {
			return 0, status.ParamError("publishing interval is 0 and no keep-alive default is configured")
		}
		return def, nil
	}
	n := budget / publishing
	if n < 1 {
		return 1, nil
	}
	if n > math.MaxUint32 {
		return math.MaxUint32, nil
	}
	return uint32(n), nil
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// State reports the subscription state of node on endpoint.
func (m *Manager) State(endpoint, node string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.table[key{endpoint, node}]; ok {
		return e.state
	}
	return Unsubscribed
}

// ActiveCount is the number of Active subscriptions on endpoint.
func (m *Manager) ActiveCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.table {
		if k.endpoint == endpoint && e.state == Active {
			n++
		}
	}
	return n
}

type op struct {
	idx       int
	key       key
	req       *envelope.Request
	keepAlive uint32
	prev      *entry
}

// Batch is a checked set of subscription requests waiting for their stack
// calls.
type Batch struct {
	m        *Manager
	endpoint string
	ops      []op
	created  []created
}

// created is a node the batch made Active.
type created struct {
	key    key
	subID  uint32
	itemID uint32
}

// Begin checks every request against the state table. Creates reserve their
// node so a concurrent create for it fails. Any failure leaves the table as
// it was.
func (m *Manager) Begin(endpoint string, reqs []*envelope.Request) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := &Batch{m: m, endpoint: endpoint}
	for i, req := range reqs {
		k := key{endpoint, req.NodeInfo.String()}
		o := op{idx: i, key: k, req: req}
		if err := m.check(&o); err != nil {
			b.rollbackLocked()
			return nil, err
		}
		if req.Subscription.Type == envelope.SubCreate {
			prev := m.table[k]
			if prev != nil {
				cp := *prev
				o.prev = &cp
			}
			m.table[k] = &entry{state: Creating, info: req.NodeInfo.Clone()}
		}
		b.ops = append(b.ops, o)
	}
	return b, nil
}

func (m *Manager) check(o *op) error {
	sub := o.req.Subscription
	st := Unsubscribed
	e := m.table[o.key]
	if e != nil {
		st = e.state
	}

	switch sub.Type {
	case envelope.SubCreate:
		if st != Unsubscribed && st != Deleted {
			return status.StateError("create %s: subscription is %s", o.key.node, st)
		}
		ka, err := m.keepAlive(sub)
		if err != nil {
			return err
		}
		o.keepAlive = ka
	case envelope.SubModify, envelope.SubDelete, envelope.SubRepublish:
		if st != Active {
			return status.StateError("%s %s: subscription is %s", sub.Type, o.key.node, st)
		}
		if sub.MonitoredItemID != 0 && sub.MonitoredItemID != e.itemID {
			return status.StateError("%s %s: monitored item %d was not created for this node", sub.Type, o.key.node, sub.MonitoredItemID)
		}
		if sub.Type == envelope.SubModify && (sub.PublishingInterval > 0 || sub.MaxKeepAliveCount > 0) {
			ka, err := m.keepAlive(sub)
			if err != nil {
				return err
			}
			o.keepAlive = ka
		}
	default:
		return status.ParamError("unknown subscription request type %q", sub.Type)
	}
	return nil
}

func (m *Manager) keepAlive(sub *envelope.SubscriptionRequest) (uint32, error) {
	if sub.MaxKeepAliveCount > 0 {
		return sub.MaxKeepAliveCount, nil
	}
	return ComputeKeepAlive(m.cfg.LifetimeBudget, millis(sub.PublishingInterval), m.cfg.KeepAliveDefault)
}

func (b *Batch) rollbackLocked() {
	for _, o := range b.ops {
		if o.req.Subscription.Type == envelope.SubCreate {
			b.m.restoreLocked(o)
		}
	}
}

func (m *Manager) restoreLocked(o op) {
	if e := m.table[o.key]; e == nil || e.state != Creating {
		return
	}
	if o.prev == nil {
		delete(m.table, o.key)
		return
	}
	m.table[o.key] = o.prev
}

// Len is the number of requests in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Run performs the stack calls of the batch and commits their outcome. It
// returns one response per request in submission order.
func (b *Batch) Run(ctx context.Context, sess stack.Session, resolve Resolver) []*envelope.Response {
	out := make([]*envelope.Response, len(b.ops))
	var creates []op
	for _, o := range b.ops {
		out[o.idx] = &envelope.Response{NodeInfo: o.req.NodeInfo.Clone()}
		if o.req.Subscription.Type == envelope.SubCreate {
			creates = append(creates, o)
		}
	}

	if len(creates) > 0 {
		b.create(ctx, sess, resolve, creates, out)
	}
	for _, o := range b.ops {
		switch o.req.Subscription.Type {
		case envelope.SubModify:
			b.modify(ctx, sess, o, out[o.idx])
		case envelope.SubDelete:
			b.delete(ctx, sess, o, out[o.idx])
		case envelope.SubRepublish:
			b.republish(ctx, sess, o, out[o.idx])
		}
	}
	return out
}

func subscriptionParams(sub *envelope.SubscriptionRequest, keepAlive uint32) stack.SubscriptionParams {
	lifetime := sub.LifetimeCount
	if floor := 3 * keepAlive; lifetime < floor {
		lifetime = floor
	}
	return stack.SubscriptionParams{
		PublishingInterval:         millis(sub.PublishingInterval),
		LifetimeCount:              lifetime,
		MaxKeepAliveCount:          keepAlive,
		MaxNotificationsPerPublish: sub.MaxNotificationsPerPublish,
		PublishingEnabled:          sub.PublishingEnabled,
		Priority:                   sub.Priority,
	}
}

// create opens one stack subscription for every create in the batch and
// monitors each node under it. The first create supplies the publishing
// parameters.
func (b *Batch) create(ctx context.Context, sess stack.Session, resolve Resolver, creates []op, out []*envelope.Response) {
	m := b.m
	nodes := make([]*envelope.NodeID, len(creates))
	live := creates[:0:0]
	for i, o := range creates {
		id, err := resolve(ctx, o.req.NodeInfo)
		if err != nil {
			b.failCreate(o, out[o.idx], status.FromError(err))
			continue
		}
		nodes[i] = id
		live = append(live, o)
	}
	if len(live) == 0 {
		return
	}

	params := subscriptionParams(live[0].req.Subscription, live[0].keepAlive)
	subID, err := sess.Subscribe(ctx, params)
	if err != nil {
		log.Printf("[ERROR] create - Failed to create subscription on %s: %s\n", b.endpoint, err)
		for _, o := range live {
			b.failCreate(o, out[o.idx], status.FromError(err))
		}
		return
	}

	items := make([]stack.MonitorItem, 0, len(live))
	liveNodes := make([]*envelope.NodeID, 0, len(live))
	m.mu.Lock()
	for i, o := range creates {
		if nodes[i] == nil {
			continue
		}
		m.nextHandle++
		items = append(items, stack.MonitorItem{
			Node:             nodes[i],
			ClientHandle:     m.nextHandle,
			SamplingInterval: millis(o.req.Subscription.SamplingInterval),
			QueueSize:        o.req.Subscription.QueueSize,
		})
		liveNodes = append(liveNodes, nodes[i])
	}
	m.mu.Unlock()

	results, err := sess.Monitor(ctx, subID, items)
	if err == nil && len(results) != len(items) {
		err = status.NewError(status.KindProtocol, "monitor returned %d results for %d items", len(results), len(items))
	}
	if err != nil {
		log.Printf("[ERROR] create - Failed to monitor %d items on %s: %s\n", len(items), b.endpoint, err)
		for _, o := range live {
			b.failCreate(o, out[o.idx], status.FromError(err))
		}
		b.cancel(ctx, sess, subID)
		return
	}

	monitored := 0
	for i, o := range live {
		resp := out[o.idx]
		if results[i].Err != nil {
			log.Printf("[WARN] create - Node %s cannot be monitored: %s\n", o.key.node, results[i].Err)
			r := status.FromError(results[i].Err)
			b.failCreate(o, resp, status.Result{Code: status.ErrorCode, Message: r.Message, StackStatus: r.StackStatus})
			continue
		}

		m.mu.Lock()
		e := m.table[o.key]
		if e == nil || e.state != Creating {
			m.mu.Unlock()
			resp.Result = status.Of(status.StateInvalid, "subscription for %s was invalidated during create", o.key.node)
			continue
		}
		e.state = Active
		e.node = liveNodes[i]
		if e.info.NodeID == nil {
			e.info.NodeID = liveNodes[i].Clone()
		}
		e.subID = subID
		e.itemID = results[i].MonitoredItemID
		e.handle = items[i].ClientHandle
		e.params = params
		e.item = items[i]
		m.handles[handleKey{b.endpoint, e.handle}] = o.key
		m.mu.Unlock()
		b.created = append(b.created, created{key: o.key, subID: subID, itemID: results[i].MonitoredItemID})

		if m.cfg.Active != nil {
			m.cfg.Active.Inc()
		}
		monitored++
		resp.Result = status.Success()
		resp.SubscriptionID = subID
		resp.MonitoredItemID = results[i].MonitoredItemID
		log.Printf("[INFO] create - Subscribed to %s on %s (subscription %d, item %d)\n", o.key.node, b.endpoint, subID, results[i].MonitoredItemID)
	}
	if monitored == 0 {
		b.cancel(ctx, sess, subID)
	}
}

// Abandon undoes the creates of a batch whose reply was never delivered.
// Nodes it made Active are deleted again and their stack subscriptions
// cancelled, so the nodes can be created anew.
func (b *Batch) Abandon(ctx context.Context, sess stack.Session) {
	m := b.m
	subs := make(map[uint32]struct{})
	m.mu.Lock()
	for _, c := range b.created {
		e := m.table[c.key]
		if e == nil || e.state != Active || e.itemID != c.itemID {
			continue
		}
		m.deactivateLocked(c.key, e)
		subs[c.subID] = struct{}{}
	}
	m.mu.Unlock()

	for subID := range subs {
		log.Printf("[INFO] Abandon - Cancelling subscription %d on %s\n", subID, b.endpoint)
		b.cancel(ctx, sess, subID)
	}
}

func (b *Batch) failCreate(o op, resp *envelope.Response, r status.Result) {
	b.m.mu.Lock()
	b.m.restoreLocked(o)
	b.m.mu.Unlock()
	resp.Result = r
}

func (b *Batch) cancel(ctx context.Context, sess stack.Session, subID uint32) {
	if err := sess.CancelSubscription(ctx, subID); err != nil {
		log.Printf("[WARN] cancel - Failed to cancel subscription %d on %s: %s\n", subID, b.endpoint, err)
	}
}

// active returns a copy of the entry for o when it is still Active under the
// monitored item the batch checked.
func (b *Batch) active(o op) (entry, bool) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	e := b.m.table[o.key]
	if e == nil || e.state != Active {
		return entry{}, false
	}
	return *e, true
}

func (b *Batch) modify(ctx context.Context, sess stack.Session, o op, resp *envelope.Response) {
	e, ok := b.active(o)
	if !ok {
		resp.Result = status.Of(status.StateInvalid, "modify %s: subscription is no longer active", o.key.node)
		return
	}
	sub := o.req.Subscription

	params := e.params
	if o.keepAlive > 0 {
		params = subscriptionParams(sub, o.keepAlive)
	} else {
		params.PublishingEnabled = sub.PublishingEnabled
		if sub.MaxNotificationsPerPublish > 0 {
			params.MaxNotificationsPerPublish = sub.MaxNotificationsPerPublish
		}
		if sub.Priority > 0 {
			params.Priority = sub.Priority
		}
	}
	item := e.item
	if sub.SamplingInterval > 0 {
		item.SamplingInterval = millis(sub.SamplingInterval)
	}
	if sub.QueueSize > 0 {
		item.QueueSize = sub.QueueSize
	}

	if err := sess.ModifySubscription(ctx, e.subID, params); err != nil {
		resp.Result = status.FromError(err)
		return
	}
	if err := sess.ModifyMonitor(ctx, e.subID, e.itemID, item); err != nil {
		resp.Result = status.FromError(err)
		return
	}

	b.m.mu.Lock()
	cur := b.m.table[o.key]
	if cur == nil || cur.state != Active || cur.itemID != e.itemID {
		b.m.mu.Unlock()
		resp.Result = status.Of(status.StateInvalid, "modify %s: subscription changed while modifying", o.key.node)
		return
	}
	cur.params = params
	cur.item = item
	b.m.mu.Unlock()

	resp.Result = status.Success()
	resp.SubscriptionID = e.subID
	resp.MonitoredItemID = e.itemID
}

func (b *Batch) delete(ctx context.Context, sess stack.Session, o op, resp *envelope.Response) {
	m := b.m
	e, ok := b.active(o)
	if !ok {
		resp.Result = status.Of(status.StateInvalid, "delete %s: subscription is no longer active", o.key.node)
		return
	}
	if err := sess.Unmonitor(ctx, e.subID, e.itemID); err != nil {
		resp.Result = status.FromError(err)
		return
	}

	m.mu.Lock()
	cur := m.table[o.key]
	if cur == nil || cur.state != Active || cur.itemID != e.itemID {
		m.mu.Unlock()
		resp.Result = status.Of(status.StateInvalid, "delete %s: subscription changed while deleting", o.key.node)
		return
	}
	m.deactivateLocked(o.key, cur)
	remaining := 0
	for k, other := range m.table {
		if k.endpoint == b.endpoint && other.state == Active && other.subID == e.subID {
			remaining++
		}
	}
	m.mu.Unlock()

	if remaining == 0 {
		b.cancel(ctx, sess, e.subID)
	}
	resp.Result = status.Success()
	resp.SubscriptionID = e.subID
	resp.MonitoredItemID = e.itemID
	log.Printf("[INFO] delete - Unsubscribed %s on %s\n", o.key.node, b.endpoint)
}

func (b *Batch) republish(ctx context.Context, sess stack.Session, o op, resp *envelope.Response) {
	e, ok := b.active(o)
	if !ok {
		resp.Result = status.Of(status.StateInvalid, "republish %s: subscription is no longer active", o.key.node)
		return
	}
	if err := sess.Republish(ctx, e.subID, o.req.Subscription.RetransmitSequence); err != nil {
		resp.Result = status.FromError(err)
		return
	}
	resp.Result = status.Success()
	resp.SubscriptionID = e.subID
	resp.MonitoredItemID = e.itemID
}

func (m *Manager) deactivateLocked(k key, e *entry) {
	if e.state == Active {
		delete(m.handles, handleKey{k.endpoint, e.handle})
		if m.cfg.Active != nil {
			m.cfg.Active.Dec()
		}
	}
	e.state = Deleted
}

// Invalidate marks every subscription of endpoint Deleted without any stack
// call. It returns how many were Active.
func (m *Manager) Invalidate(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.table {
		if k.endpoint != endpoint {
			continue
		}
		switch e.state {
		case Active:
			n++
			m.deactivateLocked(k, e)
		case Creating:
			e.state = Deleted
		}
	}
	if n > 0 {
		log.Printf("[INFO] Invalidate - Dropped %d subscriptions of %s\n", n, endpoint)
	}
	return n
}

// Report turns a data change into a report response. It returns false when
// the notification does not belong to an Active subscription of endpoint.
func (m *Manager) Report(endpoint string, n stack.Notification) (*envelope.Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.handles[handleKey{endpoint, n.ClientHandle}]
	if !ok {
		return nil, false
	}
	e := m.table[k]
	if e == nil || e.state != Active || e.subID != n.SubscriptionID {
		return nil, false
	}

	resp := &envelope.Response{
		NodeInfo:        e.info.Clone(),
		Value:           n.Value,
		Result:          status.Success(),
		SourceTimestamp: n.SourceTimestamp,
		ServerTimestamp: n.ServerTimestamp,
		SubscriptionID:  e.subID,
		MonitoredItemID: e.itemID,
	}
	if n.Err != nil {
		resp.Result = status.FromError(n.Err)
	}
	return resp, true
}
