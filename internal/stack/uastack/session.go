package uastack

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/pkg/errors"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
)

const notifyBuffer = 256

type session struct {
	c *opcua.Client

	mu   sync.Mutex
	subs map[uint32]*opcua.Subscription

	raw       chan *opcua.PublishNotificationData
	out       chan stack.Notification
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(c *opcua.Client) *session {
	s := &session{
		c:    c,
		subs: make(map[uint32]*opcua.Subscription),
		raw:  make(chan *opcua.PublishNotificationData, notifyBuffer),
		out:  make(chan stack.Notification, notifyBuffer),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *session) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case data := <-s.raw:
			if data == nil {
				continue
			}
			if data.Error != nil {
				s.emit(stack.Notification{SubscriptionID: data.SubscriptionID, Err: wrapErr(data.Error, "publish")})
				continue
			}
			s.emitData(data.SubscriptionID, data.Value)
		}
	}
}

func (s *session) emitData(subID uint32, value interface{}) {
	switch v := value.(type) {
	case *ua.DataChangeNotification:
		for _, item := range v.MonitoredItems {
			n := stack.Notification{SubscriptionID: subID, ClientHandle: item.ClientHandle}
			if dv := item.Value; dv != nil {
				n.SourceTimestamp = dv.SourceTimestamp
				n.ServerTimestamp = dv.ServerTimestamp
				if err := statusErr(dv.Status); err != nil {
					n.Err = err
				} else if n.Value, n.Err = fromUAVariant(dv.Value); n.Err != nil {
					n.Err = errors.Wrap(n.Err, "notification value")
				}
			}
			s.emit(n)
		}
	case *ua.EventNotificationList:
		log.Printf("[DEBUG] pump - Ignoring %d event notifications on subscription %d\n", len(v.Events), subID)
	default:
		log.Printf("[DEBUG] pump - Unknown publish result %T on subscription %d\n", value, subID)
	}
}

func (s *session) emit(n stack.Notification) {
	select {
	case s.out <- n:
	case <-s.done:
	}
}

func (s *session) Notifications() <-chan stack.Notification {
	return s.out
}

func (s *session) Read(ctx context.Context, nodes []*envelope.NodeID) ([]stack.ReadResult, error) {
	req := &ua.ReadRequest{
		MaxAge:             2000,
		NodesToRead:        make([]*ua.ReadValueID, len(nodes)),
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for i, n := range nodes {
		req.NodesToRead[i] = &ua.ReadValueID{NodeID: toUANodeID(n), AttributeID: ua.AttributeIDValue}
	}

	resp, err := s.c.Read(ctx, req)
	if err != nil {
		return nil, wrapErr(err, "read")
	}
	if len(resp.Results) != len(nodes) {
		return nil, errors.Errorf("read returned %d results for %d nodes", len(resp.Results), len(nodes))
	}

	out := make([]stack.ReadResult, len(nodes))
	for i, dv := range resp.Results {
		out[i] = stack.ReadResult{SourceTimestamp: dv.SourceTimestamp, ServerTimestamp: dv.ServerTimestamp}
		if err := statusErr(dv.Status); err != nil {
			out[i].Err = err
			continue
		}
		out[i].Value, out[i].Err = fromUAVariant(dv.Value)
	}
	return out, nil
}

func (s *session) Write(ctx context.Context, values []stack.WriteValue) ([]error, error) {
	req := &ua.WriteRequest{NodesToWrite: make([]*ua.WriteValue, len(values))}
	for i, wv := range values {
		v, err := toUAVariant(wv.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "write %s", wv.Node)
		}
		req.NodesToWrite[i] = &ua.WriteValue{
			NodeID:      toUANodeID(wv.Node),
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        v,
			},
		}
	}

	resp, err := s.c.Write(ctx, req)
	if err != nil {
		return nil, wrapErr(err, "write")
	}
	if len(resp.Results) != len(values) {
		return nil, errors.Errorf("write returned %d results for %d nodes", len(resp.Results), len(values))
	}
	out := make([]error, len(values))
	for i, code := range resp.Results {
		out[i] = statusErr(code)
	}
	return out, nil
}

// ResolvePath resolves "a.b.c" below the Objects folder. A leading
// "ns=<n>;" selects the namespace of every path element.
func (s *session) ResolvePath(ctx context.Context, path string) (*envelope.NodeID, error) {
	var ns uint16
	if strings.HasPrefix(path, "ns=") {
		idx := strings.IndexByte(path, ';')
		if idx < 0 {
			return nil, errors.Errorf("invalid browse path %q", path)
		}
		v, err := strconv.ParseUint(path[3:idx], 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid namespace in browse path %q", path)
		}
		ns = uint16(v)
		path = path[idx+1:]
	}
	root := s.c.Node(ua.NewNumericNodeID(0, id.ObjectsFolder))
	nid, err := root.TranslateBrowsePathInNamespaceToNodeID(ctx, ns, path)
	if err != nil {
		return nil, wrapErr(err, "resolve "+path)
	}
	return fromUANodeID(nid), nil
}

func (s *session) Browse(ctx context.Context, req stack.BrowseRequest) (stack.BrowsePage, error) {
	refType := ua.NewNumericNodeID(0, id.HierarchicalReferences)
	if req.ReferenceType != nil {
		refType = toUANodeID(req.ReferenceType)
	}
	resp, err := s.c.Browse(ctx, &ua.BrowseRequest{
		View:                          &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		RequestedMaxReferencesPerNode: req.MaxReferencesPerNode,
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          toUANodeID(req.Node),
			BrowseDirection: toBrowseDirection(req.Direction),
			ReferenceTypeID: refType,
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassAll),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	})
	if err != nil {
		return stack.BrowsePage{}, wrapErr(err, "browse")
	}
	return pageOf(resp.Results)
}

func (s *session) BrowseNext(ctx context.Context, token []byte) (stack.BrowsePage, error) {
	resp, err := s.c.BrowseNext(ctx, &ua.BrowseNextRequest{ContinuationPoints: [][]byte{token}})
	if err != nil {
		return stack.BrowsePage{}, wrapErr(err, "browse next")
	}
	return pageOf(resp.Results)
}

func pageOf(results []*ua.BrowseResult) (stack.BrowsePage, error) {
	if len(results) != 1 {
		return stack.BrowsePage{}, errors.Errorf("browse returned %d results for 1 node", len(results))
	}
	r := results[0]
	if err := statusErr(r.StatusCode); err != nil {
		return stack.BrowsePage{}, err
	}
	page := stack.BrowsePage{ContinuationPoint: r.ContinuationPoint}
	for _, ref := range r.References {
		page.References = append(page.References, fromReference(ref))
	}
	return page, nil
}

func (s *session) ReleaseContinuationPoints(ctx context.Context, tokens [][]byte) error {
	_, err := s.c.BrowseNext(ctx, &ua.BrowseNextRequest{ReleaseContinuationPoints: true, ContinuationPoints: tokens})
	return wrapErr(err, "release continuation points")
}

func (s *session) Call(ctx context.Context, object, method *envelope.NodeID, args []*envelope.Variant) (stack.CallResult, error) {
	req := &ua.CallMethodRequest{
		ObjectID:       toUANodeID(object),
		MethodID:       toUANodeID(method),
		InputArguments: make([]*ua.Variant, len(args)),
	}
	for i, a := range args {
		v, err := toUAVariant(a)
		if err != nil {
			return stack.CallResult{}, errors.Wrapf(err, "argument %d", i)
		}
		req.InputArguments[i] = v
	}

	resp, err := s.c.Call(ctx, req)
	if err != nil {
		return stack.CallResult{}, wrapErr(err, "call "+method.String())
	}
	if err := statusErr(resp.StatusCode); err != nil {
		return stack.CallResult{}, err
	}
	for i, code := range resp.InputArgumentResults {
		if err := statusErr(code); err != nil {
			return stack.CallResult{}, errors.Wrapf(err, "argument %d", i)
		}
	}

	var out stack.CallResult
	for i, v := range resp.OutputArguments {
		ev, err := fromUAVariant(v)
		if err != nil {
			return stack.CallResult{}, errors.Wrapf(err, "output %d", i)
		}
		out.Outputs = append(out.Outputs, ev)
	}
	return out, nil
}

func (s *session) Subscribe(ctx context.Context, p stack.SubscriptionParams) (uint32, error) {
	sub, err := s.c.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   p.PublishingInterval,
		LifetimeCount:              p.LifetimeCount,
		MaxKeepAliveCount:          p.MaxKeepAliveCount,
		MaxNotificationsPerPublish: p.MaxNotificationsPerPublish,
		Priority:                   p.Priority,
	}, s.raw)
	if err != nil {
		return 0, wrapErr(err, "subscribe")
	}

	s.mu.Lock()
	s.subs[sub.SubscriptionID] = sub
	s.mu.Unlock()

	if !p.PublishingEnabled {
		err := s.send(ctx, &ua.SetPublishingModeRequest{
			PublishingEnabled: false,
			SubscriptionIDs:   []uint32{sub.SubscriptionID},
		}, "set publishing mode")
		if err != nil {
			return sub.SubscriptionID, err
		}
	}
	return sub.SubscriptionID, nil
}

func (s *session) subscription(subID uint32) (*opcua.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subID]
	if !ok {
		return nil, errors.Errorf("unknown subscription %d", subID)
	}
	return sub, nil
}

func (s *session) ModifySubscription(ctx context.Context, subID uint32, p stack.SubscriptionParams) error {
	return s.send(ctx, &ua.ModifySubscriptionRequest{
		SubscriptionID:              subID,
		RequestedPublishingInterval: float64(p.PublishingInterval / time.Millisecond),
		RequestedLifetimeCount:      p.LifetimeCount,
		RequestedMaxKeepAliveCount:  p.MaxKeepAliveCount,
		MaxNotificationsPerPublish:  p.MaxNotificationsPerPublish,
		Priority:                    p.Priority,
	}, "modify subscription")
}

func (s *session) Monitor(ctx context.Context, subID uint32, items []stack.MonitorItem) ([]stack.MonitorResult, error) {
	sub, err := s.subscription(subID)
	if err != nil {
		return nil, err
	}

	reqs := make([]*ua.MonitoredItemCreateRequest, len(items))
	for i, it := range items {
		reqs[i] = &ua.MonitoredItemCreateRequest{
			ItemToMonitor: &ua.ReadValueID{
				NodeID:       toUANodeID(it.Node),
				AttributeID:  ua.AttributeIDValue,
				DataEncoding: &ua.QualifiedName{},
			},
			MonitoringMode:      ua.MonitoringModeReporting,
			RequestedParameters: monitoringParams(it),
		}
	}

	resp, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...)
	if err != nil {
		return nil, wrapErr(err, "monitor")
	}
	if len(resp.Results) != len(items) {
		return nil, errors.Errorf("monitor returned %d results for %d items", len(resp.Results), len(items))
	}
	out := make([]stack.MonitorResult, len(items))
	for i, r := range resp.Results {
		out[i] = stack.MonitorResult{MonitoredItemID: r.MonitoredItemID, Err: statusErr(r.StatusCode)}
	}
	return out, nil
}

func monitoringParams(it stack.MonitorItem) *ua.MonitoringParameters {
	return &ua.MonitoringParameters{
		ClientHandle:     it.ClientHandle,
		SamplingInterval: float64(it.SamplingInterval / time.Millisecond),
		QueueSize:        it.QueueSize,
		DiscardOldest:    true,
	}
}

func (s *session) ModifyMonitor(ctx context.Context, subID, monitoredItemID uint32, it stack.MonitorItem) error {
	return s.send(ctx, &ua.ModifyMonitoredItemsRequest{
		SubscriptionID:     subID,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToModify: []*ua.MonitoredItemModifyRequest{{
			MonitoredItemID:     monitoredItemID,
			RequestedParameters: monitoringParams(it),
		}},
	}, "modify monitored item")
}

func (s *session) Unmonitor(ctx context.Context, subID uint32, monitoredItemIDs ...uint32) error {
	sub, err := s.subscription(subID)
	if err != nil {
		return err
	}
	resp, err := sub.Unmonitor(ctx, monitoredItemIDs...)
	if err != nil {
		return wrapErr(err, "unmonitor")
	}
	for _, code := range resp.Results {
		if err := statusErr(code); err != nil {
			return errors.Wrap(err, "unmonitor")
		}
	}
	return nil
}

func (s *session) CancelSubscription(ctx context.Context, subID uint32) error {
	sub, err := s.subscription(subID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.subs, subID)
	s.mu.Unlock()
	return wrapErr(sub.Cancel(ctx), "cancel subscription")
}

// Republish asks the server to resend a notification message. The
// retransmitted data changes are delivered on the notification channel.
func (s *session) Republish(ctx context.Context, subID, sequence uint32) error {
	return s.sendFunc(ctx, &ua.RepublishRequest{
		SubscriptionID:           subID,
		RetransmitSequenceNumber: sequence,
	}, "republish", func(resp ua.Response) {
		r, ok := resp.(*ua.RepublishResponse)
		if !ok || r.NotificationMessage == nil {
			return
		}
		for _, ext := range r.NotificationMessage.NotificationData {
			if ext != nil {
				s.emitData(subID, ext.Value)
			}
		}
	})
}

func (s *session) send(ctx context.Context, req ua.Request, what string) error {
	return s.sendFunc(ctx, req, what, nil)
}

func (s *session) sendFunc(ctx context.Context, req ua.Request, what string, fn func(ua.Response)) error {
	err := s.c.Send(ctx, req, func(resp ua.Response) error {
		if h := resp.Header(); h != nil {
			if err := statusErr(h.ServiceResult); err != nil {
				return err
			}
		}
		if fn != nil {
			fn(resp)
		}
		return nil
	})
	return wrapErr(err, what)
}

func (s *session) State() stack.ConnState {
	switch s.c.State() {
	case opcua.Connected:
		return stack.StateConnected
	case opcua.Connecting:
		return stack.StateConnecting
	case opcua.Reconnecting:
		return stack.StateReconnecting
	case opcua.Disconnected:
		return stack.StateDisconnected
	}
	return stack.StateClosed
}

func (s *session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.c.Close(ctx)
	})
	return wrapErr(err, "close session")
}
