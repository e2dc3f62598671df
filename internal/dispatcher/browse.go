package dispatcher

import (
	"bytes"
	"context"
	"log"
	"time"

	"github.com/clearblade/opcua-command-adapter/internal/continuation"
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/session"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

var (
	viewsFolder = envelope.NewNumericNodeID(0, 87)
	organizes   = envelope.NewNumericNodeID(0, 35)
)

// BrowseViews submits msg as a browse restricted to the views folder.
func (a *Adapter) BrowseViews(msg *envelope.Message) status.Result {
	if msg != nil {
		msg.Command = envelope.CmdBrowseViews
	}
	return a.Browse(msg, false)
}

// Browse pages the references of every source node in msg. With browseNext
// set, each source node must have an outstanding continuation point, which
// is consumed by the call.
func (a *Adapter) Browse(msg *envelope.Message, browseNext bool) status.Result {
	if err := msg.Validate(); err != nil {
		return a.refuse(msg, err)
	}
	if msg.Command != envelope.CmdBrowse && msg.Command != envelope.CmdBrowseViews {
		return a.refuse(msg, status.ParamError("%s is not a browse command", msg.Command))
	}
	if err := a.corr.CheckResponse(msg.Command); err != nil {
		return a.refuse(msg, err)
	}
	conn, ok := a.clients.Get(msg.Endpoint)
	if !ok {
		return a.refuse(msg, status.ParamError("%s: no active session for %s", msg.Command, msg.Endpoint.URI))
	}

	if !browseNext {
		a.launchStaged(msg, conn, a.browse)
		return status.Success()
	}

	points, err := a.takeContinuations(conn, msg)
	if err != nil {
		return a.refuse(msg, err)
	}
	a.launchStaged(msg, conn, func(ctx context.Context, msg *envelope.Message, conn *session.Conn) (staged, error) {
		return a.browseNext(ctx, msg, conn, points)
	})
	return status.Success()
}

// point is a consumed continuation point. path is set when the caller named
// the source node by browse path.
type point struct {
	continuation.Entry
	path string
}

// continuationKey finds the registry key of a source node. A node named by
// browse path is found through the node id its first page resolved to.
func (a *Adapter) continuationKey(conn *session.Conn, ni *envelope.NodeInfo) (continuation.Key, bool) {
	if ni.NodeID != nil {
		return continuation.Key{Session: conn.ID, Node: ni.NodeID.String()}, true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.paths[continuation.Key{Session: conn.ID, Node: ni.BrowsePath}]
	return continuation.Key{Session: conn.ID, Node: node}, ok
}

// takeContinuations removes the continuation point of every source node in
// msg. When any node has none, nothing is removed.
func (a *Adapter) takeContinuations(conn *session.Conn, msg *envelope.Message) ([]point, error) {
	reqs := msg.RequestList()
	points := make([]point, 0, len(reqs))
	for _, req := range reqs {
		if req == nil || !req.NodeInfo.Resolvable() {
			return nil, status.ParamError("browse next needs a source node")
		}
		k, ok := a.continuationKey(conn, req.NodeInfo)
		if !ok {
			return nil, status.ParamError("no continuation point for %s", req.NodeInfo)
		}
		e, ok := a.registry.Lookup(k)
		if !ok {
			return nil, status.ParamError("no continuation point for %s", req.NodeInfo)
		}
		p := point{Entry: e}
		if req.NodeInfo.NodeID == nil {
			p.path = req.NodeInfo.BrowsePath
		}
		points = append(points, p)
	}

	for i, p := range points {
		if !a.registry.Remove(p.Key) {
			for _, back := range points[:i] {
				a.registry.Put(back.Key, back.Token)
			}
			return nil, status.ParamError("continuation point for %s was consumed concurrently", p.Key.Node)
		}
	}

	a.mu.Lock()
	for _, p := range points {
		if p.path != "" {
			delete(a.paths, continuation.Key{Session: conn.ID, Node: p.path})
		}
	}
	a.mu.Unlock()
	return points, nil
}

func (a *Adapter) browseRequest(msg *envelope.Message, node *envelope.NodeID) stack.BrowseRequest {
	req := stack.BrowseRequest{
		Node:                 node,
		Direction:            msg.BrowseParam.Direction,
		MaxReferencesPerNode: msg.BrowseParam.MaxReferencesPerNode,
	}
	if msg.Command == envelope.CmdBrowseViews {
		req.ReferenceType = organizes
	}
	return req
}

func (a *Adapter) browse(ctx context.Context, msg *envelope.Message, conn *session.Conn) (staged, error) {
	sess := conn.Session()
	reqs := msg.RequestList()

	nodes := make([]*envelope.NodeID, len(reqs))
	paths := make([]string, len(reqs))
	var named []*envelope.Request
	var namedIdx []int
	for i, req := range reqs {
		if msg.Command == envelope.CmdBrowseViews && req.NodeInfo == nil {
			nodes[i] = viewsFolder
			continue
		}
		if req.NodeInfo.NodeID == nil {
			paths[i] = req.NodeInfo.BrowsePath
		}
		named = append(named, req)
		namedIdx = append(namedIdx, i)
	}
	ids, err := a.resolveAll(ctx, sess, named)
	if err != nil {
		return staged{}, err
	}
	for j, i := range namedIdx {
		nodes[i] = ids[j]
	}

	reply := msg.Reply(envelope.BrowseResponse)
	reply.BrowseResult = true
	p := &pages{conn: conn}
	for i, node := range nodes {
		pg, err := sess.Browse(ctx, a.browseRequest(msg, node))
		if err != nil {
			if len(nodes) == 1 {
				return staged{}, err
			}
			reply.Browse = append(reply.Browse, envelope.BrowseResult{SourceNode: node, Result: status.FromError(err)})
			continue
		}
		p.add(node, paths[i], pg, reply)
	}
	return a.stage(p, reply), nil
}

func (a *Adapter) browseNext(ctx context.Context, msg *envelope.Message, conn *session.Conn, points []point) (staged, error) {
	sess := conn.Session()
	reply := msg.Reply(envelope.BrowseResponse)
	reply.BrowseResult = true
	p := &pages{conn: conn}

	for _, cp := range points {
		node, _ := envelope.ParseNodeID(cp.Key.Node)
		pg, err := sess.BrowseNext(ctx, cp.Token)
		if err != nil {
			if len(points) == 1 {
				return staged{}, err
			}
			reply.Browse = append(reply.Browse, envelope.BrowseResult{SourceNode: node, Result: status.FromError(err)})
			continue
		}
		p.add(node, cp.path, pg, reply)
	}
	return a.stage(p, reply), nil
}

// pages collects the continuation points of one browse reply until the
// reply is known to be delivered.
type pages struct {
	conn   *session.Conn
	points []continuation.Entry
	paths  map[string]string
}

// add appends one page to reply. A continuation point keeps the overall
// browse result open.
func (p *pages) add(node *envelope.NodeID, path string, pg stack.BrowsePage, reply *envelope.Message) {
	reply.Browse = append(reply.Browse, envelope.BrowseResult{
		SourceNode: node,
		References: pg.References,
		Result:     status.Success(),
	})
	if len(pg.ContinuationPoint) == 0 {
		return
	}

	reply.BrowseResult = false
	if reply.CPList == nil {
		reply.CPList = &envelope.ContinuationPointList{}
	}
	reply.CPList.Points = append(reply.CPList.Points, envelope.ContinuationPoint{Node: node, Token: pg.ContinuationPoint})

	p.points = append(p.points, continuation.Entry{
		Key:   continuation.Key{Session: p.conn.ID, Node: node.String()},
		Token: pg.ContinuationPoint,
	})
	if path != "" {
		if p.paths == nil {
			p.paths = make(map[string]string)
		}
		p.paths[path] = node.String()
	}
}

func (a *Adapter) stage(p *pages, reply *envelope.Message) staged {
	return staged{
		reply:   reply,
		commit:  func() { a.store(p) },
		abandon: func() { a.release(p.conn.ID, p.points) },
	}
}

// store records the continuation points of a delivered reply. Tokens it
// displaces are released on the server.
func (a *Adapter) store(p *pages) {
	if len(p.points) == 0 {
		return
	}
	var stale, evicted []continuation.Entry

	a.mu.Lock()
	if _, open := a.sessions[p.conn.ID]; !open {
		a.mu.Unlock()
		log.Printf("[DEBUG] store - Session %s closed, dropping %d continuation points\n", p.conn.ID, len(p.points))
		return
	}
	for path, node := range p.paths {
		a.paths[continuation.Key{Session: p.conn.ID, Node: path}] = node
	}
	for _, e := range p.points {
		replaced, out := a.registry.Put(e.Key, e.Token)
		if replaced != nil && !bytes.Equal(replaced.Token, e.Token) {
			stale = append(stale, *replaced)
		}
		if out != nil {
			evicted = append(evicted, *out)
		}
	}
	a.mu.Unlock()

	for _, e := range evicted {
		a.evict(e)
	}
	if len(stale) > 0 {
		log.Printf("[DEBUG] store - Releasing %d replaced continuation points\n", len(stale))
		a.release(p.conn.ID, stale)
	}
}

// evict releases a continuation point pushed out of the full registry.
func (a *Adapter) evict(e continuation.Entry) {
	log.Printf("[WARN] evict - Continuation registry full, dropping point for %s created %s\n", e.Key.Node, e.CreatedAt.Format(time.RFC3339))
	a.metrics.Eviction()

	a.mu.Lock()
	for k, node := range a.paths {
		if k.Session == e.Key.Session && node == e.Key.Node {
			delete(a.paths, k)
		}
	}
	a.mu.Unlock()
	a.release(e.Key.Session, []continuation.Entry{e})
}

// release frees continuation tokens on the server of session id.
func (a *Adapter) release(id string, entries []continuation.Entry) {
	sess := a.sessionByID(id)
	if sess == nil || len(entries) == 0 {
		return
	}
	tokens := make([][]byte, len(entries))
	for i, e := range entries {
		tokens[i] = e.Token
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, a.opts.RequestTimeout)
		defer cancel()
		if err := sess.ReleaseContinuationPoints(ctx, tokens); err != nil {
			log.Printf("[WARN] release - Failed to release %d continuation points: %s\n", len(tokens), err)
		}
	}()
}
