package dispatcher

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/session"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
	"github.com/clearblade/opcua-command-adapter/internal/subscription"
)

// methodFanOut bounds the number of concurrent method calls of one batch.
const methodFanOut = 8

// resolver resolves browse paths on sess. Unresolvable paths are parameter
// errors.
func (a *Adapter) resolver(sess stack.Session) subscription.Resolver {
	return func(ctx context.Context, ni *envelope.NodeInfo) (*envelope.NodeID, error) {
		if ni.NodeID != nil {
			return ni.NodeID, nil
		}
		id, err := sess.ResolvePath(ctx, ni.BrowsePath)
		if err != nil {
			return nil, status.ParamError("cannot resolve browse path %q: %s", ni.BrowsePath, err)
		}
		return id, nil
	}
}

// resolveAll resolves the target of every request, in order.
func (a *Adapter) resolveAll(ctx context.Context, sess stack.Session, reqs []*envelope.Request) ([]*envelope.NodeID, error) {
	resolve := a.resolver(sess)
	ids := make([]*envelope.NodeID, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		if req.NodeInfo.NodeID != nil {
			ids[i] = req.NodeInfo.NodeID
			continue
		}
		i, ni := i, req.NodeInfo
		g.Go(func() error {
			id, err := resolve(gctx, ni)
			ids[i] = id
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

func responseFor(req *envelope.Request, id *envelope.NodeID) *envelope.Response {
	ni := req.NodeInfo.Clone()
	if ni.NodeID == nil {
		ni.NodeID = id.Clone()
	}
	return &envelope.Response{NodeInfo: ni}
}

func (a *Adapter) read(ctx context.Context, msg *envelope.Message, conn *session.Conn) (*envelope.Message, error) {
	sess := conn.Session()
	reqs := msg.RequestList()
	ids, err := a.resolveAll(ctx, sess, reqs)
	if err != nil {
		return nil, err
	}

	results, err := sess.Read(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(results) != len(ids) {
		return nil, status.NewError(status.KindProtocol, "read returned %d results for %d nodes", len(results), len(ids))
	}

	reply := msg.Reply(envelope.GeneralResponse)
	for i, req := range reqs {
		resp := responseFor(req, ids[i])
		res := results[i]
		if res.Err != nil {
			resp.Result = status.FromError(res.Err)
		} else {
			resp.Result = status.Success()
			resp.Value = res.Value
			resp.SourceTimestamp = res.SourceTimestamp
			resp.ServerTimestamp = res.ServerTimestamp
		}
		reply.Responses = append(reply.Responses, resp)
	}
	return reply, nil
}

// write sends every request value. Untyped values take the type of the
// node's current value.
func (a *Adapter) write(ctx context.Context, msg *envelope.Message, conn *session.Conn) (*envelope.Message, error) {
	sess := conn.Session()
	reqs := msg.RequestList()
	ids, err := a.resolveAll(ctx, sess, reqs)
	if err != nil {
		return nil, err
	}

	values := make([]*envelope.Variant, len(reqs))
	var untyped []int
	for i, req := range reqs {
		values[i] = req.Value
		if req.Value.Type() == envelope.Untyped {
			untyped = append(untyped, i)
		}
	}

	reply := msg.Reply(envelope.GeneralResponse)
	reply.Responses = make([]*envelope.Response, len(reqs))
	for i, req := range reqs {
		reply.Responses[i] = responseFor(req, ids[i])
	}

	if len(untyped) > 0 {
		nodes := make([]*envelope.NodeID, len(untyped))
		for j, i := range untyped {
			nodes[j] = ids[i]
		}
		current, err := sess.Read(ctx, nodes)
		if err != nil {
			return nil, err
		}
		if len(current) != len(nodes) {
			return nil, status.NewError(status.KindProtocol, "read returned %d results for %d nodes", len(current), len(nodes))
		}
		for j, i := range untyped {
			if current[j].Err != nil {
				reply.Responses[i].Result = status.FromError(current[j].Err)
				values[i] = nil
				continue
			}
			converted, err := values[i].Convert(current[j].Value.Type())
			if err != nil {
				log.Printf("[ERROR] write - Failed to convert value for %s: %s\n", ids[i], err)
				reply.Responses[i].Result = status.Invalid("value for %s: %s", ids[i], err)
				values[i] = nil
				continue
			}
			values[i] = converted
		}
	}

	var batch []stack.WriteValue
	var index []int
	for i, v := range values {
		if v == nil {
			continue
		}
		batch = append(batch, stack.WriteValue{Node: ids[i], Value: v})
		index = append(index, i)
	}
	if len(batch) == 0 {
		return reply, nil
	}

	errs, err := sess.Write(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(errs) != len(batch) {
		return nil, status.NewError(status.KindProtocol, "write returned %d results for %d nodes", len(errs), len(batch))
	}
	for j, i := range index {
		reply.Responses[i].Result = status.FromError(errs[j])
		if errs[j] == nil {
			reply.Responses[i].Value = values[i]
		}
	}
	return reply, nil
}

// method calls every method of the batch concurrently and collects the
// outputs in request order.
func (a *Adapter) method(ctx context.Context, msg *envelope.Message, conn *session.Conn) (*envelope.Message, error) {
	sess := conn.Session()
	reqs := msg.RequestList()
	ids, err := a.resolveAll(ctx, sess, reqs)
	if err != nil {
		return nil, err
	}

	reply := msg.Reply(envelope.GeneralResponse)
	reply.Responses = make([]*envelope.Response, len(reqs))

	var g errgroup.Group
	g.SetLimit(methodFanOut)
	for i, req := range reqs {
		i, req := i, req
		resp := responseFor(req, ids[i])
		reply.Responses[i] = resp
		g.Go(func() error {
			res, err := sess.Call(ctx, req.Method.ObjectID, ids[i], req.Method.InputArguments)
			if err != nil {
				log.Printf("[ERROR] method - Call of %s on %s failed: %s\n", ids[i], req.Method.ObjectID, err)
				resp.Result = status.FromError(err)
				return nil
			}
			resp.Result = status.Success()
			resp.Outputs = res.Outputs
			return nil
		})
	}
	_ = g.Wait()

	if len(reqs) == 1 && !reply.Responses[0].Result.IsOK() {
		return nil, reply.Responses[0].Result.Err()
	}
	return reply, nil
}
