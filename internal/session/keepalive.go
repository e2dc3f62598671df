package session

import (
	"context"
	"log"
	"time"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// serverState is Server_ServerStatus_State.
var serverState = envelope.NewNumericNodeID(0, 2259)

// KeepAlive configures the per-session network monitor.
type KeepAlive struct {
	Interval time.Duration
	Retries  int
}

func (k KeepAlive) withDefaults() KeepAlive {
	if k.Interval <= 0 {
		k.Interval = 5 * time.Second
	}
	if k.Retries <= 0 {
		k.Retries = 3
	}
	return k
}

// monitor polls the server state of conn. Network edges are reported as
// Connected/Disconnected; after Retries consecutive failures the
// connection is torn down like a disconnect.
func (c *Clients) monitor(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(c.keepAlive.Interval)
	defer ticker.Stop()

	up := true
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := probe(ctx, conn.sess, c.keepAlive.Interval)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			retries = 0
			if !up {
				up = true
				log.Printf("[INFO] monitor - Connection to %s restored\n", conn.Endpoint.URI)
				c.notify.Status(conn.Endpoint, status.Connected)
			}
			continue
		}

		retries++
		if up {
			up = false
			c.notify.Status(conn.Endpoint, status.Disconnected)
		}
		if retries < c.keepAlive.Retries {
			log.Printf("[ERROR] monitor - KeepAlive to %s failed, retry count %d of %d: %s\n", conn.Endpoint.URI, retries, c.keepAlive.Retries, err)
			continue
		}

		log.Printf("[ERROR] monitor - KeepAlive to %s failed %d times, closing session\n", conn.Endpoint.URI, retries)
		if _, err := c.release(conn.Key, conn); err != nil {
			return
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), c.keepAlive.Interval)
		_ = c.Close(closeCtx, conn)
		cancel()
		return
	}
}

func probe(ctx context.Context, sess stack.Session, timeout time.Duration) error {
	switch st := sess.State(); st {
	case stack.StateClosed, stack.StateDisconnected, stack.StateReconnecting:
		return status.NewError(status.KindProtocol, "session is %s", st)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := sess.Read(rctx, []*envelope.NodeID{serverState})
	if err != nil {
		return err
	}
	if len(res) == 0 {
		return status.NewError(status.KindProtocol, "empty keep-alive read")
	}
	if res[0].Err != nil {
		return res[0].Err
	}
	log.Printf("[DEBUG] probe - KeepAlive at server timestamp %v\n", res[0].ServerTimestamp)
	return nil
}
