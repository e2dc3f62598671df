package dispatcher

import (
	"context"
	"log"

	"github.com/clearblade/opcua-command-adapter/internal/discovery"
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// DiscoverEndpoints reports every endpoint offered at url through the
// endpoint-found callback.
func (a *Adapter) DiscoverEndpoints(url string) status.Result {
	return a.discover("DiscoverEndpoints", url, func(ctx context.Context) error {
		eps, err := a.stack.GetEndpoints(ctx, url)
		if err != nil {
			return err
		}
		for _, e := range eps {
			a.corr.EndpointFound(e)
		}
		return nil
	})
}

// FindServers reports every server application known at url whose type is
// supported through the device-found callback.
func (a *Adapter) FindServers(url string) status.Result {
	return a.discover("FindServers", url, func(ctx context.Context) error {
		apps, err := a.stack.FindServers(ctx, url)
		if err != nil {
			return err
		}
		for _, app := range discovery.Filter(apps, a.opts.SupportedTypes) {
			a.corr.DeviceFound(app)
		}
		return nil
	})
}

// BrowseLAN reports servers announced over mDNS through the device-found
// callback.
func (a *Adapter) BrowseLAN() status.Result {
	return a.discover("BrowseLAN", discovery.Service, func(ctx context.Context) error {
		return a.lan.Browse(ctx, func(app stack.ApplicationDescription) {
			if discovery.Supported(app, a.opts.SupportedTypes) {
				a.corr.DeviceFound(app)
			}
		})
	})
}

func (a *Adapter) discover(op, url string, fn func(ctx context.Context) error) status.Result {
	if url == "" {
		return status.Invalid("%s: missing url", op)
	}
	if err := a.corr.CheckDiscovery(); err != nil {
		return status.FromError(err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, a.opts.RequestTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			log.Printf("[ERROR] %s - %s: %s\n", op, url, err)
			r := status.FromError(err)
			a.corr.Fail(&envelope.Message{Endpoint: &envelope.EndpointRef{URI: url}, Result: &r})
		}
	}()
	return status.Success()
}
