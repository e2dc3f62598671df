// Package discovery finds servers on the local network over mDNS and
// filters discovered applications by type.
package discovery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"

	"github.com/clearblade/opcua-command-adapter/internal/stack"
)

const (
	// Service is the DNS-SD service type servers announce.
	Service = "_opcua-tcp._tcp"
	Domain  = "local."

	DefaultWindow = 5 * time.Second
)

// Browser scans the LAN for announced servers.
type Browser struct {
	Window time.Duration
}

// Browse listens for announcements for the browse window, or until ctx is
// done, and reports every server found.
func (b *Browser) Browse(ctx context.Context, found func(stack.ApplicationDescription)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return errors.Wrap(err, "mdns resolver")
	}

	window := b.Window
	if window <= 0 {
		window = DefaultWindow
	}
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := make(map[string]bool)
		for entry := range entries {
			app, ok := EntryToApplication(entry)
			if !ok || seen[app.ApplicationURI] {
				continue
			}
			seen[app.ApplicationURI] = true
			log.Printf("[DEBUG] Browse - mDNS found %s at %v\n", app.ApplicationName, app.DiscoveryURLs)
			found(app)
		}
	}()

	if err := resolver.Browse(scanCtx, Service, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return errors.Wrap(err, "mdns browse")
	}
	<-scanCtx.Done()
	wg.Wait()
	return nil
}

// EntryToApplication builds a server description from an mDNS record. The
// TXT record "path=" holds the endpoint path. Records without an address
// are skipped.
func EntryToApplication(entry *zeroconf.ServiceEntry) (stack.ApplicationDescription, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = "[" + entry.AddrIPv6[0].String() + "]"
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return stack.ApplicationDescription{}, false
	}

	path := txt(entry.Text)["path"]
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("opc.tcp://%s:%d%s", host, entry.Port, path)

	return stack.ApplicationDescription{
		ApplicationURI:  url,
		ApplicationName: entry.ServiceRecord.Instance,
		Type:            stack.AppServer,
		DiscoveryURLs:   []string{url},
	}, true
}

func txt(records []string) map[string]string {
	m := make(map[string]string, len(records))
	for _, r := range records {
		if k, v, ok := strings.Cut(r, "="); ok {
			m[k] = v
		}
	}
	return m
}

// Supported reports whether the type of app is in mask.
func Supported(app stack.ApplicationDescription, mask stack.ApplicationType) bool {
	return app.Type&mask != 0
}

// Filter keeps the applications whose type is in mask.
func Filter(apps []stack.ApplicationDescription, mask stack.ApplicationType) []stack.ApplicationDescription {
	out := apps[:0:0]
	for _, a := range apps {
		if Supported(a, mask) {
			out = append(out, a)
		}
	}
	return out
}

// ParseTypes turns names like "server" or "discovery_server" into a mask.
func ParseTypes(names []string) (stack.ApplicationType, error) {
	var mask stack.ApplicationType
	for _, n := range names {
		switch strings.ToLower(strings.ReplaceAll(n, "_", "")) {
		case "server":
			mask |= stack.AppServer
		case "client":
			mask |= stack.AppClient
		case "clientandserver":
			mask |= stack.AppClientAndServer
		case "discoveryserver":
			mask |= stack.AppDiscoveryServer
		default:
			return 0, errors.Errorf("unknown application type %q", n)
		}
	}
	return mask, nil
}
