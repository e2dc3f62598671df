// Package uastack implements the protocol stack boundary on gopcua.
package uastack

import (
	"context"
	"log"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/debug"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"github.com/pkg/errors"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

const appuri = "urn:cb-opc-ua-adapter:client"

// Options configures sessions opened by the stack.
type Options struct {
	// CertFile and KeyFile are required for signed security policies.
	CertFile string
	KeyFile  string

	ApplicationURI    string
	RequestTimeout    time.Duration
	ReconnectInterval time.Duration
	Debug             bool
}

// Stack is a stack.Stack backed by gopcua.
type Stack struct {
	opts Options
}

var _ stack.Stack = (*Stack)(nil)

func New(opts Options) *Stack {
	if opts.ApplicationURI == "" {
		opts.ApplicationURI = appuri
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 10 * time.Second
	}
	debug.Enable = opts.Debug
	return &Stack{opts: opts}
}

// Open picks the server endpoint matching the configured security mode and
// policy, then connects with the configured authentication.
func (s *Stack) Open(ctx context.Context, ep *envelope.EndpointRef) (stack.Session, error) {
	cfg := envelope.EndpointConfig{}
	if ep.Config != nil {
		cfg = *ep.Config
	}

	authMode, authOpt, err := authOption(cfg)
	if err != nil {
		return nil, err
	}
	secMode, err := securityMode(cfg.SecurityMode)
	if err != nil {
		return nil, err
	}
	secPolicy, certsRequired, err := securityPolicy(cfg.SecurityPolicy)
	if err != nil {
		return nil, err
	}

	endpoints, err := opcua.GetEndpoints(ctx, ep.URI)
	if err != nil {
		return nil, wrapErr(err, "get endpoints of "+ep.URI)
	}
	var serverEndpoint *ua.EndpointDescription
	for _, e := range endpoints {
		if e.SecurityMode == secMode && e.SecurityPolicyURI == secPolicy {
			serverEndpoint = e
		}
	}
	if serverEndpoint == nil {
		return nil, errors.Errorf("no server endpoint with sec-policy %s and sec-mode %s", secPolicy, secMode)
	}

	appURI := s.opts.ApplicationURI
	if cfg.ApplicationURI != "" {
		appURI = cfg.ApplicationURI
	}
	opts := []opcua.Option{
		authOpt,
		opcua.SecurityFromEndpoint(serverEndpoint, authMode),
		opcua.ApplicationURI(appURI),
		opcua.AutoReconnect(true),
		opcua.ReconnectInterval(s.opts.ReconnectInterval),
		opcua.RequestTimeout(ep.RequestTimeout(s.opts.RequestTimeout)),
	}
	if certsRequired {
		if s.opts.CertFile == "" || s.opts.KeyFile == "" {
			return nil, status.ParamError("security policy %s needs a certificate and private key", cfg.SecurityPolicy)
		}
		opts = append(opts, opcua.CertificateFile(s.opts.CertFile), opcua.PrivateKeyFile(s.opts.KeyFile))
	}

	log.Printf("[INFO] Open - Connecting to OPC server address %s\n", ep.URI)
	c, err := opcua.NewClient(ep.URI, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}
	if err := c.Connect(ctx); err != nil {
		return nil, wrapErr(err, "connect to "+ep.URI)
	}
	return newSession(c), nil
}

func authOption(cfg envelope.EndpointConfig) (ua.UserTokenType, opcua.Option, error) {
	switch strings.ToLower(cfg.AuthType) {
	case "", "anonymous":
		return ua.UserTokenTypeAnonymous, opcua.AuthAnonymous(), nil
	case "username":
		return ua.UserTokenTypeUserName, opcua.AuthUsername(cfg.Username, cfg.Password), nil
	}
	return 0, nil, status.ParamError("invalid auth type: %s", cfg.AuthType)
}

func securityMode(mode string) (ua.MessageSecurityMode, error) {
	switch strings.ToLower(mode) {
	case "", "none":
		return ua.MessageSecurityModeNone, nil
	case "sign":
		return ua.MessageSecurityModeSign, nil
	case "signandencrypt":
		return ua.MessageSecurityModeSignAndEncrypt, nil
	}
	return 0, status.ParamError("invalid security mode: %s", mode)
}

func securityPolicy(policy string) (uri string, certsRequired bool, err error) {
	switch strings.ToLower(policy) {
	case "", "none":
		return ua.SecurityPolicyURIPrefix + "None", false, nil
	case "basic256":
		return ua.SecurityPolicyURIPrefix + "Basic256", true, nil
	case "basic256sha256":
		return ua.SecurityPolicyURIPrefix + "Basic256Sha256", true, nil
	}
	return "", false, status.ParamError("invalid security policy: %s", policy)
}

// NewServer builds an unsecured server listening on the host and port of
// the endpoint URI.
func (s *Stack) NewServer(ep *envelope.EndpointRef) (stack.Server, error) {
	host, port, err := hostPort(ep.URI)
	if err != nil {
		return nil, err
	}
	srv := server.New(
		server.EndPoint(host, port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
	)
	return srv, nil
}

// hostPort splits "opc.tcp://host:port/path". The legacy "opc:tcp" scheme
// spelling is accepted.
func hostPort(uri string) (string, int, error) {
	u, err := url.Parse(strings.Replace(uri, "opc:tcp://", "opc.tcp://", 1))
	if err != nil {
		return "", 0, status.ParamError("invalid endpoint uri %q: %s", uri, err)
	}
	host, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, status.ParamError("endpoint uri %q has no port", uri)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, status.ParamError("invalid port in endpoint uri %q", uri)
	}
	return host, port, nil
}

func (s *Stack) GetEndpoints(ctx context.Context, url string) ([]stack.EndpointDescription, error) {
	eps, err := opcua.GetEndpoints(ctx, url)
	if err != nil {
		return nil, wrapErr(err, "get endpoints of "+url)
	}
	out := make([]stack.EndpointDescription, len(eps))
	for i, e := range eps {
		out[i] = fromEndpoint(e)
	}
	return out, nil
}

func (s *Stack) FindServers(ctx context.Context, url string) ([]stack.ApplicationDescription, error) {
	apps, err := opcua.FindServers(ctx, url)
	if err != nil {
		return nil, wrapErr(err, "find servers at "+url)
	}
	out := make([]stack.ApplicationDescription, len(apps))
	for i, a := range apps {
		out[i] = fromApplication(a)
	}
	return out, nil
}
