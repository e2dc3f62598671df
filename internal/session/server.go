package session

import (
	"context"
	"log"
	"sync"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// ServerState is the lifecycle state of the server role.
type ServerState uint8

const (
	Stopped ServerState = iota
	Starting
	Running
	Stopping
)

func (s ServerState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "stopped"
}

// Server runs at most one server role instance.
type Server struct {
	stack  stack.Stack
	notify Notifier

	mu       sync.Mutex
	state    ServerState
	endpoint *envelope.EndpointRef
	srv      stack.Server
}

func NewServer(s stack.Stack, n Notifier) *Server {
	return &Server{stack: s, notify: n}
}

// State reports the server lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start creates and starts a server on ep. A nil endpoint fails without any
// state change.
func (s *Server) Start(ctx context.Context, ep *envelope.EndpointRef) error {
	if ep == nil || ep.URI == "" {
		return status.ParamError("server endpoint is required")
	}

	s.mu.Lock()
	if s.state != Stopped {
		st := s.state
		s.mu.Unlock()
		return status.StateError("server is %s", st)
	}
	s.state = Starting
	s.mu.Unlock()

	srv, err := s.stack.NewServer(ep)
	if err == nil {
		err = srv.Start(ctx)
	}
	if err != nil {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		log.Printf("[ERROR] Start - Failed to start server on %s: %s\n", ep.URI, err)
		return err
	}

	s.mu.Lock()
	s.state = Running
	s.endpoint = ep
	s.srv = srv
	s.mu.Unlock()

	log.Printf("[INFO] Start - Server listening on %s\n", ep.URI)
	s.notify.Status(ep, status.ServerStarted)
	return nil
}

// Stop closes a running server. Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil
	}
	s.state = Stopping
	srv, ep := s.srv, s.endpoint
	s.mu.Unlock()

	err := srv.Close()
	if err != nil {
		log.Printf("[WARN] Stop - Closing server on %s: %s\n", ep.URI, err)
	}

	s.mu.Lock()
	s.state = Stopped
	s.srv = nil
	s.endpoint = nil
	s.mu.Unlock()

	log.Printf("[INFO] Stop - Server on %s stopped\n", ep.URI)
	s.notify.Status(ep, status.StopServer)
	return err
}
