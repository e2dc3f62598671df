package envelope

import (
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

// Validate checks that the envelope is well formed and that its command
// agrees with the populated payload. Failures are ParamInvalid errors.
func (m *Message) Validate() error {
	if m == nil {
		return status.ParamError("nil message")
	}
	if _, ok := commandNames[m.Command]; !ok {
		return status.ParamError("unknown command %d", m.Command)
	}
	if m.Endpoint == nil || m.Endpoint.URI == "" {
		return status.ParamError("%s: missing endpoint", m.Command)
	}
	if m.Command.Lifecycle() {
		return nil
	}

	switch m.Type {
	case SendRequest:
		if m.Request == nil {
			return status.ParamError("%s: SEND_REQUEST without request", m.Command)
		}
	case SendRequests:
		if len(m.Requests) == 0 {
			return status.ParamError("%s: SEND_REQUESTS without requests", m.Command)
		}
	default:
		return status.ParamError("%s: message type %s is not a request", m.Command, m.Type)
	}

	if (m.Command == CmdBrowse || m.Command == CmdBrowseViews) && m.BrowseParam == nil {
		return status.ParamError("%s: missing browse parameters", m.Command)
	}

	for i, req := range m.RequestList() {
		if err := validateRequest(m.Command, req); err != nil {
			return status.ParamError("%s: request %d: %s", m.Command, i, err.(*status.Error).Msg)
		}
	}
	return nil
}

func validateRequest(cmd Command, req *Request) error {
	if req == nil {
		return status.ParamError("nil request")
	}
	if cmd == CmdBrowseViews && req.NodeInfo == nil {
		return nil
	}
	if !req.NodeInfo.Resolvable() {
		return status.ParamError("node info does not name a node")
	}
	switch cmd {
	case CmdWrite:
		if req.Value == nil {
			return status.ParamError("write of %s without value", req.NodeInfo)
		}
	case CmdMethod:
		if req.Method == nil || req.Method.ObjectID == nil {
			return status.ParamError("method %s without object id", req.NodeInfo)
		}
		for i, arg := range req.Method.InputArguments {
			if arg == nil || !arg.Type().Valid() {
				return status.ParamError("method %s argument %d is untyped", req.NodeInfo, i)
			}
		}
	case CmdSub:
		if req.Subscription == nil {
			return status.ParamError("subscription request for %s without parameters", req.NodeInfo)
		}
		switch req.Subscription.Type {
		case SubCreate, SubModify, SubDelete, SubRepublish:
		default:
			return status.ParamError("unknown subscription request type %q", req.Subscription.Type)
		}
	}
	return nil
}
