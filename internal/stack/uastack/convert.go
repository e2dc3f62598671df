package uastack

import (
	"strings"

	"github.com/google/uuid"
	"github.com/gopcua/opcua/ua"
	"github.com/pkg/errors"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
)

func toUANodeID(n *envelope.NodeID) *ua.NodeID {
	switch n.Type {
	case envelope.IDString:
		return ua.NewStringNodeID(n.Namespace, n.Str)
	case envelope.IDGUID:
		return ua.NewGUIDNodeID(n.Namespace, strings.ToUpper(n.GUID.String()))
	case envelope.IDOpaque:
		return ua.NewByteStringNodeID(n.Namespace, n.Opaque)
	}
	return ua.NewNumericNodeID(n.Namespace, n.Numeric)
}

func fromUANodeID(id *ua.NodeID) *envelope.NodeID {
	if id == nil {
		return nil
	}
	n, err := envelope.ParseNodeID(id.String())
	if err != nil {
		return envelope.NewStringNodeID(id.Namespace(), id.String())
	}
	return n
}

// toUAVariant maps a typed variant onto the stack's variant. Guid values
// become *ua.GUID; everything else is already a type the stack encodes.
func toUAVariant(v *envelope.Variant) (*ua.Variant, error) {
	if !v.Type().Valid() {
		return nil, errors.New("untyped value")
	}
	val := v.Value()
	switch v.Type() {
	case envelope.Guid:
		if v.IsArray() {
			ids := val.([]uuid.UUID)
			out := make([]*ua.GUID, len(ids))
			for i, g := range ids {
				out[i] = ua.NewGUID(g.String())
			}
			val = out
		} else {
			val = ua.NewGUID(val.(uuid.UUID).String())
		}
	case envelope.Byte:
		if v.IsArray() {
			return nil, errors.New("Byte arrays are encoded as ByteString by the stack; send a ByteString instead")
		}
	}
	return ua.NewVariant(val)
}

// fromUAVariant maps a stack variant onto a typed variant. Text-like
// structured values (localized text, qualified names, node ids) are
// reported as strings.
func fromUAVariant(v *ua.Variant) (*envelope.Variant, error) {
	if v == nil || v.Value() == nil {
		return nil, errors.New("empty value")
	}
	switch x := v.Value().(type) {
	case *ua.GUID:
		g, err := uuid.Parse(x.String())
		if err != nil {
			return nil, errors.Wrap(err, "guid value")
		}
		return envelope.NewVariant(g)
	case []*ua.GUID:
		out := make([]uuid.UUID, len(x))
		for i, e := range x {
			g, err := uuid.Parse(e.String())
			if err != nil {
				return nil, errors.Wrapf(err, "guid element %d", i)
			}
			out[i] = g
		}
		return envelope.NewVariant(out)
	case *ua.LocalizedText:
		return envelope.NewVariant(x.Text)
	case *ua.QualifiedName:
		return envelope.NewVariant(x.Name)
	case *ua.NodeID:
		return envelope.NewVariant(x.String())
	case *ua.ExpandedNodeID:
		return envelope.NewVariant(x.NodeID.String())
	case ua.StatusCode:
		return envelope.NewVariant(uint32(x))
	}
	out, err := envelope.NewVariant(v.Value())
	if err != nil {
		return nil, errors.Wrapf(err, "stack type %s", v.Type())
	}
	return out, nil
}

func statusErr(code ua.StatusCode) error {
	if code == ua.StatusOK {
		return nil
	}
	return &stack.StatusError{Code: uint32(code), Name: code.Error()}
}

// wrapErr converts stack status failures into *stack.StatusError so the
// numeric code survives to the caller.
func wrapErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var code ua.StatusCode
	if errors.As(err, &code) {
		return errors.Wrap(statusErr(code), msg)
	}
	return errors.Wrap(err, msg)
}

func toBrowseDirection(d envelope.BrowseDirection) ua.BrowseDirection {
	switch d {
	case envelope.BrowseInverse:
		return ua.BrowseDirectionInverse
	case envelope.BrowseBoth:
		return ua.BrowseDirectionBoth
	}
	return ua.BrowseDirectionForward
}

func fromReference(r *ua.ReferenceDescription) envelope.Reference {
	ref := envelope.Reference{
		ReferenceType: fromUANodeID(r.ReferenceTypeID),
		NodeClass:     strings.TrimPrefix(r.NodeClass.String(), "NodeClass"),
		IsForward:     r.IsForward,
	}
	if r.NodeID != nil {
		ref.NodeID = fromUANodeID(r.NodeID.NodeID)
	}
	if r.BrowseName != nil {
		ref.BrowseName = r.BrowseName.Name
	}
	if r.DisplayName != nil {
		ref.DisplayName = r.DisplayName.Text
	}
	return ref
}

func appType(t ua.ApplicationType) stack.ApplicationType {
	switch t {
	case ua.ApplicationTypeClient:
		return stack.AppClient
	case ua.ApplicationTypeClientAndServer:
		return stack.AppClientAndServer
	case ua.ApplicationTypeDiscoveryServer:
		return stack.AppDiscoveryServer
	}
	return stack.AppServer
}

func fromEndpoint(e *ua.EndpointDescription) stack.EndpointDescription {
	d := stack.EndpointDescription{
		URL:            e.EndpointURL,
		SecurityMode:   strings.TrimPrefix(e.SecurityMode.String(), "MessageSecurityMode"),
		SecurityPolicy: strings.TrimPrefix(e.SecurityPolicyURI, ua.SecurityPolicyURIPrefix),
		SecurityLevel:  e.SecurityLevel,
	}
	for _, tok := range e.UserIdentityTokens {
		d.UserTokenTypes = append(d.UserTokenTypes, strings.TrimPrefix(tok.TokenType.String(), "UserTokenType"))
	}
	if e.Server != nil {
		d.ApplicationURI = e.Server.ApplicationURI
		if e.Server.ApplicationName != nil {
			d.ApplicationName = e.Server.ApplicationName.Text
		}
	}
	return d
}

func fromApplication(a *ua.ApplicationDescription) stack.ApplicationDescription {
	d := stack.ApplicationDescription{
		ApplicationURI: a.ApplicationURI,
		ProductURI:     a.ProductURI,
		Type:           appType(a.ApplicationType),
		DiscoveryURLs:  a.DiscoveryURLs,
	}
	if a.ApplicationName != nil {
		d.ApplicationName = a.ApplicationName.Text
	}
	return d
}
