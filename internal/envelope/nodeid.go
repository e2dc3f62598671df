package envelope

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// IDType selects which identifier of a NodeID is populated.
type IDType uint8

const (
	IDNumeric IDType = iota
	IDString
	IDGUID
	IDOpaque
)

// NodeID identifies an address-space node. The namespace index is always
// present and exactly one identifier is populated, selected by Type.
type NodeID struct {
	Namespace uint16
	Type      IDType
	Numeric   uint32
	Str       string
	GUID      uuid.UUID
	Opaque    []byte
}

func NewNumericNodeID(ns uint16, id uint32) *NodeID {
	return &NodeID{Namespace: ns, Type: IDNumeric, Numeric: id}
}

func NewStringNodeID(ns uint16, id string) *NodeID {
	return &NodeID{Namespace: ns, Type: IDString, Str: id}
}

func NewGUIDNodeID(ns uint16, id uuid.UUID) *NodeID {
	return &NodeID{Namespace: ns, Type: IDGUID, GUID: id}
}

func NewOpaqueNodeID(ns uint16, id []byte) *NodeID {
	return &NodeID{Namespace: ns, Type: IDOpaque, Opaque: append([]byte(nil), id...)}
}

// String renders the node id in the standard "ns=<n>;<k>=<id>" form,
// omitting the namespace when it is 0.
func (n *NodeID) String() string {
	if n == nil {
		return ""
	}
	var id string
	switch n.Type {
	case IDNumeric:
		id = "i=" + strconv.FormatUint(uint64(n.Numeric), 10)
	case IDString:
		id = "s=" + n.Str
	case IDGUID:
		id = "g=" + strings.ToUpper(n.GUID.String())
	case IDOpaque:
		id = "b=" + base64.StdEncoding.EncodeToString(n.Opaque)
	}
	if n.Namespace == 0 {
		return id
	}
	return "ns=" + strconv.Itoa(int(n.Namespace)) + ";" + id
}

// Equal reports whether both ids name the same node.
func (n *NodeID) Equal(o *NodeID) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.String() == o.String()
}

func (n *NodeID) Clone() *NodeID {
	if n == nil {
		return nil
	}
	c := *n
	c.Opaque = append([]byte(nil), n.Opaque...)
	return &c
}

func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeID) UnmarshalText(b []byte) error {
	id, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*n = *id
	return nil
}

// ParseNodeID parses either the standard text form ("i=85",
// "ns=2;s=Demo.Static") or the legacy braced form "{2;S;v=12}String1",
// where the letter selects the identifier type and v= names the value type.
func ParseNodeID(s string) (*NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty node id")
	}
	if strings.HasPrefix(s, "{") {
		id, _, err := parseBraced(s)
		return id, err
	}

	var ns uint16
	if strings.HasPrefix(s, "ns=") {
		idx := strings.IndexByte(s, ';')
		if idx < 0 {
			return nil, errors.Errorf("invalid node id %q: missing identifier", s)
		}
		v, err := strconv.ParseUint(s[3:idx], 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid namespace in node id %q", s)
		}
		ns = uint16(v)
		s = s[idx+1:]
	}
	if len(s) < 2 || s[1] != '=' {
		return nil, errors.Errorf("invalid node id identifier %q", s)
	}
	return buildNodeID(ns, s[0], s[2:])
}

// ParseNodeRef is ParseNodeID for the braced form that also returns the
// value type hint. For the standard form the hint is 0.
func ParseNodeRef(s string) (*NodeID, ValueType, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return parseBraced(s)
	}
	id, err := ParseNodeID(s)
	return id, 0, err
}

func parseBraced(s string) (*NodeID, ValueType, error) {
	end := strings.IndexByte(s, '}')
	if end < 0 {
		return nil, 0, errors.Errorf("invalid node id %q: unterminated brace", s)
	}
	parts := strings.Split(s[1:end], ";")
	if len(parts) < 2 {
		return nil, 0, errors.Errorf("invalid node id %q: want {ns;type[;v=n]}id", s)
	}
	ns, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "invalid namespace in node id %q", s)
	}
	if len(parts[1]) != 1 {
		return nil, 0, errors.Errorf("invalid identifier type %q in node id %q", parts[1], s)
	}
	var vt ValueType
	for _, p := range parts[2:] {
		if strings.HasPrefix(p, "v=") {
			n, err := strconv.ParseUint(p[2:], 10, 8)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "invalid value type in node id %q", s)
			}
			vt = ValueType(n)
		}
	}
	id, err := buildNodeID(uint16(ns), strings.ToLower(parts[1])[0], s[end+1:])
	return id, vt, err
}

func buildNodeID(ns uint16, kind byte, v string) (*NodeID, error) {
	switch kind {
	case 'i':
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid numeric identifier %q", v)
		}
		return NewNumericNodeID(ns, uint32(n)), nil
	case 's':
		if v == "" {
			return nil, errors.New("empty string identifier")
		}
		return NewStringNodeID(ns, v), nil
	case 'g':
		g, err := uuid.Parse(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid guid identifier %q", v)
		}
		return NewGUIDNodeID(ns, g), nil
	case 'b':
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid opaque identifier %q", v)
		}
		return NewOpaqueNodeID(ns, b), nil
	}
	return nil, fmt.Errorf("unknown identifier type %q", string(kind))
}

// NodeInfo wraps a NodeID and an optional browse path used to resolve the id
// when it is not already known. A NodeInfo is owned by the Request carrying it.
type NodeInfo struct {
	NodeID     *NodeID `json:"node_id,omitempty"`
	BrowsePath string  `json:"browse_path,omitempty"`
}

// Resolvable reports whether the info names a node directly or by path.
func (ni *NodeInfo) Resolvable() bool {
	return ni != nil && (ni.NodeID != nil || ni.BrowsePath != "")
}

func (ni *NodeInfo) String() string {
	switch {
	case ni == nil:
		return "<nil>"
	case ni.NodeID != nil:
		return ni.NodeID.String()
	default:
		return ni.BrowsePath
	}
}

func (ni *NodeInfo) Clone() *NodeInfo {
	if ni == nil {
		return nil
	}
	return &NodeInfo{NodeID: ni.NodeID.Clone(), BrowsePath: ni.BrowsePath}
}
