package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearblade/opcua-command-adapter/internal/status"
)

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		in   string
		want *NodeID
	}{
		{"i=85", NewNumericNodeID(0, 85)},
		{"ns=2;s=Demo.Static.Scalar", NewStringNodeID(2, "Demo.Static.Scalar")},
		{"ns=1;g=5CE9DBCE-5D79-434C-9AC3-1CFBA9A6E92C", NewGUIDNodeID(1, uuid.MustParse("5ce9dbce-5d79-434c-9ac3-1cfba9a6e92c"))},
		{"ns=3;b=AQID", NewOpaqueNodeID(3, []byte{1, 2, 3})},
		{"{2;S;v=12}String1", NewStringNodeID(2, "String1")},
		{"{2;I}1001", NewNumericNodeID(2, 1001)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNodeID(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}

	for _, bad := range []string{"", "ns=x;i=1", "ns=2", "q=1", "i=abc", "{2;S", "{a;S}x", "s="} {
		_, err := ParseNodeID(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseNodeRefValueHint(t *testing.T) {
	id, vt, err := ParseNodeRef("{2;S;v=11}Double1")
	require.NoError(t, err)
	assert.Equal(t, "ns=2;s=Double1", id.String())
	assert.Equal(t, Double, vt)

	_, vt, err = ParseNodeRef("ns=2;s=Double1")
	require.NoError(t, err)
	assert.Equal(t, Untyped, vt)
}

func TestNodeIDJSON(t *testing.T) {
	b, err := json.Marshal(NodeInfo{NodeID: NewStringNodeID(2, "String1")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"node_id":"ns=2;s=String1"}`, string(b))

	var ni NodeInfo
	require.NoError(t, json.Unmarshal([]byte(`{"node_id":"{2;S;v=12}String2"}`), &ni))
	assert.Equal(t, "ns=2;s=String2", ni.NodeID.String())
}

func TestNewVariant(t *testing.T) {
	v, err := NewVariant(3.5)
	require.NoError(t, err)
	assert.Equal(t, Double, v.Type())
	assert.False(t, v.IsArray())

	v, err = NewVariant([]int32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, Int32, v.Type())
	assert.Equal(t, Array, v.Shape())
	assert.Equal(t, 3, v.Len())

	v, err = NewVariant([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, ByteString, v.Type())
	assert.Equal(t, Scalar, v.Shape())

	v, err = NewTypedVariant(Byte, Array, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, Byte, v.Type())
	assert.Equal(t, 2, v.Len())

	_, err = NewTypedVariant(Int16, Scalar, int32(1))
	assert.Error(t, err)

	_, err = NewVariant(struct{}{})
	assert.Error(t, err)
}

func TestVariantJSON(t *testing.T) {
	in := MustVariant([]int32{7, 8})
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Int32","shape":"array","value":[7,8]}`, string(b))

	var out Variant
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, []int32{7, 8}, out.Value())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"double","value":2.25}`), &out))
	assert.Equal(t, 2.25, out.Value())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"DateTime","value":"2021-03-04T05:06:07Z"}`), &out))
	assert.Equal(t, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC), out.Value())

	assert.Error(t, json.Unmarshal([]byte(`{"type":"Int16","value":"x"}`), &out))
}

func TestVariantConvert(t *testing.T) {
	var v Variant
	require.NoError(t, json.Unmarshal([]byte(`{"value":42}`), &v))
	assert.Equal(t, Untyped, v.Type())

	got, err := v.Convert(UInt16)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), got.Value())

	got, err = v.Convert(Float)
	require.NoError(t, err)
	assert.Equal(t, float32(42), got.Value())

	_, err = v.Convert(String)
	assert.Error(t, err)

	_, err = NewUntypedVariant(float64(-1)).Convert(UInt32)
	assert.Error(t, err)

	_, err = NewUntypedVariant(float64(300)).Convert(Byte)
	assert.Error(t, err)

	_, err = NewUntypedVariant(1.5).Convert(Int32)
	assert.Error(t, err)

	arr, err := NewUntypedVariant([]interface{}{1.0, 2.0}).Convert(Int64)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, arr.Value())

	typed := MustVariant(int32(1))
	same, err := typed.Convert(Int32)
	require.NoError(t, err)
	assert.Same(t, typed, same)
	_, err = typed.Convert(Int64)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ep := &EndpointRef{URI: "opc.tcp://localhost:12686/edge-opc-server"}
	node := &NodeInfo{NodeID: NewStringNodeID(2, "String1")}

	tests := []struct {
		name string
		msg  *Message
		ok   bool
	}{
		{"nil", nil, false},
		{"missing endpoint", &Message{Command: CmdRead, Type: SendRequest, Request: &Request{NodeInfo: node}}, false},
		{"read", &Message{Command: CmdRead, Type: SendRequest, Endpoint: ep, Request: &Request{NodeInfo: node}}, true},
		{"read without request", &Message{Command: CmdRead, Type: SendRequest, Endpoint: ep}, false},
		{"batched read", &Message{Command: CmdRead, Type: SendRequests, Endpoint: ep, Requests: []*Request{{NodeInfo: node}, {NodeInfo: node}}}, true},
		{"unresolvable node", &Message{Command: CmdRead, Type: SendRequest, Endpoint: ep, Request: &Request{NodeInfo: &NodeInfo{}}}, false},
		{"write without value", &Message{Command: CmdWrite, Type: SendRequest, Endpoint: ep, Request: &Request{NodeInfo: node}}, false},
		{"browse without param", &Message{Command: CmdBrowse, Type: SendRequest, Endpoint: ep, Request: &Request{NodeInfo: node}}, false},
		{"browse", &Message{Command: CmdBrowse, Type: SendRequest, Endpoint: ep, BrowseParam: &BrowseParam{}, Request: &Request{NodeInfo: node}}, true},
		{"method without object", &Message{Command: CmdMethod, Type: SendRequest, Endpoint: ep, Request: &Request{NodeInfo: node, Method: &MethodRequest{}}}, false},
		{"method untyped arg", &Message{Command: CmdMethod, Type: SendRequest, Endpoint: ep, Request: &Request{NodeInfo: node, Method: &MethodRequest{ObjectID: NewNumericNodeID(0, 85), InputArguments: []*Variant{NewUntypedVariant(1.0)}}}}, false},
		{"sub bad type", &Message{Command: CmdSub, Type: SendRequest, Endpoint: ep, Request: &Request{NodeInfo: node, Subscription: &SubscriptionRequest{Type: "pause"}}}, false},
		{"start server", &Message{Command: CmdStartServer, Endpoint: ep}, true},
		{"start server nil endpoint", &Message{Command: CmdStartServer}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, status.KindParamInvalid, status.KindOf(err))
		})
	}
}

func TestRequestList(t *testing.T) {
	a := &Request{NodeInfo: &NodeInfo{BrowsePath: "A"}}
	b := &Request{NodeInfo: &NodeInfo{BrowsePath: "B"}}

	m := &Message{Type: SendRequest, Request: a, Requests: []*Request{b}}
	assert.Equal(t, []*Request{a}, m.RequestList())

	m.Type = SendRequests
	assert.Equal(t, []*Request{b}, m.RequestList())
}

func TestCommandJSON(t *testing.T) {
	b, err := json.Marshal(&Message{Command: CmdSub, Type: Report})
	require.NoError(t, err)

	var m Message
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, CmdSub, m.Command)
	assert.Equal(t, Report, m.Type)
}
