package uastack

import (
	"testing"

	"github.com/google/uuid"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/stack"
	"github.com/clearblade/opcua-command-adapter/internal/status"
)

func TestNodeIDRoundTrip(t *testing.T) {
	ids := []*envelope.NodeID{
		envelope.NewNumericNodeID(0, 85),
		envelope.NewNumericNodeID(2, 70000),
		envelope.NewStringNodeID(2, "String1"),
		envelope.NewGUIDNodeID(1, uuid.MustParse("5ce9dbce-5d79-434c-9ac3-1cfba9a6e92c")),
		envelope.NewOpaqueNodeID(3, []byte{0xde, 0xad}),
	}
	for _, id := range ids {
		t.Run(id.String(), func(t *testing.T) {
			back := fromUANodeID(toUANodeID(id))
			assert.True(t, id.Equal(back), "got %s", back)
		})
	}
	assert.Nil(t, fromUANodeID(nil))
}

func TestVariantRoundTrip(t *testing.T) {
	values := []interface{}{
		true,
		int16(-3),
		uint32(7),
		2.5,
		"hello",
		[]int32{1, 2, 3},
		[]float64{1.5, 2.5},
		uuid.MustParse("5ce9dbce-5d79-434c-9ac3-1cfba9a6e92c"),
	}
	for _, v := range values {
		in := envelope.MustVariant(v)
		uv, err := toUAVariant(in)
		require.NoError(t, err, "%T", v)

		out, err := fromUAVariant(uv)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, in.Type(), out.Type())
		assert.Equal(t, in.Shape(), out.Shape())
		assert.Equal(t, v, out.Value())
	}
}

func TestToUAVariantRejects(t *testing.T) {
	_, err := toUAVariant(envelope.NewUntypedVariant(1.0))
	assert.Error(t, err)

	bytes, err := envelope.NewTypedVariant(envelope.Byte, envelope.Array, []byte{1})
	require.NoError(t, err)
	_, err = toUAVariant(bytes)
	assert.Error(t, err)
}

func TestFromUAVariantText(t *testing.T) {
	v, err := fromUAVariant(ua.MustVariant(&ua.LocalizedText{Text: "Pump"}))
	require.NoError(t, err)
	assert.Equal(t, "Pump", v.Value())

	_, err = fromUAVariant(nil)
	assert.Error(t, err)
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, statusErr(ua.StatusOK))

	err := statusErr(ua.StatusBadNodeIDUnknown)
	require.Error(t, err)
	var se *stack.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(ua.StatusBadNodeIDUnknown), se.Code)

	r := status.FromError(wrapErr(ua.StatusBadTimeout, "read"))
	assert.Equal(t, status.StackError, r.Code)
	assert.Equal(t, uint32(ua.StatusBadTimeout), r.StackStatus)
}

func TestHostPort(t *testing.T) {
	host, port, err := hostPort("opc.tcp://localhost:12686/edge-opc-server")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 12686, port)

	host, port, err = hostPort("opc:tcp://localhost:12686/edge-opc-server")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 12686, port)

	_, _, err = hostPort("opc.tcp://localhost/edge")
	assert.Error(t, err)
}

func TestSecuritySettings(t *testing.T) {
	uri, certs, err := securityPolicy("Basic256Sha256")
	require.NoError(t, err)
	assert.True(t, certs)
	assert.Equal(t, ua.SecurityPolicyURIPrefix+"Basic256Sha256", uri)

	_, _, err = securityPolicy("aes")
	assert.Equal(t, status.KindParamInvalid, status.KindOf(err))

	mode, err := securityMode("SignAndEncrypt")
	require.NoError(t, err)
	assert.Equal(t, ua.MessageSecurityModeSignAndEncrypt, mode)

	tok, _, err := authOption(envelope.EndpointConfig{AuthType: "UserName", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, ua.UserTokenTypeUserName, tok)

	_, _, err = authOption(envelope.EndpointConfig{AuthType: "certificate"})
	assert.Error(t, err)
}
