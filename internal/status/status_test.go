package status

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stackErr uint32

func (e stackErr) Error() string        { return "BadNodeIdUnknown" }
func (e stackErr) StackStatus() uint32 { return uint32(e) }

func TestResultErr(t *testing.T) {
	assert.NoError(t, Success().Err())

	err := Invalid("missing endpoint").Err()
	require.Error(t, err)
	assert.Equal(t, KindParamInvalid, KindOf(err))
	assert.Contains(t, err.Error(), "STATUS_PARAM_INVALID")
}

func TestFromError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.True(t, FromError(nil).IsOK())
	})

	t.Run("wrapped status error keeps code", func(t *testing.T) {
		err := errors.Wrap(StateError("no subscription for ns=2;s=A"), "modify")
		r := FromError(err)
		assert.Equal(t, StateInvalid, r.Code)
		assert.Contains(t, r.Message, "modify")
	})

	t.Run("deadline becomes timeout", func(t *testing.T) {
		r := FromError(errors.Wrap(context.DeadlineExceeded, "read"))
		assert.Equal(t, Timeout, r.Code)
	})

	t.Run("stack status is carried", func(t *testing.T) {
		r := FromError(errors.Wrap(stackErr(0x80340000), "write"))
		assert.Equal(t, StackError, r.Code)
		assert.Equal(t, uint32(0x80340000), r.StackStatus)
		assert.Equal(t, KindProtocol, KindOf(stackErr(1)))
	})
}

func TestCodeJSON(t *testing.T) {
	b, err := json.Marshal(Result{Code: ServerStarted})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"STATUS_SERVER_STARTED"}`, string(b))

	var r Result
	require.NoError(t, json.Unmarshal([]byte(`{"code":"STATUS_STOP_CLIENT","message":"bye"}`), &r))
	assert.Equal(t, StopClient, r.Code)
	assert.Equal(t, "STATUS_STOP_CLIENT: bye", r.String())

	assert.Error(t, json.Unmarshal([]byte(`{"code":"NOPE"}`), &r))
}
