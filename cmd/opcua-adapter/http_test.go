package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearblade/opcua-command-adapter/internal/dispatcher"
	"github.com/clearblade/opcua-command-adapter/internal/stack/stacktest"
)

func TestHealth(t *testing.T) {
	a, err := dispatcher.New(&stacktest.Stack{}, dispatcher.Options{})
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	healthHandler(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, a.ServerState().String(), body.Server)
	assert.Zero(t, body.Continuations)
}
