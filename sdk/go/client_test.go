package proxim8sdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeploySendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/deployments", r.URL.Path)
		var body map[string]string
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		assert.Equal(t, "training-001", body["mission_id"])
		assert.Equal(t, "high", body["approach"])
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"d1","mission_id":"training-001","status":"active","compatibility":{"overall":0.8}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	d, err := c.Deploy(context.Background(), "a1", "u1", "training-001", "high")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, "active", d.Status)
	assert.InDelta(t, 0.8, d.Compatibility.Overall, 1e-9)
}

func TestCompleteReportsApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/deployments/d1/complete", r.URL.Path)
		io.WriteString(w, `{"applied":false,"deployment":{"id":"d1","status":"completed","result":{"overall_success":true,"success_count":4}}}`)
	}))
	defer srv.Close()

	d, applied, err := New(srv.URL).Complete(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, applied)
	require.NotNil(t, d.Result)
	assert.Equal(t, 4, d.Result.SuccessCount)
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"conflict","message":"unit already deployed"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Deploy(context.Background(), "a1", "u1", "training-001", "low")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unit already deployed", apiErr.Message)
}

func TestDeploymentsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/agents/a%201/deployments", r.URL.EscapedPath())
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		io.WriteString(w, `[{"id":"d1"},{"id":"d2"}]`)
	}))
	defer srv.Close()

	items, err := New(srv.URL).Deployments(context.Background(), "a 1", "active", 5)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
