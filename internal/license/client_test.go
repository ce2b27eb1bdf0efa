package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geostream/pkg/types"
)

func TestUpdateStatus(t *testing.T) {
	var got types.StatusReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/nodes/node-1/status", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(types.LicenseResponse{PipelineRequests: []types.PipelineRequest{
			{Operation: types.OperationPublish, Parameters: map[string]string{"ProcRef": "roads"}},
		}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second, nil)
	resp, err := c.UpdateStatus(context.Background(), types.StatusReport{
		NodeID:     "node-1",
		ServerType: types.ServerPublisher,
		Operations: []types.OperationStatus{{ID: "op", Status: types.StatusCompleted}},
	})
	require.NoError(t, err)
	require.Len(t, resp.PipelineRequests, 1)
	assert.Equal(t, types.PipelineRef("roads"), resp.PipelineRequests[0].Ref())
	assert.Equal(t, "node-1", got.NodeID)
	require.Len(t, got.Operations, 1)
}

func TestUpdateStatusNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(srv.URL, time.Second, nil).UpdateStatus(context.Background(), types.StatusReport{NodeID: "n"})
	require.NoError(t, err)
	assert.Empty(t, resp.PipelineRequests)
}

func TestGetPipelineDefinition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/pipelines/roads/definition":
			w.Write([]byte(`{"ref":"roads"}`))
		case "/api/v1/pipelines/broken/definition":
			http.Error(w, "boom", http.StatusBadGateway)
		case "/api/v1/pipelines/denied/definition":
			http.Error(w, "no licence", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	ctx := context.Background()

	def, err := c.GetPipelineDefinition(ctx, "roads")
	require.NoError(t, err)
	assert.Equal(t, `{"ref":"roads"}`, def)

	_, err = c.GetPipelineDefinition(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetPipelineDefinition(ctx, "broken")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.GetPipelineDefinition(ctx, "denied")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no licence")
}

func TestRequestHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, time.Minute, nil).UpdateStatus(ctx, types.StatusReport{NodeID: "n"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
