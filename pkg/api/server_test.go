package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkrx/tbot/pkg/config"
	"github.com/zkrx/tbot/pkg/engine"
	"github.com/zkrx/tbot/pkg/testcase"
)

func newServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := testcase.NewRegistry()
	reg.Register(testcase.Info{Name: "hello", Description: "Say hello", Params: []string{"name"}},
		func(_ *testcase.Context, p testcase.Params) (any, error) {
			return "hello " + p.String("name", "world"), nil
		})
	reg.Register(testcase.Info{Name: "block"}, func(tc *testcase.Context, _ testcase.Params) (any, error) {
		<-tc.Done()
		return nil, tc.Err()
	})

	cfg, err := config.FromMap(map[string]any{
		"boards": map[string]any{"bbb": map[string]any{"console": "cat"}},
	})
	require.NoError(t, err)

	metrics := prometheus.NewRegistry()
	eng := engine.New(cfg, nil, reg, engine.WithRegisterer(metrics))
	t.Cleanup(eng.Close)
	return NewServer(eng, WithGatherer(metrics)), eng
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func waitDone(t *testing.T, eng *engine.Engine, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := eng.Wait(ctx, id)
	require.NoError(t, err)
}

func TestHealthAndTestcases(t *testing.T) {
	s, _ := newServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	w = do(t, s, http.MethodGet, "/api/v1/testcases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Testcases []struct {
			Name   string   `json:"name"`
			Params []string `json:"params"`
		} `json:"testcases"`
		Total int `json:"total"`
	}](t, w)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "block", body.Testcases[0].Name)
	assert.Equal(t, []string{"name"}, body.Testcases[1].Params)
}

func TestExecutionLifecycle(t *testing.T) {
	s, eng := newServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/executions", map[string]any{
		"testcase": "hello",
		"params":   map[string]any{"name": "tbot"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	started := decode[engine.Execution](t, w)
	waitDone(t, eng, started.ID)

	w = do(t, s, http.MethodGet, "/api/v1/executions/"+started.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ex := decode[engine.Execution](t, w)
	assert.Equal(t, engine.StatusCompleted, ex.Status)
	assert.Equal(t, "hello tbot", ex.Result)

	w = do(t, s, http.MethodGet, "/api/v1/executions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["total"])

	w = do(t, s, http.MethodDelete, "/api/v1/executions/"+started.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/cleanup", map[string]any{"max_age_minutes": 60})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, w)["cleaned"])

	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tbot_testcase_runs_total{status="completed",testcase="hello"} 1`)
}

func TestCancelAndConflicts(t *testing.T) {
	s, eng := newServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/executions", map[string]any{"testcase": "block", "board": "bbb"})
	require.Equal(t, http.StatusAccepted, w.Code)
	blocked := decode[engine.Execution](t, w)

	w = do(t, s, http.MethodPost, "/api/v1/executions", map[string]any{"testcase": "hello", "board": "bbb"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/executions/"+blocked.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	waitDone(t, eng, blocked.ID)

	ex, err := eng.Get(blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, ex.Status)
}

func TestBadRequests(t *testing.T) {
	s, _ := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"missing testcase", http.MethodPost, "/api/v1/executions", map[string]any{"board": "bbb"}, http.StatusBadRequest},
		{"unknown testcase", http.MethodPost, "/api/v1/executions", map[string]any{"testcase": "nope"}, http.StatusNotFound},
		{"unknown board", http.MethodPost, "/api/v1/executions", map[string]any{"testcase": "hello", "board": "rpi"}, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/v1/executions?limit=x", nil, http.StatusBadRequest},
		{"unknown execution", http.MethodGet, "/api/v1/executions/nope", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodDelete, "/api/v1/executions/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.True(t, strings.Contains(w.Body.String(), "error"))
		})
	}
}
