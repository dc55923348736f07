package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/mcp"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/ratelimit"
	"github.com/ashita-ai/michi/internal/routing"
	"github.com/ashita-ai/michi/internal/server"
	"github.com/ashita-ai/michi/internal/testutil"
)

var (
	testSrv    *httptest.Server
	testRouter *routing.Manager
	echoAgent  = uuid.MustParse("0b6f3a52-8d0e-4c57-9f7a-6a1e8d2c4b10")
	failAgent  = uuid.MustParse("7c2d9e14-3b5a-4f68-8a1c-2e9f0d7b6a35")
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestMain(m *testing.M) {
	logger := testutil.TestLogger()

	agents := execution.AgentFactoryFunc(func(_ context.Context, id uuid.UUID) (execution.Runnable, error) {
		switch id {
		case echoAgent:
			return execution.RunnableFunc(func(_ context.Context, input string, opts execution.RunOptions) (any, error) {
				return map[string]any{"content": "echo: " + input, "metadata": map[string]any{"model": "gpt"}}, nil
			}), nil
		case failAgent:
			return execution.RunnableFunc(func(context.Context, string, execution.RunOptions) (any, error) {
				return nil, errors.New("model overloaded")
			}), nil
		}
		return nil, errors.New("agent not found")
	})
	engine := execution.NewEngine(execution.NewMemoryStore(), logger, execution.WithAgents(agents))

	seed := model.DefaultRoutingConfig()
	seed.ModelList = []model.Deployment{
		{ModelName: "gpt", Params: map[string]any{"id": "d1"}},
		{ModelName: "gpt", Params: map[string]any{"id": "d2"}},
	}
	testRouter = routing.NewManager("http-test", seed, nil, nil, logger)
	if err := testRouter.Initialize(context.Background()); err != nil {
		panic(err)
	}

	mcpSrv := mcp.New(engine, testRouter, logger, "test")
	srv := server.New(server.ServerConfig{
		Executor:            engine,
		Router:              testRouter,
		Logger:              logger,
		DB:                  fakePinger{},
		MCPServer:           mcpSrv.MCPServer(),
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()
	testSrv.Close()
	os.Exit(code)
}

func doRequest(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, bodyReader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeData[T any](t *testing.T, data []byte) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Data
}

func decodeErr(t *testing.T, data []byte) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestHealthEndpoints(t *testing.T) {
	resp, data := doRequest(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, data)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "initialized", health.Router)
	assert.Equal(t, "test", health.Version)

	resp, _ = doRequest(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExecuteAgent(t *testing.T) {
	sessionID := "s-1"
	resp, data := doRequest(t, http.MethodPost, "/v1/execute/agent/"+echoAgent.String(), model.ExecuteRequest{
		Content:   "hello",
		SessionID: &sessionID,
		Metadata:  map[string]any{"channel": "web"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	rec := decodeData[model.ExecutionRecord](t, data)
	assert.Equal(t, model.ExecutionCompleted, rec.Status)
	require.NotNil(t, rec.OutputPayload)
	assert.Equal(t, "echo: hello", *rec.OutputPayload.Content)
	assert.Equal(t, "web", rec.RunMetadata["channel"])
	assert.Equal(t, "gpt", rec.OutputPayload.Metadata["model"])
	assert.Nil(t, rec.ErrorMessage)

	resp, data = doRequest(t, http.MethodGet, "/v1/executions/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[model.ExecutionRecord](t, data)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
}

func TestExecuteFailureStillReturnsRecord(t *testing.T) {
	for _, id := range []uuid.UUID{failAgent, uuid.New()} {
		resp, data := doRequest(t, http.MethodPost, "/v1/execute/agent/"+id.String(), model.ExecuteRequest{Content: "x"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rec := decodeData[model.ExecutionRecord](t, data)
		assert.Equal(t, model.ExecutionFailed, rec.Status)
		require.NotNil(t, rec.ErrorMessage)
		assert.Nil(t, rec.OutputPayload)
	}
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown kind", "/v1/execute/robot/" + echoAgent.String(), model.ExecuteRequest{Content: "x"}, http.StatusNotFound},
		{"bad id", "/v1/execute/agent/not-a-uuid", model.ExecuteRequest{Content: "x"}, http.StatusBadRequest},
		{"empty content", "/v1/execute/agent/" + echoAgent.String(), model.ExecuteRequest{}, http.StatusBadRequest},
		{"unknown field", "/v1/execute/agent/" + echoAgent.String(), map[string]any{"content": "x", "bogus": 1}, http.StatusBadRequest},
		{"bad user id", "/v1/execute/agent/" + echoAgent.String(), map[string]any{"content": "x", "user_id": "nope"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := doRequest(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
		})
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	resp, data := doRequest(t, http.MethodGet, "/v1/executions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErr(t, data).Code)

	resp, _ = doRequest(t, http.MethodGet, "/v1/executions/nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// The router tests share testRouter and run sequentially in file order.
func TestRouterDeploymentLifecycle(t *testing.T) {
	resp, data := doRequest(t, http.MethodPost, "/v1/router/deployments", model.Deployment{
		ModelName: "claude",
		Params:    map[string]any{"id": "c1", "model": "anthropic/claude"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	resp, data = doRequest(t, http.MethodGet, "/v1/router/deployments?model_name=claude", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[struct {
		Deployments []model.Deployment `json:"deployments"`
		Total       int                `json:"total"`
	}](t, data)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "c1", list.Deployments[0].ID())

	resp, _ = doRequest(t, http.MethodDelete, "/v1/router/deployments/claude/c1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = doRequest(t, http.MethodDelete, "/v1/router/deployments/claude/c1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErr(t, data).Code)

	resp, _ = doRequest(t, http.MethodPost, "/v1/router/deployments", model.Deployment{Params: map[string]any{"id": "x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "model_name is required")
}

func TestRouterDeleteEscapedModelName(t *testing.T) {
	resp, _ := doRequest(t, http.MethodPost, "/v1/router/deployments", model.Deployment{
		ModelName: "openai/gpt-4o",
		Params:    map[string]any{"id": "o1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, data := doRequest(t, http.MethodDelete, "/v1/router/deployments/"+url.PathEscape("openai/gpt-4o")+"/o1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(data))
}

func TestRouterConfigReplace(t *testing.T) {
	resp, data := doRequest(t, http.MethodGet, "/v1/router/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decodeData[model.RoutingConfig](t, data)

	cfg.RoutingStrategy = model.StrategyLeastBusy
	cfg.NumRetries = 3
	resp, data = doRequest(t, http.MethodPut, "/v1/router/config", cfg)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, model.StrategyLeastBusy, decodeData[model.RoutingConfig](t, data).RoutingStrategy)

	resp, data = doRequest(t, http.MethodGet, "/v1/router/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.RoutingHealth](t, data)
	assert.Equal(t, model.StrategyLeastBusy, health.RoutingStrategy)
	assert.Equal(t, 3, health.NumRetries)
	assert.True(t, health.Initialized)

	cfg.NumRetries = -1
	resp, data = doRequest(t, http.MethodPut, "/v1/router/config", cfg)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeErr(t, data).Code)
	assert.Equal(t, 3, testRouter.Config().NumRetries, "rejected config is not applied")
}

func TestResponseHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	var env model.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "req-123", env.Meta.RequestID)
}

func TestMCPOverHTTP(t *testing.T) {
	ctx := context.Background()
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "test", Version: "1"}
	info, err := c.Initialize(ctx, initReq)
	require.NoError(t, err)
	assert.Equal(t, "michi", info.ServerInfo.Name)

	callReq := mcplib.CallToolRequest{}
	callReq.Params.Name = "michi_execute"
	callReq.Params.Arguments = map[string]any{"kind": "agent", "id": echoAgent.String(), "input": "over mcp"}
	result, err := c.CallTool(ctx, callReq)
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := mcplib.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, "echo: over mcp")
}

func TestExecuteRateLimitedAndExtensions(t *testing.T) {
	logger := testutil.TestLogger()
	engine := execution.NewEngine(execution.NewMemoryStore(), logger)
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })

	srv := server.New(server.ServerConfig{
		Executor:            engine,
		Router:              testRouter,
		Logger:              logger,
		MaxRequestBodyBytes: 1 << 20,
		RateLimiter:         limiter,
		ExtraRoutes: []func(*http.ServeMux){func(mux *http.ServeMux) {
			mux.HandleFunc("GET /v1/extra", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}},
		Middlewares: []func(http.Handler) http.Handler{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("X-Outer", "1")
					next.ServeHTTP(w, r)
				})
			},
		},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	post := func() *http.Response {
		resp, err := http.Post(ts.URL+"/v1/execute/agent/"+echoAgent.String(), "application/json",
			bytes.NewReader([]byte(`{"content":"hi"}`)))
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp
	}
	assert.Equal(t, http.StatusOK, post().StatusCode, "no factory still yields a failed record")
	limited := post()
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.Equal(t, "1", limited.Header.Get("X-Outer"))

	resp, err := http.Get(ts.URL + "/v1/extra")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is never rate limited")
}
