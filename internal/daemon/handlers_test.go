package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/contextmgr"
	"conductor/internal/events"
	"conductor/internal/fleet"
	"conductor/internal/history"
	"conductor/internal/llm"
	"conductor/internal/orchestrator"
	"conductor/internal/quota"
	"conductor/internal/requests"
	"conductor/internal/sessions"
)

type echoLLM struct{}

func (echoLLM) Chat(_ context.Context, msgs []llm.Message, _ llm.ChatOptions) (string, *llm.Usage, error) {
	return "echo: " + msgs[len(msgs)-1].Flatten(), &llm.Usage{TotalTokens: 7}, nil
}

func (echoLLM) ChatStream(_ context.Context, msgs []llm.Message, _ llm.ChatOptions, h llm.StreamHandler) error {
	h.OnDelta("echo: " + msgs[len(msgs)-1].Flatten())
	return nil
}

func newTestApp(t *testing.T) *app {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	hist, err := history.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	client := echoLLM{}
	tracker := requests.New(0)
	t.Cleanup(tracker.Close)

	mgr := fleet.NewManager(fleet.Options{
		Bus:       bus,
		Quota:     quota.New(quota.Config{}),
		Tracker:   tracker,
		LLMClient: func() llm.Client { return client },
	})
	t.Cleanup(mgr.Stop)

	sess := sessions.New(hist)
	cm := contextmgr.New(config.ContextConfig{}, hist, client, "")

	a := &app{
		cfg:      &config.Config{},
		bus:      bus,
		hist:     hist,
		quota:    quota.New(quota.Config{}),
		tracker:  tracker,
		fleet:    mgr,
		sessions: sess,
		contexts: cm,
		orch: orchestrator.New(orchestrator.Options{
			Sessions: sess,
			History:  hist,
			Contexts: cm,
			Fleet:    mgr,
			Bus:      bus,
			Strategy: &orchestrator.SingleRoundStrategy{Fleet: mgr, Direct: client},
		}),
	}
	a.gateway = newGateway(a)
	a.echo = a.routes()
	return a
}

func doJSON(t *testing.T, a *app, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echoHeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestHealthEndpoint(t *testing.T) {
	a := newTestApp(t)
	rec := doJSON(t, a, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestRegisterAndListNodes(t *testing.T) {
	a := newTestApp(t)

	rec := doJSON(t, a, http.MethodPost, "/api/nodes/register",
		`{"id":"n1","name":"worker","capabilities":["chat"],"maxConcurrentTasks":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var node fleet.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	require.Equal(t, "n1", node.ID)
	require.Equal(t, fleet.StatusOnline, node.Status)

	rec = doJSON(t, a, http.MethodGet, "/api/nodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []fleet.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
}

func TestRegisterNodeValidation(t *testing.T) {
	a := newTestApp(t)
	rec := doJSON(t, a, http.MethodPost, "/api/nodes/register", `{"name":"anonymous"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	a := newTestApp(t)
	doJSON(t, a, http.MethodPost, "/api/nodes/register", `{"id":"n1"}`)

	rec := doJSON(t, a, http.MethodPost, "/api/nodes/n1/heartbeat", `{"status":"busy"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, fleet.StatusBusy, a.fleet.GetNode("n1").Status)

	rec = doJSON(t, a, http.MethodPost, "/api/nodes/ghost/heartbeat", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatEndpoint(t *testing.T) {
	a := newTestApp(t)
	doJSON(t, a, http.MethodPost, "/api/nodes/register", `{"id":"n1","capabilities":["chat"]}`)

	rec := doJSON(t, a, http.MethodPost, "/api/chat",
		`{"messages":[{"role":"user","content":"2+2?"}],"conversationId":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orchestrator.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "echo: 2+2?", resp.Content)

	n, err := a.hist.Count(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestChatEndpointRequiresMessages(t *testing.T) {
	a := newTestApp(t)
	rec := doJSON(t, a, http.MethodPost, "/api/chat", `{"conversationId":"c1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLLMProxyEndpoint(t *testing.T) {
	a := newTestApp(t)
	doJSON(t, a, http.MethodPost, "/api/nodes/register", `{"id":"n1"}`)

	rec := doJSON(t, a, http.MethodPost, "/api/llm",
		`{"requestId":"r1","nodeId":"n1","messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res fleet.ProxyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.Equal(t, "echo: hello", res.Content)
}

func TestRollbackEndpoint(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	msgs := []llm.Message{{Role: "user", Content: "keep me"}}
	require.NoError(t, a.hist.Append(ctx, "c1", msgs))
	cpID, err := a.hist.CreateCheckpoint(ctx, "c1", msgs, llm.EstimateMessages(msgs), "manual", nil)
	require.NoError(t, err)
	require.NoError(t, a.hist.Append(ctx, "c1", []llm.Message{{Role: "assistant", Content: "drop me"}}))

	rec := doJSON(t, a, http.MethodPost, "/api/conversations/c1/rollback", `{"checkpointId":"`+cpID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	n, err := a.hist.Count(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
