package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folkg/auto-coach/pkg/dispatch"
	"github.com/folkg/auto-coach/pkg/executor"
	"github.com/folkg/auto-coach/pkg/graph"
	"github.com/folkg/auto-coach/pkg/provider"
	"github.com/folkg/auto-coach/pkg/rate"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/sweeper"
	"github.com/folkg/auto-coach/pkg/tasks"
	"github.com/folkg/auto-coach/pkg/trigger"
)

type stubProvider struct {
	outcome provider.Outcome
}

func (p stubProvider) Submit(context.Context, tasks.Kind, string, json.RawMessage, provider.Credentials) provider.Outcome {
	return p.outcome
}

type stubCreds struct{}

func (stubCreds) Credentials(context.Context, string) (provider.Credentials, error) {
	return provider.Credentials{AccessToken: "tok"}, nil
}

func setupTestServer(t *testing.T, apiKey string) (*httptest.Server, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	st := store.New(rdb)
	g := graph.New(rdb)
	q := trigger.New(rdb)
	ctrl := rate.New(rdb, 10)

	a := &app{
		store:      st,
		dispatcher: dispatch.New(st, g, q, 4*time.Minute),
		executor:   executor.New(st, ctrl, g, q, stubProvider{provider.Outcome{Kind: provider.Success}}, stubCreds{}),
		sweeper:    sweeper.New(st, g),
		rate:       ctrl,
		queue:      q,
	}

	srv := httptest.NewServer(setupRouter(a, apiKey))
	t.Cleanup(srv.Close)
	return srv, rdb
}

func postJSON(t *testing.T, url, apiKey string, body any) (*http.Response, invocationResponse) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out invocationResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func dispatchBody(userID string) map[string]any {
	return map[string]any{
		"userId": userID,
		"changes": tasks.ChangeSet{
			EarlyTransactions: []tasks.Change{{TeamKey: "423.l.1.t.1", Payload: []byte(`{"add":"p1"}`)}},
			LineupChanges:     []tasks.Change{{TeamKey: "423.l.1.t.1", Payload: []byte(`{"pos":"BN"}`)}},
		},
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, "secret")

	resp, _ := postJSON(t, srv.URL+"/sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/sweep", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := postJSON(t, srv.URL+"/sweep", "secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
}

func TestAuthDisabledWithEmptyKey(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	resp, out := postJSON(t, srv.URL+"/sweep", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
}

func TestDispatchEndpoint(t *testing.T) {
	srv, rdb := setupTestServer(t, "")

	resp, out := postJSON(t, srv.URL+"/dispatch/full", "", dispatchBody("u-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	require.NotNil(t, out.TaskCount)
	assert.Equal(t, 1, *out.TaskCount, "only the unblocked early transaction is enqueued")

	ready, err := rdb.LLen(context.Background(), trigger.ReadyKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)

	// Same payload again: idempotent, nothing new to run.
	resp, out = postJSON(t, srv.URL+"/dispatch/full", "", dispatchBody("u-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success, "duplicate dispatch is still a successful invocation")
	require.NotNil(t, out.TaskCount)
	assert.Equal(t, 0, *out.TaskCount)
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	resp, out := postJSON(t, srv.URL+"/dispatch/hourly", "", dispatchBody("u-1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Message, "unknown dispatch kind")

	resp, out = postJSON(t, srv.URL+"/dispatch/full", "", map[string]any{"changes": tasks.ChangeSet{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Message, "userId is required")
}

func TestDispatchEmptyChangeSet(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	resp, out := postJSON(t, srv.URL+"/dispatch/lineups", "", map[string]any{
		"userId":  "u-1",
		"changes": tasks.ChangeSet{},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	require.NotNil(t, out.TaskCount)
	assert.Equal(t, 0, *out.TaskCount)
}

func TestExecuteEndpoint(t *testing.T) {
	srv, rdb := setupTestServer(t, "")
	ctx := context.Background()

	postJSON(t, srv.URL+"/dispatch/full", "", dispatchBody("u-1"))
	id, err := rdb.LPop(ctx, trigger.ReadyKey).Result()
	require.NoError(t, err)

	resp, out := postJSON(t, srv.URL+"/execute", "", map[string]string{"taskId": id})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Equal(t, "success", out.Message)

	// Redelivery of the same event is still a success.
	resp, out = postJSON(t, srv.URL+"/execute", "", map[string]string{"taskId": id})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Contains(t, out.Message, "already_done")

	// As is an event for a task that never existed.
	resp, out = postJSON(t, srv.URL+"/execute", "", map[string]string{"taskId": "ghost"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.Contains(t, out.Message, "missing")
}

func TestExecuteRequiresTaskID(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	resp, out := postJSON(t, srv.URL+"/execute", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Message, "taskId is required")
}

func TestGetTaskEndpoint(t *testing.T) {
	srv, rdb := setupTestServer(t, "")
	ctx := context.Background()

	postJSON(t, srv.URL+"/dispatch/full", "", dispatchBody("u-1"))
	id, err := rdb.LPop(ctx, trigger.ReadyKey).Result()
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/tasks/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got tasks.MutationTask
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, tasks.StatusPending, got.Status)

	resp, err = http.Get(srv.URL + "/tasks/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseResumeAndStats(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	resp, out := postJSON(t, srv.URL+"/pause", "", map[string]any{"reason": "provider incident", "seconds": 120})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out.Message, "provider incident")

	statsResp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)

	var stats struct {
		Rate rate.Metrics `json:"rate"`
	}
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.True(t, stats.Rate.Paused)
	assert.Equal(t, int64(10), stats.Rate.MaxParallel)

	resp, out = postJSON(t, srv.URL+"/resume", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resumed", out.Message)
}

func TestPauseRequiresPositiveSeconds(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	resp, _ := postJSON(t, srv.URL+"/pause", "", map[string]any{"reason": "x", "seconds": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
