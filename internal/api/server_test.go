package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/internal/state"
	"github.com/ShayCichocki/coord/pkg/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestServer(t *testing.T) (*Server, *testClock) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	coord := orchestrator.New(db,
		orchestrator.WithClock(clock.Now),
		orchestrator.WithHeartbeatTTL(30*time.Second),
		orchestrator.WithGrace(15*time.Second),
		orchestrator.WithMetrics(orchestrator.MustNewMetrics(reg)),
	)
	t.Cleanup(func() { coord.Close() })

	return NewServer(coord, Config{CORSOrigins: []string{"*"}}, reg), clock
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, w).Status)

	do(t, s, http.MethodPost, "/v1/claims", ClaimRequest{AgentID: "x"})
	w = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coord_coordinator_claims_total")
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/tasks", models.Task{ID: "A", Title: "first"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, s, http.MethodPost, "/v1/tasks", models.Task{ID: "B", DependsOn: []string{"A"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodPost, "/v1/claims", ClaimRequest{AgentID: "x"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "A", decode[models.Task](t, w).ID)

	w = do(t, s, http.MethodPost, "/v1/claims", ClaimRequest{AgentID: "y"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_runnable_task", decode[ErrorResponse](t, w).Code)

	w = do(t, s, http.MethodPost, "/v1/claims", ClaimRequest{AgentID: "x"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "agent_busy", decode[ErrorResponse](t, w).Code)

	w = do(t, s, http.MethodPost, "/v1/tasks/A/transition", TransitionRequest{To: models.TaskCompleted})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.TaskClaimed, decode[ErrorResponse](t, w).State)

	w = do(t, s, http.MethodPost, "/v1/tasks/A/transition", TransitionRequest{To: models.TaskInProgress, AgentID: "x"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := models.TextPayload("ok")
	w = do(t, s, http.MethodPost, "/v1/tasks/A/transition", TransitionRequest{To: models.TaskCompleted, Payload: &result})
	require.Equal(t, http.StatusOK, w.Code)
	done := decode[models.Task](t, w)
	assert.Equal(t, models.TaskCompleted, done.State)
	require.NotNil(t, done.Result)
	assert.Equal(t, "ok", done.Result.String())

	w = do(t, s, http.MethodGet, "/v1/tasks?state=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct{ Tasks []models.Task }](t, w)
	require.Len(t, list.Tasks, 1)

	w = do(t, s, http.MethodGet, "/v1/tasks/B/closure", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"depends_on":["A"]`)

	w = do(t, s, http.MethodGet, "/v1/tasks/A/dependents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dependents":["B"]`)

	w = do(t, s, http.MethodGet, "/v1/order", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"A", "B"}, decode[struct{ Order []string }](t, w).Order)

	w = do(t, s, http.MethodGet, "/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/v1/tasks?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitCycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/tasks", models.Task{ID: "A", DependsOn: []string{"B"}})
	do(t, s, http.MethodPost, "/v1/tasks", models.Task{ID: "B", DependsOn: []string{"C"}})
	w := do(t, s, http.MethodPost, "/v1/tasks", models.Task{ID: "C", DependsOn: []string{"A"}})

	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, "cyclic_dependency", resp.Code)
	assert.Equal(t, []string{"C", "A", "B", "C"}, resp.Path)

	w = do(t, s, http.MethodPost, "/v1/manifests", ManifestRequest{Tasks: []models.Task{
		{ID: "x", DependsOn: []string{"y"}},
		{ID: "y", DependsOn: []string{"x"}},
	}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/v1/tasks", "not a task")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLocksOverHTTP(t *testing.T) {
	s, clock := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/agents/X/heartbeat", nil)

	w := do(t, s, http.MethodPost, "/v1/locks/acquire", LockRequest{Key: "file.txt", AgentID: "X", TTLMillis: 3600_000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/locks/acquire", LockRequest{Key: "file.txt", AgentID: "Y"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "X", decode[ErrorResponse](t, w).Holder)

	w = do(t, s, http.MethodPost, "/v1/locks/release", LockRequest{Key: "file.txt", AgentID: "Y"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodPost, "/v1/locks/renew", LockRequest{Key: "file.txt", AgentID: "X", TTLMillis: 60_000})
	assert.Equal(t, http.StatusOK, w.Code)

	clock.Advance(45 * time.Second)
	w = do(t, s, http.MethodPost, "/v1/locks/acquire", LockRequest{Key: "file.txt", AgentID: "Y"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Y", decode[models.Lock](t, w).Holder)

	w = do(t, s, http.MethodGet, "/v1/locks?holder=Y", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct{ Locks []models.Lock }](t, w).Locks, 1)

	w = do(t, s, http.MethodPost, "/v1/locks/release", LockRequest{Key: "file.txt", AgentID: "Y"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodPost, "/v1/locks/acquire", LockRequest{Key: "file.txt"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentsMessagesAndArtifactsOverHTTP(t *testing.T) {
	s, clock := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/agents/a/heartbeat", HeartbeatRequest{Capabilities: []string{"go"}})
	require.Equal(t, http.StatusOK, w.Code)
	agent := decode[models.Agent](t, w)
	assert.Equal(t, models.AgentAlive, agent.Status)
	assert.Equal(t, []string{"go"}, agent.Capabilities)
	do(t, s, http.MethodPost, "/v1/agents/b/heartbeat", nil)

	w = do(t, s, http.MethodPost, "/v1/messages", SendRequest{Sender: "a", Recipient: models.Broadcast, Payload: models.TextPayload("hi")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/agents/b/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[struct{ Messages []models.Message }](t, w).Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Payload.String())

	w = do(t, s, http.MethodGet, "/v1/agents/a/messages", nil)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/messages", SendRequest{Recipient: "b", Payload: models.Payload{Kind: "bogus"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_payload", decode[ErrorResponse](t, w).Code)

	do(t, s, http.MethodPost, "/v1/tasks", models.Task{ID: "T"})
	w = do(t, s, http.MethodPost, "/v1/tasks/T/artifacts", ArtifactRequest{Content: []byte("log"), ContentType: "text/plain"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(t, s, http.MethodGet, "/v1/tasks/T/artifacts", nil)
	arts := decode[struct{ Artifacts []models.Artifact }](t, w).Artifacts
	require.Len(t, arts, 1)
	assert.Equal(t, []byte("log"), arts[0].Content)

	w = do(t, s, http.MethodPost, "/v1/tasks/missing/artifacts", ArtifactRequest{Content: []byte("x")})
	assert.Equal(t, http.StatusNotFound, w.Code)

	clock.Advance(time.Minute)
	w = do(t, s, http.MethodGet, "/v1/agents/a", nil)
	assert.Equal(t, models.AgentOffline, decode[models.Agent](t, w).Status)

	w = do(t, s, http.MethodDelete, "/v1/agents/a", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodDelete, "/v1/agents/a", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSweepAndSnapshotOverHTTP(t *testing.T) {
	s, clock := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/tasks", models.Task{ID: "T"})
	do(t, s, http.MethodPost, "/v1/claims", ClaimRequest{AgentID: "x"})
	do(t, s, http.MethodPost, "/v1/locks/acquire", LockRequest{Key: "k", AgentID: "x", TTLMillis: 3600_000})

	clock.Advance(45 * time.Second)
	w := do(t, s, http.MethodPost, "/v1/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[struct {
		Requeued []models.Task
		Released []models.Lock
	}](t, w)
	assert.Len(t, report.Requeued, 1)
	assert.Len(t, report.Released, 1)

	w = do(t, s, http.MethodGet, "/v1/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[orchestrator.Snapshot](t, w)
	assert.Equal(t, 1, snap.Counts[models.TaskQueued])
	assert.Empty(t, snap.Locks)
}

func TestEventsStream(t *testing.T) {
	s, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	base := "http://" + ln.Addr().String()
	reqCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Headers are flushed after subscribing, so the submit below is seen.
	lines := make(chan string, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	body, _ := json.Marshal(models.Task{ID: "evt"})
	post, err := http.Post(base+"/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	post.Body.Close()

	timeout := time.After(5 * time.Second)
	var seen strings.Builder
	for !strings.Contains(seen.String(), "task_submitted") {
		select {
		case chunk, ok := <-lines:
			require.True(t, ok, "stream closed early")
			seen.WriteString(chunk)
		case <-timeout:
			t.Fatalf("no task_submitted event, got %q", seen.String())
		}
	}
	assert.Contains(t, seen.String(), `"task_id":"evt"`)
}

func TestSignalWatcher(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewSignalWatcher(dir)
	require.NoError(t, err)
	defer sw.Close()

	assert.False(t, sw.ShouldStop())

	require.NoError(t, SendSweep(dir))
	sw.Poll()
	select {
	case <-sw.Sweeps():
	case <-time.After(5 * time.Second):
		t.Fatal("sweep signal not delivered")
	}
	_, err = os.Stat(filepath.Join(sw.Dir(), SignalSweep))
	assert.True(t, os.IsNotExist(err), "sweep file is consumed")

	require.NoError(t, SendStop(dir))
	sw.Poll()
	select {
	case <-sw.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("stop signal not delivered")
	}
	assert.True(t, sw.ShouldStop())

	sw.ClearSignals()
	_, err = os.Stat(filepath.Join(sw.Dir(), SignalStop))
	assert.True(t, os.IsNotExist(err))
}
