// ABOUTME: HTTP server tests: submit/status lifecycle, SSE replay and resume,
// ABOUTME: ring-gap handling, cancellation, and compile rejection.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/engine"
	"github.com/dipeo/dipeo/events"
)

// doublerExecutor doubles the "v" input; blockingExecutor waits for cancel.
type doublerExecutor struct{}

func (doublerExecutor) Run(ctx context.Context, language diagram.CodeJobLanguage, code, functionName string, inputs map[string]any) (any, error) {
	vars, _ := inputs["default"].(map[string]any)
	v, _ := vars["v"].(float64)
	return map[string]any{"out": v * 2}, nil
}

type blockingExecutor struct{ started chan struct{} }

func (b *blockingExecutor) Run(ctx context.Context, language diagram.CodeJobLanguage, code, functionName string, inputs map[string]any) (any, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func testServer(t *testing.T, exec engine.CodeExecutor, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	bus := events.NewBus(events.WithKeepAliveInterval(0))
	cfg := engine.DefaultConfig()
	eng := engine.New(cfg, engine.DefaultRegistry(), bus, engine.Ports{Code: exec}, nil)
	srv := New(eng, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func codeDiagram() diagram.DomainDiagram {
	return diagram.DomainDiagram{
		ID: "double",
		Nodes: map[diagram.NodeID]diagram.DomainNode{
			"start": {ID: "start", Type: diagram.NodeTypeStart, Data: map[string]any{}},
			"job": {ID: "job", Type: diagram.NodeTypeCodeJob, Data: map[string]any{
				"language": "python",
				"code":     "def run(v): return {'out': v * 2}",
			}},
			"end": {ID: "end", Type: diagram.NodeTypeEndpoint, Data: map[string]any{}},
		},
		Arrows: []diagram.Arrow{
			{ID: "e1", Source: "start_default_output", Target: "job_default_input"},
			{ID: "e2", Source: "job_default_output", Target: "end_default_input"},
		},
	}
}

func submit(t *testing.T, ts *httptest.Server, d diagram.DomainDiagram, vars map[string]any) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{"diagram": d, "variables": vars})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/executions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["execution_id"])
	return out["execution_id"]
}

func waitForStatus(t *testing.T, ts *httptest.Server, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/executions/" + id)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		if body["status"] == want {
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %v, want %s", body["status"], want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_SubmitAndStatus(t *testing.T) {
	_, ts := testServer(t, doublerExecutor{})

	id := submit(t, ts, codeDiagram(), map[string]any{"v": 21})
	body := waitForStatus(t, ts, id, "completed")

	proj, ok := body["projection"].(map[string]any)
	require.True(t, ok, "projection missing: %v", body)
	assert.Equal(t, id, proj["execution_id"])
	nodes, _ := proj["nodes"].([]any)
	assert.Len(t, nodes, 3)
	for _, n := range nodes {
		node := n.(map[string]any)
		assert.Equal(t, "completed", node["status"], "node %v", node["id"])
	}
}

func TestServer_UnknownExecutionIs404(t *testing.T) {
	_, ts := testServer(t, doublerExecutor{})

	for _, path := range []string{
		"/executions/nope",
		"/executions/nope/events",
		"/executions/nope/history",
	} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestServer_SubmitRejectsInvalidDiagram(t *testing.T) {
	_, ts := testServer(t, doublerExecutor{})

	d := codeDiagram()
	delete(d.Nodes, "end")

	body, err := json.Marshal(map[string]any{"diagram": d})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/executions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out["detail"])
}

type sseEvent struct {
	id    uint64
	event string
	data  string
}

// parseSSE decodes a complete SSE body into events, ignoring comments.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var evt sseEvent
		seen := false
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				n, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
				require.NoError(t, err)
				evt.id = n
				seen = true
			case strings.HasPrefix(line, "event: "):
				evt.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				evt.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if seen {
			out = append(out, evt)
		}
	}
	return out
}

func TestServer_EventStreamReplaysFinishedExecution(t *testing.T) {
	_, ts := testServer(t, doublerExecutor{})

	id := submit(t, ts, codeDiagram(), map[string]any{"v": 1})
	waitForStatus(t, ts, id, "completed")

	resp, err := http.Get(ts.URL + "/executions/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	evts := parseSSE(t, readAll(t, resp))
	require.NotEmpty(t, evts)

	assert.Equal(t, "execution.started", evts[0].event)
	assert.Equal(t, "execution.completed", evts[len(evts)-1].event)
	for i, evt := range evts {
		assert.Equal(t, uint64(i+1), evt.id, "seq gap at %d", i)
	}

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(evts[0].data), &first))
	assert.Equal(t, id, first["execution_id"])
}

func TestServer_EventStreamResumesFromLastEventID(t *testing.T) {
	_, ts := testServer(t, doublerExecutor{})

	id := submit(t, ts, codeDiagram(), map[string]any{"v": 1})
	waitForStatus(t, ts, id, "completed")

	full, err := http.Get(ts.URL + "/executions/" + id + "/events")
	require.NoError(t, err)
	all := parseSSE(t, readAll(t, full))
	full.Body.Close()
	require.Greater(t, len(all), 3)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/executions/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	resumed := parseSSE(t, readAll(t, resp))
	require.Len(t, resumed, len(all)-3)
	assert.Equal(t, uint64(4), resumed[0].id)
}

func TestServer_EventStreamGapReturns410(t *testing.T) {
	bus := events.NewBus(events.WithKeepAliveInterval(0))
	cfg := engine.DefaultConfig()
	cfg.EventRingMaxLen = 4
	eng := engine.New(cfg, engine.DefaultRegistry(), bus, engine.Ports{Code: doublerExecutor{}}, nil)
	ts := httptest.NewServer(New(eng))
	defer ts.Close()

	id := submit(t, ts, codeDiagram(), map[string]any{"v": 1})
	waitForStatus(t, ts, id, "completed")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/executions/"+id+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusGone, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotNil(t, out["oldest_seq"])
}

func TestServer_CancelStopsExecution(t *testing.T) {
	exec := &blockingExecutor{started: make(chan struct{})}
	_, ts := testServer(t, exec)

	id := submit(t, ts, codeDiagram(), map[string]any{"v": 1})

	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("code job never started")
	}

	resp, err := http.Post(ts.URL+"/executions/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitForStatus(t, ts, id, "cancelled")
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.String()
}
