package streamserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/liveflow/internal/registry"
	"github.com/nkkko/liveflow/internal/transport"
	"github.com/nkkko/liveflow/pkg/proto"
)

const waitFor = 2 * time.Second

func TestMain(m *testing.M) {
	log.Logger = zerolog.Nop()
	m.Run()
}

func drain(c *client) []Frame {
	var out []Frame
	for {
		select {
		case f := <-c.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

func names(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func TestHubRouting(t *testing.T) {
	h := NewHub(10, nil)

	global := h.add("sse", nil, nil)
	jobsOnly := h.add("sse", []string{"jobs"}, nil)
	scoped := h.add("sse", nil, []string{"wf-1", "wf-2"})
	other := h.add("sse", nil, []string{"wf-9"})

	n := h.Publish(Change{Table: "jobs", Operation: "UPDATE", WorkflowID: "wf-1", NewStatus: "done"})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"database_change"}, names(drain(global)))
	assert.Equal(t, []string{"database_change"}, names(drain(jobsOnly)))
	assert.Equal(t, []string{"jobs.wf-1"}, names(drain(scoped)))
	assert.Empty(t, drain(other))

	n = h.Publish(Change{Table: "workflows", Operation: "INSERT", WorkflowID: "wf-2"})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"database_change"}, names(drain(global)))
	assert.Empty(t, drain(jobsOnly))
	assert.Equal(t, []string{"workflow.wf-2"}, names(drain(scoped)))

	h.remove(global)
	h.remove(global)
	assert.Equal(t, 3, h.Len())
}

func TestHubFramePayload(t *testing.T) {
	h := NewHub(10, nil)
	c := h.add("sse", nil, nil)

	h.Publish(Change{Table: "jobs", Operation: "DELETE", RecordID: "7"})
	frames := drain(c)
	require.Len(t, frames, 1)
	assert.Equal(t, "1", frames[0].ID)

	ev, ok := transport.Decode(transport.RawEvent{Name: frames[0].Event, ID: frames[0].ID, Data: frames[0].Data}, time.Now())
	require.True(t, ok)
	assert.Equal(t, "jobs", ev.Resource)
	assert.Equal(t, proto.OpDelete, ev.Operation)
	assert.Equal(t, "7", ev.RecordID)
	assert.False(t, ev.Opaque)

	var wrapped struct {
		Type string `json:"type"`
		Data Change `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &wrapped))
	assert.Equal(t, "database_change", wrapped.Type)
	assert.Equal(t, "table_changes_jobs", wrapped.Data.Channel)
	assert.NotZero(t, wrapped.Data.Timestamp)
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub(1, nil)
	c := h.add("sse", nil, nil)

	assert.Equal(t, 1, h.Publish(Change{Table: "jobs", Operation: "INSERT"}))
	assert.Equal(t, 0, h.Publish(Change{Table: "jobs", Operation: "INSERT"}))
	assert.Equal(t, int64(1), c.dropped.Load())

	stats := h.Stats()
	require.Len(t, stats.Clients, 1)
	assert.Equal(t, int64(1), stats.Clients[0].Dropped)
	assert.Equal(t, []string{"all"}, stats.Clients[0].Filters)
}

func TestPublishEndpoint(t *testing.T) {
	s := New(DefaultConfig())
	h := s.Handler()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/publish", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, post("{").Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"operation":"INSERT"}`).Code)

	rec := post(`{"table":"jobs","operation":"MERGE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_operation")

	rec = post(`{"table":"jobs","operation":"insert","workflow_id":"wf-1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"delivered":0}`, dataOf(t, rec))
}

func dataOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return string(env.Data)
}

func TestStatsEndpoint(t *testing.T) {
	s := New(DefaultConfig())
	s.Hub().add("sse", []string{"jobs"}, []string{"wf-1"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sse/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal([]byte(dataOf(t, rec)), &stats))
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, map[string]int{"wf-1": 1}, stats.WorkflowSubscriptions)
}

func TestSSEHeartbeat(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	s := New(Config{HeartbeatInterval: 15 * time.Second}, WithClock(clk))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/sse/events?filters=jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: connected", lines.Text())
	require.True(t, lines.Scan())
	assert.True(t, strings.HasPrefix(lines.Text(), "data: "))
	require.True(t, lines.Scan())

	require.NoError(t, clk.WaitAdvance(15*time.Second, waitFor, 1))
	require.True(t, lines.Scan())
	assert.True(t, strings.HasPrefix(lines.Text(), ": ping"), lines.Text())
}

// endToEnd subscribes through a real registry against the dev server
func endToEnd(t *testing.T, opener transport.Opener) {
	s := New(DefaultConfig())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	cfg := registry.DefaultConfig()
	cfg.EventsURL = ts.URL + "/api/v1/sse/events"
	if opener.Name() == "websocket" {
		cfg.EventsURL = ts.URL + "/api/v1/ws/events"
	}
	reg := registry.New(cfg, opener)
	defer reg.Shutdown(context.Background())

	events := make(chan proto.ChangeEvent, 4)
	require.NoError(t, reg.Subscribe("s1", registry.SubscribeOptions{
		Filters: []string{"jobs"},
		ScopeID: "wf-1",
		OnEvent: func(ev proto.ChangeEvent) { events <- ev },
	}))

	require.Eventually(t, func() bool { return s.Hub().Len() == 1 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return reg.Status("s1").Connected() }, waitFor, 10*time.Millisecond)

	s.Hub().Publish(Change{Table: "jobs", Operation: "UPDATE", WorkflowID: "wf-1", RecordID: "42", OldStatus: "running", NewStatus: "done"})
	s.Hub().Publish(Change{Table: "jobs", Operation: "UPDATE", WorkflowID: "wf-2", NewStatus: "done"})

	select {
	case ev := <-events:
		assert.Equal(t, proto.KindJobs, ev.Name.Kind)
		assert.Equal(t, "jobs", ev.Resource)
		assert.Equal(t, proto.OpUpdate, ev.Operation)
		assert.Equal(t, "wf-1", ev.ScopeID)
		assert.Equal(t, "42", ev.RecordID)
		assert.True(t, ev.StatusChanged)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}
	assert.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, reg.Shutdown(context.Background()))
	assert.Eventually(t, func() bool { return s.Hub().Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestEndToEndSSE(t *testing.T) {
	endToEnd(t, transport.NewSSEOpener())
}

func TestEndToEndWebSocket(t *testing.T) {
	endToEnd(t, transport.NewWebSocketOpener(nil, nil))
}
