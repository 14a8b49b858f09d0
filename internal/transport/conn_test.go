package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/liveflow/internal/backoff"
	"github.com/nkkko/liveflow/pkg/proto"
)

const waitFor = 2 * time.Second

// sseHandler writes frames and then holds the stream open until the client leaves
func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()
		for _, f := range frames {
			io.WriteString(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}
}

func collect(buf int) (Handler, <-chan proto.ChangeEvent) {
	ch := make(chan proto.ChangeEvent, buf)
	return func(ev proto.ChangeEvent) { ch <- ev }, ch
}

func next(t *testing.T, ch <-chan proto.ChangeEvent) proto.ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return proto.ChangeEvent{}
	}
}

func TestConnSSEDeliversInOrder(t *testing.T) {
	key := proto.NewSubscriptionKey([]string{"jobs"}, "wf-1")

	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.RawQuery)
		sseHandler(
			": heartbeat\n\n",
			"data: {\"type\":\"connected\"}\n\n",
			"id: 1\ndata: {\"table\":\"jobs\",\"operation\":\"INSERT\",\"workflow_id\":\"wf-1\"}\n\n",
			"event: database_change\nid: 2\ndata: {\"table\":\"workflows\",\n\n",
			"event: jobs.wf-2\ndata: {\"table\":\"jobs\",\"operation\":\"INSERT\"}\n\n",
			"event: jobs.wf-1\ndata: {\"table\":\"jobs\",\"operation\":\"UPDATE\",\"new_status\":\"RUNNING\"}\n\n",
		)(w, r)
	}))
	defer srv.Close()

	url, err := BuildURL(srv.URL+"/api/v1/sse/events", key, "scope_id")
	require.NoError(t, err)

	handler, events := collect(8)
	c := NewConn(ConnConfig{Key: key, URL: url, Opener: NewSSEOpener(), Handler: handler})
	defer func() {
		c.Close()
		c.Wait()
	}()

	c.Open()

	first := next(t, events)
	assert.Equal(t, proto.KindMessage, first.Name.Kind)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, proto.OpInsert, first.Operation)

	// malformed payloads still arrive, as opaque data
	second := next(t, events)
	assert.Equal(t, proto.KindDatabaseChange, second.Name.Kind)
	assert.True(t, second.Opaque)
	assert.Equal(t, `{"table":"workflows",`, string(second.Raw))

	// jobs.wf-2 belongs to another scope and is skipped
	third := next(t, events)
	assert.Equal(t, proto.JobsEvent("wf-1"), third.Name)
	assert.Equal(t, "2", third.ID, "last event id carries over")
	assert.True(t, third.StatusChanged)

	assert.Equal(t, proto.StateConnected, c.Status().State)
	assert.Equal(t, "filters=jobs&scope_id=wf-1", query.Load())
}

func TestConnRetriesAfterOpenFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		sseHandler("data: {\"table\":\"jobs\",\"operation\":\"DELETE\"}\n\n")(w, r)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Now())
	handler, events := collect(4)
	c := NewConn(ConnConfig{
		Key:     proto.NewSubscriptionKey([]string{"jobs"}, ""),
		URL:     srv.URL,
		Opener:  NewSSEOpener(),
		Handler: handler,
		Backoff: backoff.Config{ReconnectInterval: 3 * time.Second, MaxRetries: 5},
		Clock:   clk,
	})
	defer func() {
		c.Close()
		c.Wait()
	}()

	c.Open()
	assert.Eventually(t, func() bool {
		return c.Status().State == proto.StateError
	}, waitFor, 10*time.Millisecond)

	st := c.Status()
	assert.Equal(t, 1, st.RetryCount)
	assert.Contains(t, st.LastError, "status 503")

	require.NoError(t, clk.WaitAdvance(3*time.Second, waitFor, 1))

	ev := next(t, events)
	assert.Equal(t, proto.OpDelete, ev.Operation)
	assert.Equal(t, proto.Status{State: proto.StateConnected}, c.Status())
	assert.EqualValues(t, 2, calls.Load())
}

func TestConnServerEndTriggersRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"table\":\"jobs\",\"operation\":\"INSERT\"}\n\n")
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Now())
	handler, events := collect(4)
	c := NewConn(ConnConfig{
		Key:     proto.NewSubscriptionKey([]string{"jobs"}, ""),
		URL:     srv.URL,
		Opener:  NewSSEOpener(),
		Handler: handler,
		Clock:   clk,
	})
	defer func() {
		c.Close()
		c.Wait()
	}()

	c.Open()
	next(t, events)

	assert.Eventually(t, func() bool {
		return c.Status().State == proto.StateError
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, ErrStreamClosed.Error(), c.Status().LastError)
	assert.Equal(t, 1, c.Status().RetryCount)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(sseHandler())
	defer srv.Close()

	handler, _ := collect(1)
	c := NewConn(ConnConfig{
		Key:     proto.NewSubscriptionKey([]string{"jobs"}, ""),
		URL:     srv.URL,
		Opener:  NewSSEOpener(),
		Handler: handler,
	})

	c.Open()
	assert.Eventually(t, func() bool {
		return c.Status().Connected()
	}, waitFor, 10*time.Millisecond)

	c.Close()
	c.Close()
	c.Wait()
	assert.Equal(t, proto.StateDisconnected, c.Status().State)
}

func TestSSEOpenerRejectsNonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	_, err := NewSSEOpener().Open(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestConnWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		payload, _ := json.Marshal(map[string]string{"table": "workflows", "operation": "INSERT", "workflow_id": "wf-5"})
		ws.WriteJSON(WireMessage{Event: "workflow.wf-5", ID: "9", Data: payload})
		ws.WriteJSON(WireMessage{Event: "database_change", Data: json.RawMessage(`"plain text"`)})

		// block until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	key := proto.NewSubscriptionKey([]string{"workflows"}, "wf-5")
	handler, events := collect(4)
	c := NewConn(ConnConfig{Key: key, URL: srv.URL, Opener: NewWebSocketOpener(nil, nil), Handler: handler})
	defer func() {
		c.Close()
		c.Wait()
	}()

	c.Open()

	ev := next(t, events)
	assert.Equal(t, proto.WorkflowEvent("wf-5"), ev.Name)
	assert.Equal(t, "9", ev.ID)
	assert.Equal(t, proto.OpInsert, ev.Operation)
	assert.Equal(t, "wf-5", ev.ScopeID)

	ev = next(t, events)
	assert.True(t, ev.Opaque)
	assert.Equal(t, "plain text", string(ev.Raw))
	assert.True(t, c.Status().Connected())
}

func TestWebSocketStreamClosesOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewWebSocketOpener(nil, nil).Open(ctx, srv.URL)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("stream still open after cancel")
	}
	assert.NoError(t, s.Close())
}

func TestConnKillSwitch(t *testing.T) {
	srv := httptest.NewServer(sseHandler())
	defer srv.Close()

	sw := backoff.NewSwitch(false)
	handler, _ := collect(1)
	c := NewConn(ConnConfig{
		Key:     proto.NewSubscriptionKey([]string{"jobs"}, ""),
		URL:     srv.URL,
		Opener:  NewSSEOpener(),
		Handler: handler,
		Switch:  sw,
	})
	defer func() {
		c.Close()
		c.Wait()
	}()

	c.Open()
	assert.Equal(t, proto.StateDisconnected, c.Status().State)

	sw.Set(true)
	c.Open()
	assert.Eventually(t, func() bool {
		return c.Status().Connected()
	}, waitFor, 10*time.Millisecond)

	sw.Set(false)
	assert.Equal(t, proto.StateDisconnected, c.Status().State)
}
