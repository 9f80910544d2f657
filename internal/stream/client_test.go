package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CircleChat/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(t *testing.T, srv *httptest.Server, idle time.Duration) *Client {
	t.Helper()
	c, err := NewClient(Options{
		Endpoint:    srv.URL + "/api/chat",
		HTTPClient:  srv.Client(),
		IdleTimeout: idle,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	return c
}

func collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func writeEvents(w http.ResponseWriter, lines ...string) {
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n", line)
		w.(http.Flusher).Flush()
	}
}

func TestStreamHappyPath(t *testing.T) {
	type captured struct {
		body       requestBody
		collection string
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c captured
		c.collection = r.URL.Query().Get("collection")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&c.body))
		seen <- c
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvents(w,
			`{"type":"chunk","content":"Hot flashes"}`,
			`{"type":"chunk","content":" are common."}`,
			`{"type":"sources","sources":[{"content":"A","metadata":{"source":"http://x"}}]}`,
			`{"type":"done"}`,
		)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 0)
	events := collect(c.Stream(context.Background(), Request{
		Question:   "What are common menopause symptoms?",
		History:    []session.Turn{{Role: session.RoleAssistant, Content: "Hello"}},
		Collection: "menopause",
	}))

	require.Len(t, events, 4)
	assert.Equal(t, "Hot flashes", events[0].Content)
	assert.Equal(t, " are common.", events[1].Content)
	assert.Equal(t, KindSources, events[2].Kind)
	assert.Equal(t, KindDone, events[3].Kind)

	c2 := <-seen
	assert.Equal(t, "What are common menopause symptoms?", c2.body.Question)
	assert.Equal(t, "menopause", c2.body.Collection)
	assert.Equal(t, "menopause", c2.collection)
	require.Len(t, c2.body.History, 1)
	assert.Equal(t, "Hello", c2.body.History[0].Content)
}

func TestStreamSendsEmptyHistoryArray(t *testing.T) {
	seen := make(chan map[string]json.RawMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		seen <- raw
		writeEvents(w, `{"type":"done"}`)
	}))
	defer srv.Close()

	events := collect(newTestClient(t, srv, 0).Stream(context.Background(), Request{Question: "hi"}))
	require.Len(t, events, 1)
	raw := <-seen
	assert.Equal(t, "[]", string(raw["history"]))
}

func TestStreamProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	events := collect(newTestClient(t, srv, 0).Stream(context.Background(), Request{Question: "hi"}))
	require.Len(t, events, 1)
	require.Equal(t, KindError, events[0].Kind)

	var perr *ProtocolError
	require.ErrorAs(t, events[0].Err, &perr)
	assert.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)
	assert.Contains(t, perr.Error(), "503")
	assert.Contains(t, perr.Error(), "overloaded")
}

func TestStreamConnectionDropMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, `{"type":"chunk","content":"partial"}`)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	events := collect(newTestClient(t, srv, 0).Stream(context.Background(), Request{Question: "hi"}))
	require.Len(t, events, 2)
	assert.Equal(t, KindChunk, events[0].Kind)
	require.Equal(t, KindError, events[1].Kind)

	var terr *TransportError
	assert.ErrorAs(t, events[1].Err, &terr)
}

func TestStreamEndsWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, `{"type":"chunk","content":"partial"}`)
	}))
	defer srv.Close()

	events := collect(newTestClient(t, srv, 0).Stream(context.Background(), Request{Question: "hi"}))
	require.Len(t, events, 2)
	require.Equal(t, KindError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, io.ErrUnexpectedEOF)
}

func TestStreamMalformedLineDoesNotAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			`{"type":"chunk","content":"one"}`,
			`garbage{{{`,
			`{"type":"chunk","content":"two"}`,
			`{"type":"done"}`,
		)
	}))
	defer srv.Close()

	events := collect(newTestClient(t, srv, 0).Stream(context.Background(), Request{Question: "hi"}))
	require.Len(t, events, 3)
	assert.Equal(t, "one", events[0].Content)
	assert.Equal(t, "two", events[1].Content)
	assert.Equal(t, KindDone, events[2].Kind)
}

func TestStreamIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, `{"type":"chunk","content":"slow"}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	events := collect(newTestClient(t, srv, 50*time.Millisecond).Stream(context.Background(), Request{Question: "hi"}))
	require.Len(t, events, 2)
	require.Equal(t, KindError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, ErrIdleTimeout)
}

func TestStreamRejectsEmptyQuestion(t *testing.T) {
	calls := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
	}))
	defer srv.Close()

	events := collect(newTestClient(t, srv, 0).Stream(context.Background(), Request{Question: "  "}))
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, ErrEmptyQuestion)
	assert.Empty(t, calls)
}

func TestStreamCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w, `{"type":"chunk","content":"a"}`)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events := newTestClient(t, srv, 0).Stream(ctx, Request{Question: "hi"})
	first := <-events
	assert.Equal(t, KindChunk, first.Kind)
	cancel()

	for ev := range events {
		assert.Equal(t, KindError, ev.Kind)
	}
}

func TestStreamWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req requestBody
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		// frames deliberately split event lines
		frames := []string{
			`data: {"type":"chunk","con`,
			`tent":"echo: ` + req.Question + `"}` + "\n" + `data: {"type":"sou`,
			`rces","sources":[]}` + "\n",
			`data: {"type":"done"}` + "\n",
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := NewClient(Options{
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws",
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	events := collect(c.Stream(context.Background(), Request{Question: "hello"}))
	require.Len(t, events, 3)
	assert.Equal(t, "echo: hello", events[0].Content)
	assert.Equal(t, KindSources, events[1].Kind)
	assert.Empty(t, events[1].Sources)
	assert.Equal(t, KindDone, events[2].Kind)
}

func TestNewClientRejectsBadEndpoints(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	_, err = NewClient(Options{Endpoint: "ftp://example.com/chat"})
	assert.Error(t, err)
}

func TestErrorTypesUnwrap(t *testing.T) {
	cause := errors.New("reset by peer")
	err := error(&TransportError{Op: "read", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "reset by peer")

	merr := &MalformedEventError{Line: "x", Err: cause}
	assert.ErrorIs(t, merr, cause)
}
