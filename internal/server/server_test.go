package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"CircleChat/internal/backend"
	"CircleChat/internal/cache"
	"CircleChat/internal/session"
	"CircleChat/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	tokens  []string
	err     error
	pingErr error

	mu       sync.Mutex
	calls    int
	messages []backend.Message
}

func (g *fakeGenerator) Name() string { return "fake/test" }

func (g *fakeGenerator) Generate(ctx context.Context, messages []backend.Message, onToken backend.TokenFunc) error {
	g.mu.Lock()
	g.calls++
	g.messages = messages
	g.mu.Unlock()

	for _, tok := range g.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return g.err
}

func (g *fakeGenerator) Ping(context.Context) error { return g.pingErr }

func (g *fakeGenerator) seen() (int, []backend.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls, g.messages
}

func newTestServer(t *testing.T, gen *fakeGenerator, store cache.Store, origins ...string) *Server {
	t.Helper()
	lib := newTestLibrary(t)
	return New(Options{
		Assistant: NewAssistant(AssistantOptions{
			Library:   lib,
			Generator: gen,
			Cache:     store,
			Logger:    quietLogger(),
		}),
		Library:           lib,
		DefaultCollection: "menopause",
		AllowedOrigins:    origins,
		Logger:            quietLogger(),
	})
}

func streamFrom(t *testing.T, endpoint string, client *http.Client, req stream.Request) []stream.Event {
	t.Helper()
	c, err := stream.NewClient(stream.Options{
		Endpoint:   endpoint,
		HTTPClient: client,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	var events []stream.Event
	for ev := range c.Stream(context.Background(), req) {
		events = append(events, ev)
	}
	return events
}

func TestChatSSEEndToEnd(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Hot flashes ", "often ease."}}
	srv := httptest.NewServer(newTestServer(t, gen, nil).Handler())
	defer srv.Close()

	events := streamFrom(t, srv.URL+"/api/chat", srv.Client(), stream.Request{
		Question:   "What helps hot flashes?",
		History:    []session.Turn{{Role: session.RoleAssistant, Content: "Hello!"}},
		Collection: "menopause",
	})

	require.Len(t, events, 4)
	assert.Equal(t, "Hot flashes ", events[0].Content)
	assert.Equal(t, "often ease.", events[1].Content)
	assert.Equal(t, stream.KindSources, events[2].Kind)
	require.Len(t, events[2].Sources, 2)
	assert.Equal(t, "Hot flashes", events[2].Sources[0].Metadata.Title)
	assert.Equal(t, stream.KindDone, events[3].Kind)

	calls, messages := gen.seen()
	assert.Equal(t, 1, calls)
	require.Len(t, messages, 3)
	assert.Equal(t, "system", messages[0].Role)
	assert.Contains(t, messages[0].Content, "[1] Hot flashes (NHS)")
	assert.Equal(t, backend.Message{Role: "assistant", Content: "Hello!"}, messages[1])
	assert.Equal(t, backend.Message{Role: "user", Content: "What helps hot flashes?"}, messages[2])
}

func TestChatUsesDefaultCollectionAndEmptySources(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Sorry."}}
	srv := httptest.NewServer(newTestServer(t, gen, nil).Handler())
	defer srv.Close()

	events := streamFrom(t, srv.URL+"/api/chat", srv.Client(), stream.Request{Question: "zebra"})
	require.Len(t, events, 3)
	assert.Equal(t, stream.KindSources, events[1].Kind)
	assert.Empty(t, events[1].Sources)

	_, messages := gen.seen()
	assert.Contains(t, messages[0].Content, `"menopause"`)
	assert.Contains(t, messages[0].Content, "(no matching documents)")
}

func TestChatReplaysCachedAnswer(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Hot flashes ", "often ease."}}
	srv := httptest.NewServer(newTestServer(t, gen, cache.NewMemory(0)).Handler())
	defer srv.Close()

	req := stream.Request{Question: "What helps hot flashes?", Collection: "menopause"}
	first := streamFrom(t, srv.URL+"/api/chat", srv.Client(), req)
	require.Len(t, first, 4)

	second := streamFrom(t, srv.URL+"/api/chat", srv.Client(), req)
	require.Len(t, second, 3)
	assert.Equal(t, "Hot flashes often ease.", second[0].Content)
	assert.Len(t, second[1].Sources, 2)
	assert.Equal(t, stream.KindDone, second[2].Kind)

	calls, _ := gen.seen()
	assert.Equal(t, 1, calls)
}

func TestChatRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{}, nil)

	cases := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"invalid json", "/api/chat", `{`, http.StatusBadRequest},
		{"empty question", "/api/chat", `{"question":"   ","history":[]}`, http.StatusBadRequest},
		{"unknown collection", "/api/chat", `{"question":"hi","collection":"nutrition"}`, http.StatusNotFound},
		{"query overrides body", "/api/chat?collection=nutrition", `{"question":"hi","collection":"sleep"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, tc.target, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestChatFailureBeforeFirstFrame(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model not loaded")}
	srv := httptest.NewServer(newTestServer(t, gen, nil).Handler())
	defer srv.Close()

	events := streamFrom(t, srv.URL+"/api/chat", srv.Client(), stream.Request{Question: "hot flashes"})
	require.Len(t, events, 1)
	require.Equal(t, stream.KindError, events[0].Kind)

	var perr *stream.ProtocolError
	require.ErrorAs(t, events[0].Err, &perr)
	assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
	assert.Contains(t, perr.Body, "model not loaded")
}

func TestChatFailureMidStreamAbortsConnection(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Hot "}, err: errors.New("backend went away")}
	srv := httptest.NewServer(newTestServer(t, gen, nil).Handler())
	defer srv.Close()

	events := streamFrom(t, srv.URL+"/api/chat", srv.Client(), stream.Request{Question: "hot flashes"})
	require.Len(t, events, 2)
	assert.Equal(t, "Hot ", events[0].Content)
	require.Equal(t, stream.KindError, events[1].Kind)

	var terr *stream.TransportError
	assert.ErrorAs(t, events[1].Err, &terr)
}

func TestChatWebSocketEndToEnd(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Keep ", "a routine."}}
	srv := httptest.NewServer(newTestServer(t, gen, nil).Handler())
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	events := streamFrom(t, endpoint, nil, stream.Request{Question: "caffeine at night", Collection: "sleep"})

	require.Len(t, events, 4)
	assert.Equal(t, "Keep ", events[0].Content)
	assert.Equal(t, "a routine.", events[1].Content)
	require.Len(t, events[2].Sources, 1)
	assert.Equal(t, "Sleep hygiene", events[2].Sources[0].Metadata.Title)
	assert.Equal(t, stream.KindDone, events[3].Kind)
}

func TestChatWebSocketFailure(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Keep "}, err: errors.New("backend went away")}
	srv := httptest.NewServer(newTestServer(t, gen, nil).Handler())
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	events := streamFrom(t, endpoint, nil, stream.Request{Question: "caffeine", Collection: "sleep"})

	require.Len(t, events, 2)
	assert.Equal(t, "Keep ", events[0].Content)
	assert.Equal(t, stream.KindError, events[1].Kind)

	unknown := streamFrom(t, endpoint, nil, stream.Request{Question: "protein", Collection: "nutrition"})
	require.Len(t, unknown, 1)
	assert.Equal(t, stream.KindError, unknown[0].Kind)
}

func TestCollectionsAndHealth(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestServer(t, gen, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/collections", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Collections []CollectionInfo `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Collections, 2)
	assert.Equal(t, "menopause", list.Collections[0].Name)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"backend":"fake/test"`)

	gen.pingErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, &fakeGenerator{}, nil, "https://app.example.org")

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/collections", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFrameMarshal(t *testing.T) {
	data, err := json.Marshal(Frame{Type: "sources"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sources","sources":[]}`, string(data))

	data, err = json.Marshal(Frame{Type: "chunk", Content: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chunk","content":"hi"}`, string(data))

	data, err = json.Marshal(Frame{Type: "done"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"done"}`, string(data))
}
