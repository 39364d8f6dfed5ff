package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/continuity"
	"pilot/internal/engine"
	"pilot/internal/permission"
	"pilot/internal/session"
	"pilot/internal/source"
	"pilot/internal/stream"
)

// stubClient completes every turn immediately with a fixed result.
type stubClient struct{}

func (stubClient) OpenStream(ctx context.Context, opts stream.OpenOptions) (<-chan stream.Fragment, error) {
	ch := make(chan stream.Fragment, 2)
	ch <- stream.Fragment{Type: stream.FragmentDelta, TextDelta: "ok"}
	ch <- stream.Fragment{Type: stream.FragmentResult, Result: "ok", SessionToken: "tok-stub"}
	close(ch)
	return ch, nil
}

func (stubClient) Abort() {}

func testFactory(sess *session.Session) (*Runtime, error) {
	policy := permission.NewPolicy(permission.Mode(sess.PermissionMode), nil)
	pending := permission.NewPending()
	cont := continuity.NewManager(0)
	hooks := engine.NewHookPipeline(policy, pending, nil, nil, 0)
	return &Runtime{
		Policy:     policy,
		Pending:    pending,
		Continuity: cont,
		Orchestrator: engine.NewOrchestrator(engine.Options{
			Client:     stubClient{},
			Hooks:      hooks,
			Continuity: cont,
		}),
	}, nil
}

func newTestServer(t *testing.T) (*Server, *session.Store) {
	t.Helper()
	store, err := session.Open(filepath.Join(t.TempDir(), "pilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := &source.StaticRegistry{Items: []source.Source{
		{Slug: "github", Enabled: false},
	}}
	return NewServer("127.0.0.1:0", store, registry, testFactory), store
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_SessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/sessions", map[string]string{
		"title":       "refactor",
		"working_dir": "/tmp/repo",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "ask", created.PermissionMode)

	w = doRequest(t, s, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = doRequest(t, s, http.MethodGet, "/api/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodDelete, "/api/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ModeCyclePersists(t *testing.T) {
	s, store := newTestServer(t)
	sess, err := store.Create("", "")
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodGet, "/api/sessions/"+sess.ID+"/mode", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ask")

	w = doRequest(t, s, http.MethodPost, "/api/sessions/"+sess.ID+"/mode/cycle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "allow-all")

	stored, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "allow-all", stored.PermissionMode)
}

func TestServer_MessageValidation(t *testing.T) {
	s, store := newTestServer(t)
	sess, err := store.Create("", "")
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/sessions/missing/messages", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestServer_ResolveUnknownPermission(t *testing.T) {
	s, store := newTestServer(t)
	sess, err := store.Create("", "")
	require.NoError(t, err)

	// Build the runtime first; resolving an unknown request then 404s.
	w := doRequest(t, s, http.MethodGet, "/api/sessions/"+sess.ID+"/mode", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/sessions/"+sess.ID+"/permissions/nope", map[string]bool{"allowed": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// floodClient emits more deltas than the per-turn buffer holds.
type floodClient struct{ n int }

func (c floodClient) OpenStream(ctx context.Context, opts stream.OpenOptions) (<-chan stream.Fragment, error) {
	ch := make(chan stream.Fragment, c.n+1)
	for i := 0; i < c.n; i++ {
		ch <- stream.Fragment{Type: stream.FragmentDelta, TextDelta: "x"}
	}
	ch <- stream.Fragment{Type: stream.FragmentResult, Result: "ok"}
	close(ch)
	return ch, nil
}

func (floodClient) Abort() {}

func TestServer_TurnPipelineLossless(t *testing.T) {
	s, store := newTestServer(t)
	sess, err := store.Create("", "")
	require.NoError(t, err)

	policy := permission.NewPolicy(permission.ModeAsk, nil)
	cont := continuity.NewManager(0)
	rt := &Runtime{
		Policy:     policy,
		Pending:    permission.NewPending(),
		Continuity: cont,
		Orchestrator: engine.NewOrchestrator(engine.Options{
			Client:     floodClient{n: 150},
			Hooks:      engine.NewHookPipeline(policy, permission.NewPending(), nil, nil, 0),
			Continuity: cont,
		}),
	}

	events := s.startTurn(rt, sess.ID, "go")
	// Read nothing until the producer has filled its buffer.
	time.Sleep(50 * time.Millisecond)
	var msgs [][]byte
	for data := range events {
		msgs = append(msgs, data)
	}

	require.Len(t, msgs, 151)
	assert.Contains(t, string(msgs[len(msgs)-1]), `"event":"complete"`)
}

func TestServer_Sources(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sources []source.Source
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "github", sources[0].Slug)
	assert.False(t, sources[0].Enabled)
}
