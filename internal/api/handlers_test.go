package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/sessiond/internal/config"
	"github.com/shehryarbajwa/sessiond/internal/driver"
	"github.com/shehryarbajwa/sessiond/internal/event"
	"github.com/shehryarbajwa/sessiond/internal/proxy"
	"github.com/shehryarbajwa/sessiond/internal/ratelimit"
	"github.com/shehryarbajwa/sessiond/internal/session"
	"github.com/shehryarbajwa/sessiond/internal/store"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

type testServer struct {
	srv     *httptest.Server
	store   *store.Memory
	fake    *driver.Fake
	manager *session.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	fake := driver.NewFake()
	mgr := session.NewManager(st, driver.NewSet(fake), session.NewRegistry(), event.Nop(), zerolog.Nop(),
		config.LimitsConfig{OwnerMaxSessions: 5}, 5*time.Second)

	h := NewHandler(mgr, st, zerolog.Nop())
	router := h.SetupRoutes(
		proxy.NewServer(mgr, zerolog.Nop()),
		event.NewBroadcaster(),
		ratelimit.NewLimiter(3600, 100),
		nil,
		http.NotFoundHandler(),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st, fake: fake, manager: mgr}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) startSession(t *testing.T, owner string) models.SessionView {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/v1/sessions", models.StartSessionRequest{
		Owner:     owner,
		TargetURL: "https://example.com",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[models.SessionView](t, resp)
}

func TestStartSessionEndpoint(t *testing.T) {
	ts := newTestServer(t)

	view := ts.startSession(t, "acme")
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "acme", view.Owner)
	assert.Equal(t, models.StatusActive, view.Status)
	assert.True(t, view.Live)

	resp := ts.do(t, http.MethodPost, "/v1/sessions", models.StartSessionRequest{TargetURL: "https://example.com"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartSessionSpinFailureMapsToBadGateway(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.SpinErr = fmt.Errorf("backend out of capacity")

	resp := ts.do(t, http.MethodPost, "/v1/sessions", models.StartSessionRequest{
		Owner:     "acme",
		TargetURL: "https://example.com",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestOwnerLimitMapsToTooManyRequests(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		ts.startSession(t, "acme")
	}

	resp := ts.do(t, http.MethodPost, "/v1/sessions", models.StartSessionRequest{
		Owner:     "acme",
		TargetURL: "https://example.com",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGetAndListSessions(t *testing.T) {
	ts := newTestServer(t)
	a := ts.startSession(t, "acme")
	ts.startSession(t, "umbrella")

	resp := ts.do(t, http.MethodGet, "/v1/sessions/"+a.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[models.SessionView](t, resp)
	assert.Equal(t, a.ID, got.ID)

	resp = ts.do(t, http.MethodGet, "/v1/sessions/does-not-exist", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/sessions?owner=acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decodeJSON[[]models.SessionView](t, resp)
	require.Len(t, views, 1)
	assert.Equal(t, a.ID, views[0].ID)

	resp = ts.do(t, http.MethodGet, "/v1/sessions?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views = decodeJSON[[]models.SessionView](t, resp)
	assert.Len(t, views, 2)

	resp = ts.do(t, http.MethodGet, "/v1/sessions?status=bogus", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeartbeatEndpoint(t *testing.T) {
	ts := newTestServer(t)
	view := ts.startSession(t, "acme")

	resp := ts.do(t, http.MethodPost, "/v1/sessions/"+view.ID+"/heartbeat", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	at := time.Now().UTC().Add(time.Minute)
	resp = ts.do(t, http.MethodPost, "/v1/sessions/"+view.ID+"/heartbeat", models.HeartbeatRequest{Timestamp: &at})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := ts.store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.True(t, rec.LastActiveAt.Equal(at))

	resp = ts.do(t, http.MethodPost, "/v1/sessions/unknown/heartbeat", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckpointEndpoint(t *testing.T) {
	ts := newTestServer(t)
	view := ts.startSession(t, "acme")

	resp := ts.do(t, http.MethodPut, "/v1/sessions/"+view.ID+"/checkpoint", models.CheckpointRequest{Token: "ckpt-7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ck := decodeJSON[models.CheckpointResponse](t, resp)
	assert.Equal(t, "ckpt-7", ck.Token)

	// An empty body asks the backend to snapshot and mint a token.
	resp = ts.do(t, http.MethodPut, "/v1/sessions/"+view.ID+"/checkpoint", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ck = decodeJSON[models.CheckpointResponse](t, resp)
	assert.Contains(t, ck.Token, "fake-ckpt-")

	rec, err := ts.store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, ck.Token, rec.ResumeToken)
}

func TestTerminateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	view := ts.startSession(t, "acme")

	resp := ts.do(t, http.MethodDelete, "/v1/sessions/"+view.ID+"?outcome=completed", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := ts.store.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)

	// Terminating again conflicts.
	resp = ts.do(t, http.MethodDelete, "/v1/sessions/"+view.ID+"?outcome=completed", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/v1/sessions/"+view.ID+"?outcome=paused", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitAppliesToMutatingRoutes(t *testing.T) {
	st := store.NewMemory()
	fake := driver.NewFake()
	mgr := session.NewManager(st, driver.NewSet(fake), session.NewRegistry(), event.Nop(), zerolog.Nop(),
		config.LimitsConfig{OwnerMaxSessions: 100}, 5*time.Second)
	h := NewHandler(mgr, st, zerolog.Nop())
	router := h.SetupRoutes(
		proxy.NewServer(mgr, zerolog.Nop()),
		event.NewBroadcaster(),
		ratelimit.NewLimiter(3600, 2),
		nil,
		http.NotFoundHandler(),
	)
	srv := httptest.NewServer(router)
	defer srv.Close()

	body := func() *bytes.Buffer {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(models.StartSessionRequest{Owner: "acme", TargetURL: "https://example.com"})
		return &buf
	}
	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/sessions", body())
		require.NoError(t, err)
		req.Header.Set("X-Owner", "acme")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusCreated, post().StatusCode)
	assert.Equal(t, http.StatusCreated, post().StatusCode)

	rejected := post()
	assert.Equal(t, http.StatusTooManyRequests, rejected.StatusCode)
	assert.Equal(t, "3600", rejected.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rejected.Header.Get("X-RateLimit-Remaining"))

	// Reads stay open when the mutation budget is gone.
	resp, err := http.Get(srv.URL + "/v1/sessions?owner=acme")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
