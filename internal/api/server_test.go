package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sharecal/internal/common"
	"sharecal/internal/config"
	"sharecal/internal/dispatch"
	"sharecal/internal/domain"
	"sharecal/internal/metrics"
	"sharecal/internal/queue"
	"sharecal/internal/settings"
	"sharecal/internal/storage"
	"sharecal/internal/worker"
)

type fakeDrainer struct {
	mu       sync.Mutex
	triggers int
	stats    worker.Stats
}

func (d *fakeDrainer) DrainOnce(context.Context) (worker.Stats, error) { return d.stats, nil }

func (d *fakeDrainer) Trigger() {
	d.mu.Lock()
	d.triggers++
	d.mu.Unlock()
}

type fakeConfirmer struct {
	mu     sync.Mutex
	tokens []string
	used   map[string]bool
}

const validToken = "0123456789abcdef0123456789abcdef"

func (c *fakeConfirmer) Confirm(_ context.Context, token string) dispatch.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
	if token != validToken || c.used[token] {
		return dispatch.Outcome{Err: common.Errorf(common.KindInvalidToken, "confirmation token is unknown, used or expired")}
	}
	c.used[token] = true
	return dispatch.Outcome{Success: true, MessageID: "msg-9", Route: dispatch.RouteConfirmed}
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

type testServer struct {
	h       http.Handler
	repo    queue.Repository
	drainer *fakeDrainer
	confirm *fakeConfirmer
}

func newTestServer(t *testing.T, o Options) *testServer {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))

	ts := &testServer{
		repo:    queue.NewSQLiteRepo(db, nil),
		drainer: &fakeDrainer{stats: worker.Stats{Processed: 2, Succeeded: 2}},
		confirm: &fakeConfirmer{used: map[string]bool{}},
	}
	ts.h = NewServer(Deps{
		Queue:    ts.repo,
		Settings: settings.FromConfig(config.RoutingConfig{Instructions: "default"}),
		Drainer:  ts.drainer,
		Confirm:  ts.confirm,
		Fetcher:  fakeHealth{err: errors.New("fetch sidecar unreachable")},
		Metrics:  metrics.New(),
		Log:      zerolog.Nop(),
	}, o)
	return ts
}

func (ts *testServer) do(method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = ts.do(http.MethodGet, "/health/fetcher", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sharecal_jobs_enqueued_total")
}

func TestShareLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/api/shares", `{"url":"https://example.com/event","multiday":true,"overrides":{"toConfirmedEmail":"me@example.com"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job domain.QueueJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.True(t, job.Multiday)
	assert.Equal(t, "default", job.Instructions)
	assert.Equal(t, "me@example.com", job.Overrides.ToConfirmedEmail)
	assert.Equal(t, 1, ts.drainer.triggers)

	rec = ts.do(http.MethodGet, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/api/jobs/"+job.ID+"/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pending jobs cannot be retried")

	_, _, err := ts.repo.MarkProcessing(context.Background(), job.ID)
	require.NoError(t, err)
	rec = ts.do(http.MethodDelete, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "running jobs cannot be discarded")

	require.NoError(t, ts.repo.MarkFailed(context.Background(), job.ID, "fetch timed out"))
	rec = ts.do(http.MethodGet, "/api/jobs?status=failed", "")
	var jobs []domain.QueueJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "fetch timed out", jobs[0].ErrorMessage)

	rec = ts.do(http.MethodPost, "/api/jobs/"+job.ID+"/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, ts.drainer.triggers)

	rec = ts.do(http.MethodDelete, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(http.MethodGet, "/api/jobs/"+job.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(http.MethodGet, "/api/jobs", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestShareValidation(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodPost, "/api/shares", `{"url":"javascript:alert(1)"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestDrain(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodPost, "/api/drain", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"processed":2,"succeeded":2,"failed":0}`, rec.Body.String())
}

func TestConfirmLink(t *testing.T) {
	ts := newTestServer(t, Options{})
	for i := 0; i < 2; i++ {
		rec := ts.do(http.MethodGet, "/confirm/"+validToken, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `<form method="post" action="/confirm/`+validToken+`">`)
	}
	assert.Empty(t, ts.confirm.tokens, "opening the link must not use the token")

	rec := ts.do(http.MethodPost, "/confirm/"+validToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Event confirmed")
	assert.NotContains(t, rec.Body.String(), "<form")

	rec = ts.do(http.MethodPost, "/confirm/"+validToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "already used")
}

func TestInboundWebhook(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/webhooks/inbound", `{"type":"email","text":"> Confirm it here:\n> https://sharecal.example.com/confirm/`+validToken+`\n"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"confirmed":true,"messageId":"msg-9"}`, rec.Body.String())

	rec = ts.do(http.MethodPost, "/webhooks/inbound", `{"type":"confirm","token":"`+validToken+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_TOKEN")

	for name, body := range map[string]string{
		"unknown type":  `{"type":"bounce","token":"x"}`,
		"extra field":   `{"type":"confirm","token":"x","admin":true}`,
		"missing token": `{"type":"confirm"}`,
		"not json":      `type=confirm`,
		"no link":       `{"type":"email","text":"thanks!"}`,
	} {
		rec := ts.do(http.MethodPost, "/webhooks/inbound", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR", name)
	}
}

func TestInboundRawEmail(t *testing.T) {
	ts := newTestServer(t, Options{})
	raw := "From: me@example.com\r\nTo: cal@example.com\r\nSubject: Re: [Tentative] Jazz Night\r\nContent-Type: text/plain\r\n\r\nyes please https://sharecal.example.com/confirm/" + validToken + "\r\n"
	body, err := json.Marshal(map[string]string{"type": "email", "raw": raw})
	require.NoError(t, err)

	rec := ts.do(http.MethodPost, "/webhooks/inbound", string(body))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{validToken}, ts.confirm.tokens)
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, Options{BasicAuthUser: "admin", BasicAuthPass: "s3cret"})

	rec := ts.do(http.MethodGet, "/api/jobs", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/jobs", "", func(r *http.Request) { r.SetBasicAuth("admin", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/jobs", "", func(r *http.Request) { r.SetBasicAuth("admin", "s3cret") })
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodPost, "/confirm/"+validToken, "")
	assert.Equal(t, http.StatusOK, rec.Code, "confirm links work without credentials")
}

func TestRateLimitPerClient(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	ts := newTestServer(t, Options{RatePerMinute: 60, RateBurst: 2, Now: func() time.Time { return now }})

	from := func(ip string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = ip + ":5555" }
	}
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/jobs", "", from("10.0.0.1")).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/jobs", "", from("10.0.0.1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(http.MethodGet, "/api/jobs", "", from("10.0.0.1")).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/jobs", "", from("10.0.0.2")).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "", from("10.0.0.1")).Code)

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/jobs", "", from("10.0.0.1")).Code)
}
