package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sharecal/internal/common"
	"sharecal/internal/config"
	"sharecal/internal/domain"
	"sharecal/internal/settings"
)

type memQueue struct {
	mu   sync.Mutex
	jobs []domain.QueueJob
}

func (q *memQueue) Enqueue(_ context.Context, p domain.SharedPayload, snap domain.Snapshot) (domain.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := domain.QueueJob{ID: p.URL, Payload: p, Tentative: snap.Tentative, Instructions: snap.Instructions, Status: domain.StatusPending}
	q.jobs = append(q.jobs, j)
	return j, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

var fixed = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload([]byte(`{"url":" https://example.com/e ","title":"Gig","selectedText":null,"createdAt":"2025-05-30T10:00:00+02:00"}`), fixed)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/e", p.URL)
	assert.Equal(t, "Gig", p.Title)
	assert.Equal(t, time.Date(2025, 5, 30, 8, 0, 0, 0, time.UTC), p.CreatedAt)

	p, err = DecodePayload([]byte(`{"url":"https://example.com/e"}`), fixed)
	require.NoError(t, err)
	assert.Equal(t, fixed, p.CreatedAt)

	for name, in := range map[string]string{
		"not json":      `{"url":`,
		"missing url":   `{"title":"x"}`,
		"url not text":  `{"url":42}`,
		"empty url":     `{"url":""}`,
		"relative url":  `{"url":"/events/1"}`,
		"ftp url":       `{"url":"ftp://example.com/file"}`,
		"bad createdAt": `{"url":"https://example.com","createdAt":"yesterday"}`,
		"array":         `[]`,
	} {
		_, err := DecodePayload([]byte(in), fixed)
		assert.ErrorIs(t, err, common.ErrValidation, name)
	}
}

func newInbox(t *testing.T) (*Inbox, *memQueue, string) {
	t.Helper()
	dir := t.TempDir()
	q := &memQueue{}
	s := settings.FromConfig(config.RoutingConfig{Tentative: true, Instructions: "be brief"})
	in := NewInbox(dir, q, s, 20*time.Millisecond, nil, zerolog.Nop())
	in.now = func() time.Time { return fixed }
	return in, q, dir
}

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestScanOnce(t *testing.T) {
	in, q, dir := newInbox(t)
	var triggered int32
	in.OnEnqueue(func() { atomic.AddInt32(&triggered, 1) })

	write(t, dir, "b.json", `{"url":"https://example.com/b"}`)
	write(t, dir, "a.json", `{"url":"https://example.com/a"}`)
	write(t, dir, "bad.json", `{"url":"nope"}`)
	write(t, dir, "notes.txt", `ignored`)

	n, err := in.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, atomic.LoadInt32(&triggered))

	require.Len(t, q.jobs, 2)
	assert.Equal(t, "https://example.com/a", q.jobs[0].Payload.URL)
	assert.True(t, q.jobs[0].Tentative, "settings snapshot is applied")
	assert.Equal(t, "be brief", q.jobs[0].Instructions)

	assert.NoFileExists(t, filepath.Join(dir, "a.json"))
	assert.NoFileExists(t, filepath.Join(dir, "bad.json"))
	assert.FileExists(t, filepath.Join(dir, failedDir, "bad.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	in, q, dir := newInbox(t)
	_, err := in.ScanOnce(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- in.Watch(ctx) }()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	write(t, dir, "share.json", `{"url":"https://example.com/new"}`)

	assert.Eventually(t, func() bool { return q.len() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "share.json"))
		return os.IsNotExist(err)
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-errc)
}

func TestWatchIngestsFilesThatArrivedBeforeIt(t *testing.T) {
	in, q, dir := newInbox(t)
	_, err := in.ScanOnce(context.Background())
	require.NoError(t, err)
	triggers := 0
	in.OnEnqueue(func() { triggers++ })

	// Dropped after the startup scan but before the watcher exists.
	write(t, dir, "early.json", `{"url":"https://example.com/early"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- in.Watch(ctx) }()

	assert.Eventually(t, func() bool { return q.len() == 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.NoFileExists(t, filepath.Join(dir, "early.json"))
	assert.Equal(t, 1, triggers)
}
