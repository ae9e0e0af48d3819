package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sharecal/internal/common"
	"sharecal/internal/domain"
	"sharecal/internal/storage"
)

func newRepo(t *testing.T) (Repository, *sql.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return NewSQLiteRepo(db, func() time.Time { return clock }), db
}

func payload(url string) domain.SharedPayload {
	return domain.SharedPayload{URL: url}
}

func TestEnqueueSnapshotsSettings(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	snap := domain.Snapshot{
		Tentative:    true,
		Multiday:     true,
		Instructions: "prefer evening times",
		Overrides:    domain.Overrides{ToConfirmedEmail: "me@example.com"},
	}
	job, err := repo.Enqueue(ctx, payload("https://example.com/a"), snap)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.False(t, job.Payload.CreatedAt.IsZero())

	snap.Tentative = false
	snap.Instructions = "changed"

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Tentative)
	assert.True(t, got.Multiday)
	assert.Equal(t, "prefer evening times", got.Instructions)
	assert.Equal(t, "me@example.com", got.Overrides.ToConfirmedEmail)
}

func TestListKeepsEnqueueOrder(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	var ids []string
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		j, err := repo.Enqueue(ctx, payload(u), domain.Snapshot{})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	require.NoError(t, repo.Delete(ctx, ids[1]))

	jobs, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[0], jobs[0].ID)
	assert.Equal(t, ids[2], jobs[1].ID)
}

func TestStateMachine(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	job, err := repo.Enqueue(ctx, payload("https://example.com"), domain.Snapshot{})
	require.NoError(t, err)

	_, err = repo.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrValidation, "pending jobs cannot be retried")

	got, ok, err := repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusProcessing, got.Status)

	_, ok, err = repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "already processing")

	require.NoError(t, repo.MarkFailed(ctx, job.ID, "fetch timed out"))
	got, err = repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "fetch timed out", got.ErrorMessage)

	got, err = repo.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)

	require.NoError(t, repo.Discard(ctx, job.ID))
	_, err = repo.Get(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, repo.Discard(ctx, job.ID), common.ErrNotFound)
	_, err = repo.Retry(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestRecoverStaleOnlyTakesAbandonedJobs(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	repo := NewSQLiteRepo(db, func() time.Time { return clock })
	ctx := context.Background()

	a, _ := repo.Enqueue(ctx, payload("https://a.example"), domain.Snapshot{})
	b, _ := repo.Enqueue(ctx, payload("https://b.example"), domain.Snapshot{})
	_, _, err = repo.MarkProcessing(ctx, a.ID)
	require.NoError(t, err)

	// Another process starting up must not take a job that is still running.
	clock = clock.Add(30 * time.Second)
	n, err := repo.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok, err := repo.MarkProcessing(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "live job cannot be claimed twice")

	clock = clock.Add(time.Minute)
	n, err = repo.RecoverStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := repo.List(ctx)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Equal(t, domain.StatusPending, j.Status, j.ID)
	}
	assert.Equal(t, b.ID, jobs[1].ID)
}

func TestDiscardRefusesRunningJob(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	job, err := repo.Enqueue(ctx, payload("https://example.com"), domain.Snapshot{})
	require.NoError(t, err)
	_, _, err = repo.MarkProcessing(ctx, job.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, repo.Discard(ctx, job.ID), common.ErrConflict)
	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)

	require.NoError(t, repo.MarkFailed(ctx, job.ID, "boom"))
	require.NoError(t, repo.Discard(ctx, job.ID))
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Enqueue(ctx, payload("https://example.com"), domain.Snapshot{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	jobs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 20)
}

func TestCorruptRowIsFatal(t *testing.T) {
	repo, db := newRepo(t)
	ctx := context.Background()
	_, err := repo.Enqueue(ctx, payload("https://example.com"), domain.Snapshot{})
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO jobs (position,id,data) VALUES (99,'broken','{not json')`)
	require.NoError(t, err)

	_, err = repo.List(ctx)
	assert.ErrorIs(t, err, common.ErrCorruptStore)
	_, err = repo.Enqueue(ctx, payload("https://example.com/2"), domain.Snapshot{})
	assert.ErrorIs(t, err, common.ErrCorruptStore)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n))
	assert.Equal(t, 2, n, "failed mutation leaves the store untouched")
}
