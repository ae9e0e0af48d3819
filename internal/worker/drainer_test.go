package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sharecal/internal/common"
	"sharecal/internal/domain"
	"sharecal/internal/queue"
	"sharecal/internal/storage"
)

func newQueue(t *testing.T) queue.Repository {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "w.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db, nil)
}

func enqueue(t *testing.T, repo queue.Repository, url string) domain.QueueJob {
	t.Helper()
	j, err := repo.Enqueue(context.Background(), domain.SharedPayload{URL: url}, domain.Snapshot{})
	require.NoError(t, err)
	return j
}

func TestDrainIsFaultIsolating(t *testing.T) {
	repo := newQueue(t)
	a := enqueue(t, repo, "https://a.example")
	b := enqueue(t, repo, "https://b.example")

	var order []string
	proc := ProcessorFunc(func(_ context.Context, job domain.QueueJob) error {
		order = append(order, job.Payload.URL)
		if job.ID == a.ID {
			return common.Errorf(common.KindFetchTimeout, "sidecar did not answer")
		}
		return nil
	})
	d := NewDrainer(repo, proc, time.Second, time.Hour, nil, zerolog.Nop())

	st, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2, Succeeded: 1, Failed: 1}, st)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, order)

	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)
	assert.Equal(t, domain.StatusFailed, jobs[0].Status)
	assert.Equal(t, "sidecar did not answer", jobs[0].ErrorMessage)

	_, err = repo.Get(context.Background(), b.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestFailedJobsWaitForRetry(t *testing.T) {
	repo := newQueue(t)
	a := enqueue(t, repo, "https://a.example")

	var calls int32
	fail := true
	proc := ProcessorFunc(func(context.Context, domain.QueueJob) error {
		atomic.AddInt32(&calls, 1)
		if fail {
			return errors.New("boom")
		}
		return nil
	})
	d := NewDrainer(repo, proc, time.Second, time.Hour, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	st, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Processed, "failed jobs are not retried automatically")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	fail = false
	_, err = repo.Retry(ctx, a.ID)
	require.NoError(t, err)
	st, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Succeeded)

	jobs, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobTimeoutAndPanicFailTheJob(t *testing.T) {
	repo := newQueue(t)
	slow := enqueue(t, repo, "https://slow.example")
	enqueue(t, repo, "https://panic.example")

	proc := ProcessorFunc(func(ctx context.Context, job domain.QueueJob) error {
		if job.ID == slow.ID {
			<-ctx.Done()
			return common.NewError(common.KindFetchTimeout, "fetch timed out", ctx.Err())
		}
		panic("nil map")
	})
	d := NewDrainer(repo, proc, 20*time.Millisecond, time.Hour, nil, zerolog.Nop())

	st, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Failed)

	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Contains(t, jobs[0].ErrorMessage, "fetch timed out")
	assert.Contains(t, jobs[1].ErrorMessage, "panicked")
}

func TestRunDrainsOnTrigger(t *testing.T) {
	repo := newQueue(t)
	done := make(chan string, 4)
	proc := ProcessorFunc(func(_ context.Context, job domain.QueueJob) error {
		done <- job.Payload.URL
		return nil
	})
	d := NewDrainer(repo, proc, time.Second, time.Hour, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	enqueue(t, repo, "https://later.example")
	d.Trigger()

	select {
	case u := <-done:
		assert.Equal(t, "https://later.example", u)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not drained after Trigger")
	}
	cancel()
	assert.NoError(t, <-errc)
}

func TestJobRemovedWhileRunningDoesNotStopThePass(t *testing.T) {
	repo := newQueue(t)
	a := enqueue(t, repo, "https://a.example")
	b := enqueue(t, repo, "https://b.example")
	enqueue(t, repo, "https://c.example")

	var done []string
	proc := ProcessorFunc(func(ctx context.Context, job domain.QueueJob) error {
		done = append(done, job.Payload.URL)
		switch job.ID {
		case a.ID:
			require.NoError(t, repo.Delete(ctx, job.ID))
			return errors.New("boom")
		case b.ID:
			require.NoError(t, repo.Delete(ctx, job.ID))
		}
		return nil
	})
	d := NewDrainer(repo, proc, time.Second, time.Hour, nil, zerolog.Nop())

	st, err := d.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 3, Succeeded: 2, Failed: 1}, st)
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://c.example"}, done)

	jobs, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDrainRecoversOnlyAbandonedJobs(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "w.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	ctx := context.Background()

	// A process that crashed an hour ago left one job in processing.
	crashed := queue.NewSQLiteRepo(db, func() time.Time { return time.Now().Add(-time.Hour) })
	old, err := crashed.Enqueue(ctx, domain.SharedPayload{URL: "https://old.example"}, domain.Snapshot{})
	require.NoError(t, err)
	_, _, err = crashed.MarkProcessing(ctx, old.ID)
	require.NoError(t, err)

	// Another live process is running this one right now.
	repo := queue.NewSQLiteRepo(db, nil)
	live := enqueue(t, repo, "https://live.example")
	_, _, err = repo.MarkProcessing(ctx, live.ID)
	require.NoError(t, err)

	var done []string
	proc := ProcessorFunc(func(_ context.Context, job domain.QueueJob) error {
		done = append(done, job.Payload.URL)
		return nil
	})
	d := NewDrainer(repo, proc, time.Second, time.Hour, nil, zerolog.Nop())

	st, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Succeeded)
	assert.Equal(t, []string{"https://old.example"}, done)

	got, err := repo.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
}
