package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"sharecal/internal/common"
	"sharecal/internal/domain"
)

// EnsureSchema creates the jobs table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  position INTEGER PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  data TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Enqueue appends a pending job. snap is copied into the job so later
	// settings changes never reach it.
	Enqueue(ctx context.Context, p domain.SharedPayload, snap domain.Snapshot) (domain.QueueJob, error)
	List(ctx context.Context) ([]domain.QueueJob, error)
	Get(ctx context.Context, id string) (domain.QueueJob, error)
	// MarkProcessing moves a pending job to processing. ok is false when the
	// job is gone or no longer pending.
	MarkProcessing(ctx context.Context, id string) (job domain.QueueJob, ok bool, err error)
	MarkFailed(ctx context.Context, id, message string) error
	// Delete removes a job after a successful run.
	Delete(ctx context.Context, id string) error
	// Retry moves a failed job back to pending.
	Retry(ctx context.Context, id string) (domain.QueueJob, error)
	// Discard removes a job the user gave up on. A job that is being processed
	// cannot be discarded.
	Discard(ctx context.Context, id string) error
	// RecoverStale returns jobs that have sat in processing for longer than
	// olderThan to pending. Younger jobs may belong to another live process.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB, now func() time.Time) Repository {
	if now == nil {
		now = time.Now
	}
	return &sqliteRepo{db: db, now: now}
}

// mutate runs fn over the full ordered job list inside one write transaction and
// stores whatever list fn returns. The transaction is rolled back on every error path.
func (r *sqliteRepo) mutate(ctx context.Context, fn func(jobs []domain.QueueJob) ([]domain.QueueJob, error)) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin queue tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	jobs, err := load(ctx, tx)
	if err != nil {
		return err
	}
	next, err := fn(jobs)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	for i, j := range next {
		data, merr := json.Marshal(j)
		if merr != nil {
			err = fmt.Errorf("encode job %s: %w", j.ID, merr)
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO jobs (position,id,data) VALUES (?,?,?)`, i, j.ID, string(data)); err != nil {
			return fmt.Errorf("write job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func load(ctx context.Context, q querier) ([]domain.QueueJob, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,data FROM jobs ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.QueueJob
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, common.NewError(common.KindCorruptStore, "unreadable job row", err)
		}
		var j domain.QueueJob
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, common.NewError(common.KindCorruptStore, fmt.Sprintf("job %s is not valid JSON", id), err)
		}
		if j.ID != id || !validStatus(j.Status) {
			return nil, common.Errorf(common.KindCorruptStore, "job %s has inconsistent data", id)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func validStatus(s domain.JobStatus) bool {
	switch s {
	case domain.StatusPending, domain.StatusProcessing, domain.StatusFailed:
		return true
	}
	return false
}

func indexOf(jobs []domain.QueueJob, id string) int {
	for i, j := range jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func notFound(id string) error {
	return fmt.Errorf("job %s: %w", id, common.ErrNotFound)
}

func (r *sqliteRepo) Enqueue(ctx context.Context, p domain.SharedPayload, snap domain.Snapshot) (domain.QueueJob, error) {
	now := r.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	job := domain.QueueJob{
		ID:           uuid.NewString(),
		Payload:      p,
		Tentative:    snap.Tentative,
		Multiday:     snap.Multiday,
		ReviewFirst:  snap.ReviewFirst,
		Instructions: snap.Instructions,
		Overrides:    snap.Overrides,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := r.mutate(ctx, func(jobs []domain.QueueJob) ([]domain.QueueJob, error) {
		return append(jobs, job), nil
	})
	if err != nil {
		return domain.QueueJob{}, err
	}
	return job, nil
}

func (r *sqliteRepo) List(ctx context.Context) ([]domain.QueueJob, error) {
	return load(ctx, r.db)
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.QueueJob, error) {
	jobs, err := load(ctx, r.db)
	if err != nil {
		return domain.QueueJob{}, err
	}
	i := indexOf(jobs, id)
	if i < 0 {
		return domain.QueueJob{}, notFound(id)
	}
	return jobs[i], nil
}

func (r *sqliteRepo) MarkProcessing(ctx context.Context, id string) (domain.QueueJob, bool, error) {
	var (
		job domain.QueueJob
		ok  bool
	)
	err := r.mutate(ctx, func(jobs []domain.QueueJob) ([]domain.QueueJob, error) {
		i := indexOf(jobs, id)
		if i < 0 || jobs[i].Status != domain.StatusPending {
			return jobs, nil
		}
		jobs[i].Status = domain.StatusProcessing
		jobs[i].ErrorMessage = ""
		jobs[i].UpdatedAt = r.now().UTC()
		job, ok = jobs[i], true
		return jobs, nil
	})
	return job, ok, err
}

func (r *sqliteRepo) MarkFailed(ctx context.Context, id, message string) error {
	return r.mutate(ctx, func(jobs []domain.QueueJob) ([]domain.QueueJob, error) {
		i := indexOf(jobs, id)
		if i < 0 {
			return nil, notFound(id)
		}
		jobs[i].Status = domain.StatusFailed
		jobs[i].ErrorMessage = message
		jobs[i].UpdatedAt = r.now().UTC()
		return jobs, nil
	})
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	return r.mutate(ctx, func(jobs []domain.QueueJob) ([]domain.QueueJob, error) {
		i := indexOf(jobs, id)
		if i < 0 {
			return nil, notFound(id)
		}
		return append(jobs[:i], jobs[i+1:]...), nil
	})
}

func (r *sqliteRepo) Retry(ctx context.Context, id string) (domain.QueueJob, error) {
	var job domain.QueueJob
	err := r.mutate(ctx, func(jobs []domain.QueueJob) ([]domain.QueueJob, error) {
		i := indexOf(jobs, id)
		if i < 0 {
			return nil, notFound(id)
		}
		if jobs[i].Status != domain.StatusFailed {
			return nil, common.Errorf(common.KindValidation, "job %s is %s, only failed jobs can be retried", id, jobs[i].Status)
		}
		jobs[i].Status = domain.StatusPending
		jobs[i].ErrorMessage = ""
		jobs[i].UpdatedAt = r.now().UTC()
		job = jobs[i]
		return jobs, nil
	})
	return job, err
}

func (r *sqliteRepo) Discard(ctx context.Context, id string) error {
	return r.mutate(ctx, func(jobs []domain.QueueJob) ([]domain.QueueJob, error) {
		i := indexOf(jobs, id)
		if i < 0 {
			return nil, notFound(id)
		}
		if jobs[i].Status == domain.StatusProcessing {
			return nil, fmt.Errorf("job %s is being processed: %w", id, common.ErrConflict)
		}
		return append(jobs[:i], jobs[i+1:]...), nil
	})
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	n := 0
	err := r.mutate(ctx, func(jobs []domain.QueueJob) ([]domain.QueueJob, error) {
		now := r.now().UTC()
		for i := range jobs {
			if jobs[i].Status == domain.StatusProcessing && now.Sub(jobs[i].UpdatedAt) > olderThan {
				jobs[i].Status = domain.StatusPending
				jobs[i].UpdatedAt = now
				n++
			}
		}
		return jobs, nil
	})
	return n, err
}
