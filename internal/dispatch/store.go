package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sharecal/internal/common"
	"sharecal/internal/domain"
)

// EnsureSchema creates the confirmations table if it doesn't exist. Times are unix millis.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS confirmations (
  token TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  to_addr TEXT NOT NULL,
  from_addr TEXT NOT NULL,
  subject TEXT NOT NULL,
  text_body TEXT NOT NULL,
  artifact BLOB NOT NULL,
  filename TEXT NOT NULL,
  content_type TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  used_at INTEGER,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_confirmations_expires ON confirmations(expires_at);
`
	_, err := db.Exec(schema)
	return err
}

// ConfirmationStore keeps tentative dispatches until their token is used or expires.
type ConfirmationStore interface {
	Save(ctx context.Context, c domain.Confirmation) error
	// Claim marks an unused, unexpired token as used and returns it. Anything else
	// is an InvalidToken error and changes nothing.
	Claim(ctx context.Context, token string, now time.Time) (domain.Confirmation, error)
	// Release undoes a Claim so the token can be used again.
	Release(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) ConfirmationStore { return &sqliteStore{db: db} }

func (s *sqliteStore) Save(ctx context.Context, c domain.Confirmation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO confirmations (token,job_id,to_addr,from_addr,subject,text_body,artifact,filename,content_type,expires_at,used_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,NULL,?)`,
		c.Token, c.JobID, c.To, c.From, c.Subject, c.TextBody,
		c.Artifact.Data, c.Artifact.Filename, c.Artifact.ContentType,
		c.ExpiresAt.UnixMilli(), c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save confirmation: %w", err)
	}
	return nil
}

func (s *sqliteStore) Claim(ctx context.Context, token string, now time.Time) (domain.Confirmation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Confirmation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE confirmations SET used_at=?
WHERE token=? AND used_at IS NULL AND expires_at > ?`, now.UnixMilli(), token, now.UnixMilli())
	if err != nil {
		return domain.Confirmation{}, fmt.Errorf("claim confirmation: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Confirmation{}, common.Errorf(common.KindInvalidToken, "confirmation token is unknown, used or expired")
	}

	var (
		c                domain.Confirmation
		expires, created int64
		used             sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
SELECT token,job_id,to_addr,from_addr,subject,text_body,artifact,filename,content_type,expires_at,used_at,created_at
FROM confirmations WHERE token=?`, token).Scan(
		&c.Token, &c.JobID, &c.To, &c.From, &c.Subject, &c.TextBody,
		&c.Artifact.Data, &c.Artifact.Filename, &c.Artifact.ContentType,
		&expires, &used, &created)
	if err != nil {
		return domain.Confirmation{}, fmt.Errorf("load confirmation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Confirmation{}, err
	}
	c.ExpiresAt = time.UnixMilli(expires).UTC()
	c.CreatedAt = time.UnixMilli(created).UTC()
	if used.Valid {
		t := time.UnixMilli(used.Int64).UTC()
		c.UsedAt = &t
	}
	return c, nil
}

func (s *sqliteStore) Release(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE confirmations SET used_at=NULL WHERE token=?`, token)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM confirmations WHERE token=?`, token)
	return err
}

func (s *sqliteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM confirmations WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IsInvalidToken reports whether err is the InvalidToken outcome.
func IsInvalidToken(err error) bool { return errors.Is(err, common.ErrInvalidToken) }
