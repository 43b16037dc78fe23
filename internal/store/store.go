package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/coursebrief/pkg/models"
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, embedDim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS users (
  id            SERIAL PRIMARY KEY,
  username      TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at    TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
  id         TEXT PRIMARY KEY,
  user_id    INT NOT NULL REFERENCES users(id),
  status     TEXT NOT NULL,
  duo_code   TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP WITH TIME ZONE DEFAULT now(),
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS jobs_user_created_idx
  ON jobs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS documents (
  id         TEXT PRIMARY KEY,
  user_id    INT NOT NULL REFERENCES users(id),
  job_id     TEXT NOT NULL DEFAULT '',
  content    TEXT NOT NULL,
  created_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS documents_user_created_idx
  ON documents (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chunks (
  id          TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  idx         INT NOT NULL,
  content     TEXT NOT NULL,
  embedding   vector(%d),
  created_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS chunks_doc_idx_uidx
  ON chunks (document_id, idx);

CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS autoscrapes (
  id          TEXT PRIMARY KEY,
  user_id     INT NOT NULL UNIQUE REFERENCES users(id),
  enabled     BOOLEAN NOT NULL DEFAULT FALSE,
  headless    BOOLEAN NOT NULL DEFAULT TRUE,
  next_run_at TIMESTAMP WITH TIME ZONE,
  last_run_at TIMESTAMP WITH TIME ZONE,
  created_at  TIMESTAMP WITH TIME ZONE DEFAULT now(),
  updated_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, embedDim))
	return err
}

// sanitize strips NUL bytes, which Postgres TEXT columns reject.
func sanitize(t string) string {
	return strings.ReplaceAll(t, "\x00", "")
}

// CreateUser inserts a new user and returns it.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	u := &models.User{Username: username, PasswordHash: passwordHash}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, created_at`,
		username, passwordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByUsername returns the user or nil when no such user exists.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateJob inserts a new job in the given status.
func (s *Store) CreateJob(ctx context.Context, userID int, status string) (*models.Job, error) {
	j := &models.Job{ID: uuid.NewString(), UserID: userID, Status: status}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, user_id, status) VALUES ($1, $2, $3) RETURNING created_at, updated_at`,
		j.ID, userID, status,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob returns a job by id, or nil when it does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, status, duo_code, created_at, updated_at FROM jobs WHERE id = $1`,
		jobID,
	).Scan(&j.ID, &j.UserID, &j.Status, &j.DuoCode, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatus sets the job status and, when duoCode is non-empty, the duo
// code column. An empty duoCode leaves the stored code unchanged.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID, status, duoCode string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status     = $2,
    duo_code   = CASE WHEN $3 <> '' THEN $3 ELSE duo_code END,
    updated_at = now()
WHERE id = $1`, jobID, sanitize(status), sanitize(duoCode))
	return err
}

// LatestJob returns the user's most recent job, or nil when they have none.
func (s *Store) LatestJob(ctx context.Context, userID int) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, status, duo_code, created_at, updated_at
FROM jobs WHERE user_id = $1
ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&j.ID, &j.UserID, &j.Status, &j.DuoCode, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

// ListJobs returns the user's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, userID int, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, status, duo_code, created_at, updated_at
FROM jobs WHERE user_id = $1
ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.UserID, &j.Status, &j.DuoCode, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// ActiveJobExists reports whether the user has a job in any of the given
// statuses.
func (s *Store) ActiveJobExists(ctx context.Context, userID int, statuses []string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE user_id = $1 AND status = ANY($2))`,
		userID, statuses,
	).Scan(&exists)
	return exists, err
}

// RequeueNonTerminal moves every job in one of the given statuses back to
// requeueStatus and returns the affected job ids. Used by boot recovery after
// an unclean shutdown.
func (s *Store) RequeueNonTerminal(ctx context.Context, statuses []string, requeueStatus string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE jobs SET status = $2, updated_at = now()
WHERE status = ANY($1)
RETURNING id, user_id, status, duo_code, created_at, updated_at`,
		statuses, requeueStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.UserID, &j.Status, &j.DuoCode, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// SaveDocument inserts a document.
func (s *Store) SaveDocument(ctx context.Context, doc *models.Document) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO documents (id, user_id, job_id, content) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		doc.ID, doc.UserID, doc.JobID, sanitize(doc.Content),
	).Scan(&doc.CreatedAt)
}

// LatestDocument returns the user's most recent document, or nil when they
// have none.
func (s *Store) LatestDocument(ctx context.Context, userID int) (*models.Document, error) {
	var d models.Document
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, job_id, content, created_at
FROM documents WHERE user_id = $1
ORDER BY created_at DESC LIMIT 1`, userID,
	).Scan(&d.ID, &d.UserID, &d.JobID, &d.Content, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// ReplaceChunks swaps a document's chunk set atomically.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []*models.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}

	b := &pgx.Batch{}
	for _, c := range chunks {
		var ev any
		if c.Embedding != nil {
			ev = pgvector.NewVector(c.Embedding)
		} else {
			ev = (*pgvector.Vector)(nil)
		}
		b.Queue(
			`INSERT INTO chunks (id, document_id, idx, content, embedding) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, documentID, c.Index, sanitize(c.Text), ev,
		)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ChunksByDocument returns a document's chunks in index order.
func (s *Store) ChunksByDocument(ctx context.Context, documentID string) ([]*models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, document_id, idx, content, embedding, created_at
FROM chunks WHERE document_id = $1
ORDER BY idx`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		var ev *pgvector.Vector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &ev, &c.CreatedAt); err != nil {
			return nil, err
		}
		if ev != nil {
			c.Embedding = ev.Slice()
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// GetAutoScrape returns the user's schedule, creating a disabled default row
// on first access.
func (s *Store) GetAutoScrape(ctx context.Context, userID int) (*models.AutoScrape, error) {
	var a models.AutoScrape
	err := s.pool.QueryRow(ctx, `
INSERT INTO autoscrapes (id, user_id) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
RETURNING id, user_id, enabled, headless, next_run_at, last_run_at, created_at, updated_at`,
		uuid.NewString(), userID,
	).Scan(&a.ID, &a.UserID, &a.Enabled, &a.Headless, &a.NextRunAt, &a.LastRunAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAutoScrapeEnabled toggles the schedule; enabling also sets the next run
// time when none is pending.
func (s *Store) SetAutoScrapeEnabled(ctx context.Context, userID int, enabled, headless bool, nextRun time.Time) error {
	if _, err := s.GetAutoScrape(ctx, userID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
UPDATE autoscrapes
SET enabled     = $2,
    headless    = $3,
    next_run_at = CASE WHEN $2 AND next_run_at IS NULL THEN $4 ELSE next_run_at END,
    updated_at  = now()
WHERE user_id = $1`, userID, enabled, headless, nextRun)
	return err
}

// DueAutoScrapes returns enabled schedules whose next run time has passed.
func (s *Store) DueAutoScrapes(ctx context.Context, now time.Time) ([]*models.AutoScrape, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, enabled, headless, next_run_at, last_run_at, created_at, updated_at
FROM autoscrapes
WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*models.AutoScrape
	for rows.Next() {
		var a models.AutoScrape
		if err := rows.Scan(&a.ID, &a.UserID, &a.Enabled, &a.Headless, &a.NextRunAt, &a.LastRunAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		due = append(due, &a)
	}
	return due, rows.Err()
}

// ScheduleNextRun records a run and sets the next one.
func (s *Store) ScheduleNextRun(ctx context.Context, userID int, last, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE autoscrapes
SET last_run_at = $2, next_run_at = $3, updated_at = now()
WHERE user_id = $1`, userID, last, next)
	return err
}
