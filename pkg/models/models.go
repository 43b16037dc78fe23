package models

import "time"

// User is an account that owns jobs and documents.
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Job tracks one scrape+compress run through its lifecycle. Log lines live in a
// per-job file, not here, to bound database growth.
type Job struct {
	ID        string    `json:"id"`
	UserID    int       `json:"user_id"`
	Status    string    `json:"status"`
	DuoCode   string    `json:"duo_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document holds the full compressed corpus produced by a completed job. It is
// the durable copy of the job's stream file and survives process restarts.
type Document struct {
	ID        string    `json:"id"`
	UserID    int       `json:"user_id"`
	JobID     string    `json:"job_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is one fixed-token-size slice of a document with its embedding vector.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AutoScrape is the per-user recurring scrape schedule. Credentials are never
// stored; recurring runs are reuse-only and depend on a warm browser session.
type AutoScrape struct {
	ID        string     `json:"id"`
	UserID    int        `json:"user_id"`
	Enabled   bool       `json:"enabled"`
	Headless  bool       `json:"headless"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
