// Package job tracks a scrape+compress job through its lifecycle: an ordered
// set of status values persisted to the store, plus an append-only per-job
// log file that keeps log volume out of the database.
package job

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Status is the job's current lifecycle state. The happy path runs
// queued → starting → logging_in → compressing → completed, with summarizing
// as an alternate pre-compression pass on some flows. The crawler's status
// callback may additionally surface free-form interactive-auth states.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusWaiting     Status = "queued (waiting for another user's scrape to complete)"
	StatusStarting    Status = "starting"
	StatusLoggingIn   Status = "logging_in"
	StatusCompressing Status = "compressing"
	StatusSummarizing Status = "summarizing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	// StatusSkipped ends a reuse-only job that found no warm session; an
	// expected condition, recoverable on the next scheduled cycle.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether a job in this state will never be worked again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// NonTerminalStatuses lists every state the boot-time recovery pass re-marks
// as queued after a crash.
func NonTerminalStatuses() []string {
	return []string{
		string(StatusQueued),
		string(StatusWaiting),
		string(StatusStarting),
		string(StatusLoggingIn),
		string(StatusCompressing),
		string(StatusSummarizing),
	}
}

// Store is the slice of durable storage the tracker needs: a keyed update of
// the job's current status and duo code. Empty arguments leave the
// corresponding field unchanged.
type Store interface {
	UpdateJobStatus(ctx context.Context, jobID, status, duoCode string) error
}

// LogAppender receives durable per-job log lines.
type LogAppender interface {
	Append(s string) error
}

// Tracker mutates one job's status record and log. Exactly one worker owns a
// tracker for the job's lifetime; the crawler's synchronous status callback
// runs on that same worker.
type Tracker struct {
	store  Store
	jobID  string
	logTo  LogAppender
	logger zerolog.Logger
	now    func() time.Time
}

func NewTracker(store Store, jobID string, logTo LogAppender, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		jobID:  jobID,
		logTo:  logTo,
		logger: logger.With().Str("job_id", jobID).Logger(),
		now:    time.Now,
	}
}

func (t *Tracker) JobID() string { return t.jobID }

// SetStatus transitions the job and records the transition as a log line.
func (t *Tracker) SetStatus(ctx context.Context, s Status, logLine string) {
	t.SetStatusText(ctx, string(s), logLine)
}

// SetStatusText writes a free-form status value (crawler-reported states, the
// waiting banner) without interpreting it.
func (t *Tracker) SetStatusText(ctx context.Context, status, logLine string) {
	if err := t.store.UpdateJobStatus(ctx, t.jobID, Sanitize(status), ""); err != nil {
		t.logger.Error().Err(err).Str("status", status).Msg("failed to persist job status")
	}
	if logLine != "" {
		t.Logf("%s", logLine)
	}
	t.logger.Info().Str("status", status).Msg("job status")
}

// Duo surfaces a one-time verification code: mirrored into the status value
// for immediate visibility and persisted in its own column.
func (t *Tracker) Duo(ctx context.Context, code string) {
	code = Sanitize(code)
	if len(code) > 64 {
		code = code[:64]
	}
	if err := t.store.UpdateJobStatus(ctx, t.jobID, "DUO CODE: "+code, code); err != nil {
		t.logger.Error().Err(err).Msg("failed to persist duo code")
	}
	t.Logf("Duo code captured: %s", code)
}

// Logf appends one timestamped line to the job's log file.
func (t *Tracker) Logf(format string, args ...any) {
	msg := Sanitize(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
	line := t.now().UTC().Format("15:04:05") + " " + msg + "\n"
	if err := t.logTo.Append(line); err != nil {
		t.logger.Error().Err(err).Msg("failed to append job log line")
	}
	t.logger.Debug().Msg(msg)
}

// Callback adapts the tracker to the crawler's status-callback contract. All
// four kinds (status, duo, log, snippet) are accepted and durably recorded.
func (t *Tracker) Callback(ctx context.Context) func(kind, message string) {
	return func(kind, message string) {
		switch kind {
		case "status":
			t.SetStatusText(ctx, message, "")
		case "duo":
			t.Duo(ctx, message)
		default:
			t.Logf("[%s] %s", kind, message)
		}
	}
}

var controlRe = regexp.MustCompile(`[\x01-\x08\x0B\x0C\x0E-\x1F]`)

// Sanitize strips NUL and non-printing control characters before a value
// reaches durable storage.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return controlRe.ReplaceAllString(s, "")
}
