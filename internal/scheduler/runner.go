// Package scheduler owns job execution: the single crawl+compress slot, the
// pipeline that moves a job from queued to a terminal state, boot-time
// recovery, and the recurring-scrape loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/seanblong/coursebrief/internal/compress"
	"github.com/seanblong/coursebrief/internal/crawler"
	"github.com/seanblong/coursebrief/internal/job"
	"github.com/seanblong/coursebrief/internal/streamstore"
	"github.com/seanblong/coursebrief/pkg/models"
)

const (
	// DefaultInterval is the recurrence of scheduled scrapes.
	DefaultInterval = 24 * time.Hour
	// DefaultTick is how often the recurring loop checks for due users.
	DefaultTick = 60 * time.Second
	// DefaultWaitRefresh is how often a queued job refreshes its wait status.
	DefaultWaitRefresh = 5 * time.Second
	// DefaultSummarizeOverTokens routes oversized corpora through the
	// whole-corpus summarizer before block compression.
	DefaultSummarizeOverTokens = 400000
)

// Store is the persistence surface the runner needs.
type Store interface {
	CreateJob(ctx context.Context, userID int, status string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID, status, duoCode string) error
	SaveDocument(ctx context.Context, doc *models.Document) error
	ActiveJobExists(ctx context.Context, userID int, statuses []string) (bool, error)
	RequeueNonTerminal(ctx context.Context, statuses []string, requeueStatus string) ([]*models.Job, error)
	DueAutoScrapes(ctx context.Context, now time.Time) ([]*models.AutoScrape, error)
	ScheduleNextRun(ctx context.Context, userID int, last, next time.Time) error
}

// Sessions is the warm-session surface the runner needs.
type Sessions interface {
	Dir(userID int) string
	HasWarmSession(userID int) bool
	Persist(userID int, tmpRoot string) error
}

// DocumentIndexer persists a finished corpus with its retrieval index.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, userID int, jobID, text string) (*models.Document, error)
}

// Request describes one job submission. Credentials are held only for the
// duration of the run and are never persisted.
type Request struct {
	UserID           int
	Username         string
	Password         string
	Headless         bool
	ReuseSessionOnly bool
	// Test runs the synthetic crawler instead of a real scrape.
	Test bool
}

// Runner executes jobs one at a time through the shared slot.
type Runner struct {
	Store      Store
	Slot       *Slot
	Layout     *streamstore.Layout
	Sessions   Sessions
	Crawler    crawler.Crawler
	Compressor *compress.Compressor
	Indexer    DocumentIndexer
	Logger     zerolog.Logger

	// FinalTruncate hard-caps the persisted document at the target corpus size.
	FinalTruncate bool
	// SummarizeOverTokens, when positive, sends corpora over this size through
	// the progressive summarizer before block compression.
	SummarizeOverTokens int
	Interval            time.Duration
	WaitRefresh         time.Duration

	now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Runner) interval() time.Duration {
	if r.Interval > 0 {
		return r.Interval
	}
	return DefaultInterval
}

func (r *Runner) waitRefresh() time.Duration {
	if r.WaitRefresh > 0 {
		return r.WaitRefresh
	}
	return DefaultWaitRefresh
}

// Enqueue creates a queued job and starts it on its own goroutine.
func (r *Runner) Enqueue(ctx context.Context, req Request) (*models.Job, error) {
	jb, err := r.Store.CreateJob(ctx, req.UserID, string(job.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	go r.Run(context.Background(), jb, req)
	return jb, nil
}

// Run drives one job to a terminal state. It blocks until done; Enqueue calls
// it on a fresh goroutine.
func (r *Runner) Run(ctx context.Context, jb *models.Job, req Request) {
	tr := job.NewTracker(r.Store, jb.ID, r.Layout.JobLog(jb.ID), r.Logger)

	defer func() {
		if p := recover(); p != nil {
			tr.Logf("Exception: %v", p)
			tr.SetStatus(ctx, job.StatusFailed, "")
		}
	}()

	if !r.Slot.TryAcquire(jb.ID) {
		tr.SetStatus(ctx, job.StatusWaiting, "waiting for the job slot")
		err := r.Slot.Acquire(ctx, jb.ID, r.waitRefresh(), func(pos int) {
			tr.Logf("waiting for job slot (position %d)", pos+1)
		})
		if err != nil {
			tr.Logf("Exception: %v", err)
			tr.SetStatus(ctx, job.StatusFailed, "")
			return
		}
	}
	defer r.Slot.Release()

	err := r.execute(ctx, tr, req)
	switch {
	case err == nil:
		tr.SetStatus(ctx, job.StatusCompleted, "job completed")
	case errors.Is(err, crawler.ErrNoWarmSession):
		tr.SetStatus(ctx, job.StatusSkipped, "no warm session available")
	default:
		tr.Logf("Exception: %v", err)
		tr.SetStatus(ctx, job.StatusFailed, "")
	}
}

func (r *Runner) execute(ctx context.Context, tr *job.Tracker, req Request) error {
	tr.SetStatus(ctx, job.StatusStarting, "job starting")

	stream := r.Layout.ScrapeStream(req.UserID, tr.JobID())
	if err := stream.Reset(); err != nil {
		return fmt.Errorf("reset scrape stream: %w", err)
	}

	cfg := crawler.Config{
		Username:         req.Username,
		Password:         req.Password,
		Headless:         req.Headless,
		ReuseSessionOnly: req.ReuseSessionOnly,
		SessionDir:       r.Sessions.Dir(req.UserID),
		StreamPath:       stream.Path(),
	}

	cr := r.Crawler
	if req.Test {
		cr = &crawler.SyntheticCrawler{}
	}

	tr.SetStatus(ctx, job.StatusLoggingIn, "starting crawl")
	res, err := cr.Crawl(ctx, cfg, tr.Callback(ctx))
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(res.TmpRoot); rmErr != nil {
			tr.Logf("failed to remove crawl temp dir: %v", rmErr)
		}
	}()

	if err := r.Sessions.Persist(req.UserID, res.TmpRoot); err != nil {
		// A lost session only costs the next reuse-only run.
		tr.Logf("session persist failed: %v", err)
	}

	rawBytes, err := os.ReadFile(res.InputPath)
	if err != nil {
		return fmt.Errorf("read crawl output: %w", err)
	}
	raw := string(rawBytes)

	comp := *r.Compressor
	comp.Log = func(line string) { tr.Logf("%s", line) }

	if r.SummarizeOverTokens > 0 {
		if n := comp.EstimateTokens(raw); n > r.SummarizeOverTokens {
			tr.SetStatus(ctx, job.StatusSummarizing, fmt.Sprintf("corpus is %d tokens, summarizing first", n))
			raw, err = comp.ProgressiveSummarize(ctx, raw)
			if err != nil {
				return fmt.Errorf("summarize: %w", err)
			}
		}
	}

	out := r.Layout.CompressedStream(req.UserID, tr.JobID())
	if err := out.Reset(); err != nil {
		return fmt.Errorf("reset output stream: %w", err)
	}
	defer out.Close()

	tr.SetStatus(ctx, job.StatusCompressing, fmt.Sprintf("compressing %d bytes of scraped material", len(raw)))
	if err := comp.StreamCompress(ctx, raw, out); err != nil {
		return err
	}

	text, err := out.Read()
	if err != nil {
		return fmt.Errorf("read compressed stream: %w", err)
	}
	if r.FinalTruncate {
		text = comp.Truncate(text)
	}

	if r.Indexer != nil {
		_, ierr := r.Indexer.IndexDocument(ctx, req.UserID, tr.JobID(), text)
		if ierr == nil {
			return nil
		}
		// Retrieval is an enhancement; the document itself must survive.
		tr.Logf("indexing failed, saving document without chunks: %v", ierr)
	}
	doc := &models.Document{ID: uuid.NewString(), UserID: req.UserID, JobID: tr.JobID(), Content: text}
	if err := r.Store.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// RecoverInterrupted re-queues every job left in a non-terminal state by an
// unclean shutdown and restarts each as a reuse-only run. There is no
// checkpoint resume; a recovered job starts from scratch.
func (r *Runner) RecoverInterrupted(ctx context.Context) error {
	jobs, err := r.Store.RequeueNonTerminal(ctx, job.NonTerminalStatuses(), string(job.StatusQueued))
	if err != nil {
		return fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	for _, jb := range jobs {
		r.Logger.Info().Str("job_id", jb.ID).Int("user_id", jb.UserID).Msg("recovering interrupted job")
		go r.Run(context.Background(), jb, Request{
			UserID:           jb.UserID,
			Headless:         true,
			ReuseSessionOnly: true,
		})
	}
	return nil
}

// AutoScrapeLoop enqueues reuse-only jobs for users whose schedule is due.
// It ticks every DefaultTick and runs until ctx is done.
func (r *Runner) AutoScrapeLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

func (r *Runner) runDue(ctx context.Context) {
	now := r.clock()
	due, err := r.Store.DueAutoScrapes(ctx, now)
	if err != nil {
		r.Logger.Error().Err(err).Msg("failed to list due schedules")
		return
	}
	for _, a := range due {
		log := r.Logger.With().Int("user_id", a.UserID).Logger()

		active, err := r.Store.ActiveJobExists(ctx, a.UserID, job.NonTerminalStatuses())
		if err != nil {
			log.Error().Err(err).Msg("failed to check active jobs")
			continue
		}
		if active {
			log.Debug().Msg("skipping scheduled scrape, job already active")
			continue
		}
		if !r.Sessions.HasWarmSession(a.UserID) {
			log.Warn().Msg("skipping scheduled scrape, no warm session")
			if err := r.Store.ScheduleNextRun(ctx, a.UserID, now, now.Add(r.interval())); err != nil {
				log.Error().Err(err).Msg("failed to reschedule")
			}
			continue
		}

		if _, err := r.Enqueue(ctx, Request{
			UserID:           a.UserID,
			Headless:         a.Headless,
			ReuseSessionOnly: true,
		}); err != nil {
			log.Error().Err(err).Msg("failed to enqueue scheduled scrape")
			continue
		}
		if err := r.Store.ScheduleNextRun(ctx, a.UserID, now, now.Add(r.interval())); err != nil {
			log.Error().Err(err).Msg("failed to reschedule")
		}
		log.Info().Time("next", now.Add(r.interval())).Msg("scheduled scrape enqueued")
	}
}
