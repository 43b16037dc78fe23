package crawler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Event kinds reported by a crawl run. Everything that is not a status or duo
// event is treated as a log line.
const (
	KindStatus  = "status"
	KindDuo     = "duo"
	KindLog     = "log"
	KindSnippet = "snippet"
)

// StatusFunc receives crawl progress events. kind is one of the Kind
// constants; unknown kinds are logged verbatim.
type StatusFunc func(kind, message string)

// Config carries everything a crawl run needs. It is built once per job and
// never mutated afterwards; the crawler owns no ambient configuration.
type Config struct {
	Username           string   `json:"username"`
	Password           string   `json:"password"`
	Headless           bool     `json:"headless"`
	ReuseSessionOnly   bool     `json:"reuse_session_only"`
	SessionDir         string   `json:"session_dir"`
	StreamPath         string   `json:"stream_path"`
	TermLabel          string   `json:"term_label,omitempty"`
	PerPage            int      `json:"per_page,omitempty"`
	EnrollmentStates   []string `json:"enrollment_states,omitempty"`
	IncludeUnpublished bool     `json:"include_unpublished"`
}

// Result describes where a finished crawl left its artifacts.
type Result struct {
	// InputPath is the raw scraped text, ready for compression.
	InputPath string
	// TmpRoot is the working directory holding the browser profile, kept
	// around so a warm session can be persisted before cleanup.
	TmpRoot string
}

// ErrNoWarmSession is returned when ReuseSessionOnly is set and no persisted
// session exists for the user.
var ErrNoWarmSession = fmt.Errorf("no warm session available")

type Crawler interface {
	Crawl(ctx context.Context, cfg Config, report StatusFunc) (*Result, error)
}

// SyntheticCrawler produces a small fixed corpus without touching any LMS.
// It backs test runs so the downstream pipeline can be exercised end to end
// with no credentials.
type SyntheticCrawler struct {
	Courses int
}

func (c *SyntheticCrawler) Crawl(ctx context.Context, cfg Config, report StatusFunc) (*Result, error) {
	if report == nil {
		report = func(string, string) {}
	}
	n := c.Courses
	if n <= 0 {
		n = 2
	}
	report(KindStatus, "logging_in")
	report(KindLog, "synthetic crawl: skipping login")

	var b strings.Builder
	for i := 1; i <= n; i++ {
		courseID := 9000 + i
		fmt.Fprintf(&b, "[Synthetic Course %d] PAGE https://canvas.example.edu/courses/%d/pages/front\n", i, courseID)
		fmt.Fprintf(&b, "Welcome to synthetic course %d. This corpus exists to exercise the pipeline.\n", i)
		for w := 1; w <= 6; w++ {
			fmt.Fprintf(&b, "Week %d: readings, a short assignment, and discussion notes for course %d.\n", w, i)
			fmt.Fprintf(&b, "Assignment %d-%d is due Friday and covers the week %d material in depth.\n", i, w, w)
		}
		fmt.Fprintf(&b, "[log] [course done] %d\n", courseID)
		report(KindLog, fmt.Sprintf("synthetic crawl: course %d/%d written", i, n))
	}
	corpus := b.String()

	if cfg.StreamPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StreamPath), 0o755); err != nil {
			return nil, fmt.Errorf("create stream dir: %w", err)
		}
		if err := os.WriteFile(cfg.StreamPath, []byte(corpus), 0o644); err != nil {
			return nil, fmt.Errorf("write scrape stream: %w", err)
		}
	}

	tmp, err := os.MkdirTemp("", "synthetic_crawl_")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	input := filepath.Join(tmp, "scrape_input.txt")
	if err := os.WriteFile(input, []byte(corpus), 0o644); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}
	report(KindLog, "synthetic crawl complete")
	return &Result{InputPath: input, TmpRoot: tmp}, nil
}
