package crawler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecCrawler drives an external browser-automation binary. The config is
// written to the child's stdin as JSON, and the child reports progress on
// stdout, one event per line:
//
//	STATUS <name>
//	DUO <code>
//	anything else -> log line
//
// The child writes the raw scrape stream to cfg.StreamPath itself and is
// expected to exit zero on success.
type ExecCrawler struct {
	Command string
	Args    []string
}

func (c *ExecCrawler) Crawl(ctx context.Context, cfg Config, report StatusFunc) (*Result, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("crawler command not configured")
	}
	if report == nil {
		report = func(string, string) {}
	}
	if cfg.ReuseSessionOnly {
		if !dirHasEntries(cfg.SessionDir) {
			return nil, ErrNoWarmSession
		}
	}

	tmp, err := os.MkdirTemp("", "crawl_")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() {
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			report(KindLog, fmt.Sprintf("failed to remove temp directory %s: %v", tmp, rmErr))
		}
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = tmp
	cmd.Env = append(os.Environ(), "CRAWL_TMP="+tmp)

	payload, err := json.Marshal(cfg)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("encode crawler config: %w", err)
	}
	cmd.Stdin = strings.NewReader(string(payload))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("crawler stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("crawler stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("start crawler: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			report(KindLog, sc.Text())
		}
	}()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		kind, msg := parseEvent(sc.Text())
		report(kind, msg)
	}

	if err := cmd.Wait(); err != nil {
		cleanup()
		return nil, fmt.Errorf("crawler exited: %w", err)
	}
	if _, err := os.Stat(cfg.StreamPath); err != nil {
		cleanup()
		return nil, fmt.Errorf("crawler produced no stream at %s: %w", cfg.StreamPath, err)
	}

	// The compressed pipeline reads its input from a copy so the live stream
	// file stays append-only for readers.
	input := filepath.Join(tmp, "scrape_input.txt")
	raw, err := os.ReadFile(cfg.StreamPath)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("read scrape stream: %w", err)
	}
	if err := os.WriteFile(input, raw, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("write input copy: %w", err)
	}
	return &Result{InputPath: input, TmpRoot: tmp}, nil
}

func parseEvent(line string) (kind, msg string) {
	switch {
	case strings.HasPrefix(line, "STATUS "):
		return KindStatus, strings.TrimSpace(strings.TrimPrefix(line, "STATUS "))
	case strings.HasPrefix(line, "DUO "):
		return KindDuo, strings.TrimSpace(strings.TrimPrefix(line, "DUO "))
	default:
		return KindLog, line
	}
}

func dirHasEntries(dir string) bool {
	if dir == "" {
		return false
	}
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
