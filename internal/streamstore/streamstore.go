// Package streamstore manages the durable, path-keyed file artifacts of a
// job: the append-only log, the live raw scrape stream, and the compressed
// output stream. Files are truncated at job start, appended during
// processing, and expected to survive process restart until superseded.
package streamstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Layout resolves artifact paths under a data root.
type Layout struct {
	root string
}

func NewLayout(root string) (*Layout, error) {
	for _, d := range []string{"job_logs", "scrape_stream", "stream_out"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create stream dir %s: %w", d, err)
		}
	}
	return &Layout{root: root}, nil
}

// JobLog is the per-job append-only log file.
func (l *Layout) JobLog(jobID string) *AppendFile {
	return &AppendFile{path: filepath.Join(l.root, "job_logs", "job_"+jobID+".log")}
}

// ScrapeStream is the live raw capture written while the crawler runs.
func (l *Layout) ScrapeStream(userID int, jobID string) *AppendFile {
	return &AppendFile{path: filepath.Join(l.root, "scrape_stream", fmt.Sprintf("scrape_%d_%s.txt", userID, jobID))}
}

// CompressedStream is the job's compressed corpus, the durable source of
// truth for chat context once the job completes.
func (l *Layout) CompressedStream(userID int, jobID string) *AppendFile {
	return &AppendFile{path: filepath.Join(l.root, "stream_out", fmt.Sprintf("stream_%d_%s.txt", userID, jobID))}
}

// Open wraps an arbitrary path as an AppendFile, for artifacts that live
// outside a Layout.
func Open(path string) *AppendFile {
	return &AppendFile{path: path}
}

// AppendFile is an append-only file with an explicit durability point: every
// Append is flushed and fsynced before returning, so a crash after an Append
// cannot lose that unit of work. A single worker owns each file for the
// lifetime of its job; the mutex only guards lazy opening against polling
// readers.
type AppendFile struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func (a *AppendFile) Path() string { return a.path }

// Reset truncates (or creates) the file. Called once at job start.
func (a *AppendFile) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f != nil {
		a.f.Close()
		a.f = nil
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reset %s: %w", a.path, err)
	}
	a.f = f
	return nil
}

// Append writes s and fsyncs before returning.
func (a *AppendFile) Append(s string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", a.path, err)
		}
		a.f = f
	}
	if _, err := a.f.WriteString(s); err != nil {
		return fmt.Errorf("append %s: %w", a.path, err)
	}
	if err := a.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", a.path, err)
	}
	return nil
}

// Close releases the handle; the file remains on disk.
func (a *AppendFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Read returns the full current contents. Safe to call while the owning
// worker is still appending; readers see a durable prefix.
func (a *AppendFile) Read() (string, error) {
	b, err := os.ReadFile(a.path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Exists reports whether the file is present on disk.
func (a *AppendFile) Exists() bool {
	fi, err := os.Stat(a.path)
	return err == nil && !fi.IsDir()
}

// Size returns the current byte size, or 0 when absent.
func (a *AppendFile) Size() int64 {
	fi, err := os.Stat(a.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
