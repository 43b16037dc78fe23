// Package sessions persists browser login state between crawl runs so a
// warm session can be reused without a fresh Duo challenge.
package sessions

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
)

// profileDirNames are the directory names, in preference order, under which
// crawlers leave their browser profile inside the crawl temp root.
var profileDirNames = []string{"session", "profile", "browser_profile", "selenium_profile", ".profile"}

// Manager maps users to their persisted session directories under a fixed
// root.
type Manager struct {
	Root string
}

func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &Manager{Root: root}, nil
}

// Dir returns the session directory for a user. The directory may not exist.
func (m *Manager) Dir(userID int) string {
	return filepath.Join(m.Root, "user_"+strconv.Itoa(userID))
}

// HasWarmSession reports whether a persisted session with at least one file
// exists for the user.
func (m *Manager) HasWarmSession(userID int) bool {
	dir := m.Dir(userID)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return false
	}
	found := false
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de != nil && de.IsDir() {
				return nil
			}
			found = true
			return filepath.SkipAll
		},
	})
	if err != nil && err != filepath.SkipAll {
		log.Warn().Err(err).Str("dir", dir).Msg("session scan failed")
		return false
	}
	return found
}

// Persist copies the browser profile out of a finished crawl's temp root into
// the user's session directory, replacing whatever was there. If none of the
// known profile subdirectories exist, the whole temp root is copied.
func (m *Manager) Persist(userID int, tmpRoot string) error {
	src := tmpRoot
	for _, name := range profileDirNames {
		candidate := filepath.Join(tmpRoot, name)
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			src = candidate
			break
		}
	}

	dest := m.Dir(userID)
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear session dir: %w", err)
	}
	if err := copyTree(src, dest); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	log.Debug().Int("user_id", userID).Str("src", src).Msg("session persisted")
	return nil
}

func copyTree(src, dest string) error {
	return godirwalk.Walk(src, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			target := filepath.Join(dest, rel)
			if de.IsDir() {
				return os.MkdirAll(target, 0o755)
			}
			if de.IsSymlink() {
				// Profiles occasionally contain lock symlinks; skip them.
				return nil
			}
			return copyFile(path, target)
		},
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
