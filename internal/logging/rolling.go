package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// rollingFile appends log lines to a single file and renames it aside with
// a timestamp suffix once it exceeds maxBytes. Rotated files older than
// maxAge are removed on the next rotation.
type rollingFile struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	maxAge   time.Duration
}

func openRollingFile(cfg Config) (*rollingFile, error) {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = defaultMaxAgeDays
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	return &rollingFile{
		path:     cfg.FilePath,
		file:     file,
		size:     info.Size(),
		maxBytes: int64(maxSize) * 1024 * 1024,
		maxAge:   time.Duration(maxAge) * 24 * time.Hour,
	}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: rotation failed: %v\n", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotate renames the active file aside and reopens a fresh one.
// Called with r.mu held.
func (r *rollingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", r.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(r.path, rotated); err != nil {
		// Keep logging to the oversized file rather than lose output.
		reopened, openErr := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if openErr != nil {
			return openErr
		}
		r.file = reopened
		return err
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	r.file = file
	r.size = 0
	r.pruneOld()
	return nil
}

// pruneOld deletes rotated siblings past the retention window.
func (r *rollingFile) pruneOld() {
	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(dir, entry.Name()))
	}
}
