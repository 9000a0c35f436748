package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{" Error ", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	logger := Init(Config{Format: "json", Level: "info", Component: "testsvc", FilePath: path})
	logger.Info().Str("k", "v").Msg("file output")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.SplitN(string(data), "\n", 2)[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "testsvc" {
		t.Errorf("component = %v, want testsvc", entry["component"])
	}
	if entry["message"] != "file output" {
		t.Errorf("message = %v, want %q", entry["message"], "file output")
	}
}

func TestRollingFileRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	rf, err := openRollingFile(Config{FilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	rf.maxBytes = 64

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 3; i++ {
		if _, err := rf.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	rotated := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "app.log.") {
			rotated++
		}
	}
	if rotated == 0 {
		t.Fatal("expected at least one rotated file")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 64 {
		t.Errorf("active file size %d exceeds limit after rotation", info.Size())
	}
}

func TestRollingFilePrunesOld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	rf, err := openRollingFile(Config{FilePath: path, MaxAgeDays: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	stale := filepath.Join(dir, "app.log.20200101T000000")
	if err := os.WriteFile(stale, []byte("old"), 0o640); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(dir, "app.log.20990101T000000")
	if err := os.WriteFile(fresh, []byte("new"), 0o640); err != nil {
		t.Fatal(err)
	}

	rf.pruneOld()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale rotated file was not pruned")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("recent rotated file should survive pruning")
	}
}

func TestTapReceivesJSONLines(t *testing.T) {
	var (
		mu    sync.Mutex
		lines [][]byte
	)
	SetTap(func(line []byte) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})
	defer SetTap(nil)

	// Console format must not affect the tap, which sees the raw stream.
	logger := Init(Config{Format: "console", Level: "info"})
	logger.Info().Str("source", "tap").Msg("tapped")
	Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(lines) == 0 {
		t.Fatal("tap received no lines")
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[len(lines)-1], &entry); err != nil {
		t.Fatalf("tap line is not JSON: %v", err)
	}
	if entry["message"] != "tapped" {
		t.Errorf("message = %v, want tapped", entry["message"])
	}
	if entry["source"] != "tap" {
		t.Errorf("source = %v, want tap", entry["source"])
	}
}
