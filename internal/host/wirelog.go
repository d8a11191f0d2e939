// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Wire traffic session logging: session-numbered
// "YYYY-MM-DD-sessN-grblhost.txt" files under a log directory, a
// background flush loop, and a single AddLine(direction, payload)
// entry point, called from the Host layer for every encoded line or
// real-time byte crossing the protocol engine.
package host

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var sessionFilePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-sess(\d+)-grblhost\.txt$`)

func formatWireTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05.000-07:00")
}

// wireLog is one connection's raw-traffic transcript.
type wireLog struct {
	file    *os.File
	mu      sync.Mutex
	isDirty bool
	done    chan struct{}
}

// newWireLog opens (creating if needed) the next session file in
// logDir for today. A failure to create the directory or file is
// returned so the caller can log a warning and keep running without
// wire logging rather than fail the whole connection over it.
func newWireLog(logDir string) (*wireLog, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	now := time.Now()
	filename := nextSessionFileName(logDir, now)
	logPath := filepath.Join(logDir, filename)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	wl := &wireLog{file: file, done: make(chan struct{})}
	slog.Info("wire traffic log opened", "path", logPath)
	go wl.flushLoop()
	return wl, nil
}

// nextSessionFileName scans logDir for today's existing session files
// and returns the next available name, so restarting the process
// within the same day doesn't overwrite a prior session's transcript.
func nextSessionFileName(logDir string, now time.Time) string {
	today := now.Format("2006-01-02")
	maxSession := -1

	entries, err := os.ReadDir(logDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			m := sessionFilePattern.FindStringSubmatch(entry.Name())
			if len(m) != 3 || m[1] != today {
				continue
			}
			if n, err := strconv.Atoi(m[2]); err == nil && n > maxSession {
				maxSession = n
			}
		}
	}
	return fmt.Sprintf("%s-sess%d-grblhost.txt", today, maxSession+1)
}

func (wl *wireLog) flushLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wl.mu.Lock()
			if wl.isDirty {
				wl.file.Sync()
				wl.isDirty = false
			}
			wl.mu.Unlock()
		case <-wl.done:
			return
		}
	}
}

// AddLine appends one direction-tagged line ("up" from the device,
// "down" to it) to the transcript.
func (wl *wireLog) AddLine(direction, payload string) {
	if wl == nil || wl.file == nil {
		return
	}
	wl.mu.Lock()
	defer wl.mu.Unlock()

	line := fmt.Sprintf("%s %s %s\n", formatWireTime(time.Now()), direction, payload)
	if _, err := wl.file.WriteString(line); err != nil {
		slog.Error("wire traffic log write failed", "error", err)
		return
	}
	wl.isDirty = true
}

func (wl *wireLog) Close() {
	if wl == nil || wl.file == nil {
		return
	}
	close(wl.done)

	wl.mu.Lock()
	defer wl.mu.Unlock()
	wl.file.Sync()
	wl.file.Close()
	wl.file = nil
}
