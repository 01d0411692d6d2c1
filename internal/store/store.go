// Package store is the filesystem backed job queue. A job lives as one
// JSON descriptor file in the watch directory; absence of a terminal
// suffix means pending. The terminal transition writes a structured
// record next to the descriptor and renames it into place, so readers
// never observe a partial record and the transition survives being
// interrupted at any point.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MasonGillDev/instance-scripts/internal/model"
)

const tmpPrefix = ".agentd-"

type Store struct {
	dir string
}

// New opens a job store over dir. The directory must exist, the
// platform side owns its creation.
func New(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch path %s is not a directory", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// ListPending returns the names of pending job descriptors, sorted
// lexicographically so one scan is deterministic.
func (s *Store) ListPending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing watch directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if isTerminal(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Load reads and parses a pending job descriptor.
func (s *Store) Load(name string) (model.Job, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return model.Job{}, fmt.Errorf("reading job %s: %w", name, err)
	}
	return model.ParseJob(b)
}

// MarkTerminal moves the pending descriptor name into its terminal
// form: a record with an explicit state, finished timestamp and
// failure reason, stored under name plus the outcome suffix. The
// record is written to a hidden temp file first and renamed, and the
// pending file is removed last. Calling it again for an already
// terminal job only removes the leftover pending file.
func (s *Store) MarkTerminal(ctx context.Context, name string, job model.Job, outcome model.Outcome, failure string) error {
	pending := filepath.Join(s.dir, name)
	terminal := pending + outcome.Suffix()

	if _, err := os.Stat(terminal); err == nil {
		// rename already happened, finish the interrupted transition
		removePending(ctx, pending)
		return nil
	}

	record := model.Record{
		Job:        job,
		State:      outcome,
		FinishedAt: time.Now().UTC(),
		Failure:    failure,
	}
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding terminal record %s: %w", name, err)
	}

	tmp := filepath.Join(s.dir, tmpPrefix+name+outcome.Suffix())
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("writing terminal record %s: %w", name, err)
	}
	if err := os.Rename(tmp, terminal); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publishing terminal record %s: %w", name, err)
	}
	removePending(ctx, pending)

	slog.InfoContext(ctx, "job finished", "job", name, "state", outcome, "failure", failure)
	return nil
}

func removePending(ctx context.Context, path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.WarnContext(ctx, "can't remove pending descriptor", "path", path, "error", err)
	}
}

// GarbageCollect removes terminal records older than their class's
// retention window. Deletion failures are logged, never fatal.
func (s *Store) GarbageCollect(ctx context.Context, now time.Time, completedTTL, failedTTL time.Duration) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.WarnContext(ctx, "gc can't list watch directory", "error", err)
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		var ttl time.Duration
		switch {
		case strings.HasSuffix(name, model.OutcomeCompleted.Suffix()):
			ttl = completedTTL
		case strings.HasSuffix(name, model.OutcomeFailed.Suffix()):
			ttl = failedTTL
		default:
			continue
		}

		path := filepath.Join(s.dir, name)
		finished, ok := s.finishedAt(e)
		if !ok {
			continue
		}
		if now.Sub(finished) < ttl {
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.WarnContext(ctx, "gc can't remove terminal record", "path", path, "error", err)
			continue
		}
		slog.DebugContext(ctx, "gc removed terminal record", "path", path, "age", now.Sub(finished).String())
	}
}

// finishedAt reads the record's own timestamp, falling back to the
// file modification time for records written by older agents.
func (s *Store) finishedAt(e fs.DirEntry) (time.Time, bool) {
	b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
	if err == nil {
		var record model.Record
		if err := json.Unmarshal(b, &record); err == nil && !record.FinishedAt.IsZero() {
			return record.FinishedAt, true
		}
	}
	info, err := e.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func isTerminal(name string) bool {
	return strings.HasSuffix(name, model.OutcomeCompleted.Suffix()) ||
		strings.HasSuffix(name, model.OutcomeFailed.Suffix())
}
