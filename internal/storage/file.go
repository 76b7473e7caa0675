package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chronod/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout: a single append-only JSON Lines file of run records. PruneRuns
// compacts it in place by rewriting the surviving records. The whole record
// set is kept in memory; the cleanup task keeps it bounded.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
	recs []runLine
}

type runLine struct {
	RunID      string `json:"run_id"`
	Task       string `json:"task"`
	StartedMS  int64  `json:"started_ms"`
	DurationMS int64  `json:"duration_ms"`
	Attempts   int    `json:"attempts"`
	Status     string `json:"status"`
	Error      string `json:"err,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	recs, err := loadRunLines(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f, recs: recs}, nil
}

func loadRunLines(path string) ([]runLine, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []runLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r runLine
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			// Tolerate a torn tail line from a crash mid-append.
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	_, err := os.Stat(s.path)
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, rec RunRecord) error {
	if rec.Started.IsZero() {
		rec.Started = time.Now().UTC()
	}
	line := runLine{
		RunID:      rec.RunID,
		Task:       rec.Task,
		StartedMS:  rec.Started.UnixMilli(),
		DurationMS: rec.Duration.Milliseconds(),
		Attempts:   rec.Attempts,
		Status:     rec.Status,
		Error:      rec.Error,
		Payload:    rec.Payload,
	}
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.recs = append(s.recs, line)
	return nil
}

func (s *fileStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	cutMS := cutoff.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrDisabled
	}

	kept := s.recs[:0]
	var pruned int64
	for _, r := range s.recs {
		if r.StartedMS < cutMS {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	if pruned == 0 {
		return 0, nil
	}
	s.recs = kept

	// Compact: rewrite survivors to a temp file, then swap.
	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(tf)
	for _, r := range s.recs {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			_ = tf.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tf.Close()
		return 0, err
	}
	if err := tf.Close(); err != nil {
		return 0, err
	}

	_ = s.f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return pruned, err
	}
	s.f = f
	return pruned, nil
}

func (s *fileStore) TaskStats(ctx context.Context, since time.Time) ([]TaskStat, error) {
	sinceMS := since.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrDisabled
	}

	type agg struct {
		runs, failures, retries, durSum, lastMS int64
	}
	byTask := map[string]*agg{}
	for _, r := range s.recs {
		if r.StartedMS < sinceMS {
			continue
		}
		a := byTask[r.Task]
		if a == nil {
			a = &agg{}
			byTask[r.Task] = a
		}
		a.runs++
		if r.Status == "error" {
			a.failures++
		}
		if r.Attempts > 1 {
			a.retries += int64(r.Attempts - 1)
		}
		a.durSum += r.DurationMS
		if r.StartedMS > a.lastMS {
			a.lastMS = r.StartedMS
		}
	}

	names := make([]string, 0, len(byTask))
	for name := range byTask {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TaskStat, 0, len(names))
	for _, name := range names {
		a := byTask[name]
		st := TaskStat{
			Task:     name,
			Runs:     a.runs,
			Failures: a.failures,
			Retries:  a.retries,
			LastRun:  time.UnixMilli(a.lastMS).UTC(),
		}
		if a.runs > 0 {
			st.AvgDurationMS = a.durSum / a.runs
		}
		out = append(out, st)
	}
	return out, nil
}
