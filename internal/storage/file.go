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

	"finsched/internal/registry"
	logx "finsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl  (append-only run history, JSON Lines)
//   - <prefix>.jobs.json   (job definition snapshot, rewritten on save)
//
// The run log is periodically compacted against the retention window.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile *os.File
	jobsPath string

	jobs map[string]persistedJob

	retention time.Duration
	appends   int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	jobsPath := prefix + ".jobs.json"

	jobs := map[string]persistedJob{}
	_ = loadJobsSnapshot(jobsPath, jobs)

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		runsPath:  runsPath,
		runsFile:  rf,
		jobsPath:  jobsPath,
		jobs:      jobs,
		retention: cfg.Retention,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile != nil {
		err := s.runsFile.Close()
		s.runsFile = nil
		return err
	}
	return nil
}

func (s *fileStore) SaveJobDefinition(ctx context.Context, def registry.JobDefinition) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[def.ID] = toPersistedJob(def)
	return s.writeJobsSnapshotLocked()
}

func (s *fileStore) DeleteJobDefinition(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	return s.writeJobsSnapshotLocked()
}

func (s *fileStore) LoadJobDefinitions(ctx context.Context) ([]registry.JobDefinition, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.JobDefinition, 0, len(s.jobs))
	for _, p := range s.jobs {
		def, err := fromPersistedJob(p)
		if err != nil {
			s.log.Warn("skipping bad persisted job", logx.String("id", p.ID), logx.Any("err", err))
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) AppendRunRecord(ctx context.Context, rec RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(rec); err != nil {
		return err
	}
	s.appends++
	if s.retention > 0 && s.appends%1000 == 0 {
		// Best-effort compact.
		if err := s.compactRunsLocked(time.Now().Add(-s.retention)); err != nil {
			s.log.Debug("run log compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) LoadRunHistory(ctx context.Context, jobID string, window time.Duration) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	f, err := os.Open(s.runsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		if jobID != "" && r.JobID != jobID {
			continue
		}
		if !cutoff.IsZero() && r.StartedAt.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *fileStore) PruneRunRecords(ctx context.Context, before time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactRunsLocked(before)
}

// compactRunsLocked rewrites the run log keeping records at-or-after cutoff.
func (s *fileStore) compactRunsLocked(cutoff time.Time) error {
	if s.runsFile == nil {
		return errors.New("run log closed")
	}

	in, err := os.Open(s.runsPath)
	if err != nil {
		return err
	}

	tmp := s.runsPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return err
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	w := bufio.NewWriter(out)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}
		w.Write(sc.Bytes())
		w.WriteByte('\n')
	}
	_ = in.Close()
	if err := sc.Err(); err != nil {
		_ = out.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// Swap the live append handle to the compacted file.
	if err := s.runsFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.runsFile = rf
	return nil
}

func (s *fileStore) writeJobsSnapshotLocked() error {
	tmp := s.jobsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.jobsPath)
}

func loadJobsSnapshot(path string, out map[string]persistedJob) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]persistedJob
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}
