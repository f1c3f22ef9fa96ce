package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"jobclock/internal/job"
	logx "jobclock/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore is the memory store made durable with two files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
type fileStore struct {
	*memoryStore

	log          logx.Logger
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type snapshot struct {
	Jobs       []*job.ScheduledJob `json:"jobs"`
	Executions []*job.Execution    `json:"executions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemory()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	fs := &fileStore{
		memoryStore:  mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		writes:       n,
		compactEvery: every,
	}
	mem.persist = fs.appendLocked
	log.Debug("file store opened",
		logx.String("snapshot", snapPath),
		logx.Int("jobs", len(mem.jobs)),
		logx.Int("executions", len(mem.execs)),
		logx.Int("journal_records", n),
	)
	return fs, nil
}

// appendLocked runs under memoryStore.mu.
func (s *fileStore) appendLocked(rec record) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Jobs:       make([]*job.ScheduledJob, 0, len(s.jobs)),
		Executions: make([]*job.Execution, 0, len(s.execs)),
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	for _, e := range s.execs {
		snap.Executions = append(snap.Executions, e)
	}
	sortJobs(snap.Jobs)
	sortExecutions(snap.Executions)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

// Close writes a final snapshot so the next open starts without a journal.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	s.closed = true
	if cerr != nil {
		return cerr
	}
	return err
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, j := range snap.Jobs {
		mem.jobs[j.ID] = j
	}
	for _, e := range snap.Executions {
		mem.execs[e.ID] = e
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn last
// line from a crash is skipped.
func replayJournal(path string, mem *memoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch {
		case rec.Job != nil:
			mem.jobs[rec.Job.ID] = rec.Job
		case rec.DeleteJob != "":
			delete(mem.jobs, rec.DeleteJob)
		case rec.Exec != nil:
			mem.execs[rec.Exec.ID] = rec.Exec
		}
		n++
	}
	return n, sc.Err()
}
