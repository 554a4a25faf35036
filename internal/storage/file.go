package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	logx "alertrelay/pkg/logx"
)

// fileStore keeps records in memory and persists them as:
//   - <prefix>.records.snapshot.json (periodic snapshot)
//   - <prefix>.records.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// after each prune.
//
// A writer holds an exclusive lock on <prefix>.lock for its lifetime, so a
// second writer fails with ErrLocked instead of compacting over the first
// one's journal. A read-only store loads the files once and never writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	lock         *flock.Flock
	readOnly     bool
	closed       bool
	recs         map[recordID]Record

	writes       int
	compactEvery int
}

type journalOp struct {
	Op     string `json:"op"` // put | del
	Record Record `json:"record"`
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

	snapPath := prefix + ".records.snapshot.json"
	journalPath := prefix + ".records.journal.jsonl"

	var lock *flock.Flock
	if !cfg.ReadOnly {
		lock = flock.New(prefix + ".lock")
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lock.Path())
		}
	}
	release := func() {
		if lock != nil {
			_ = lock.Unlock()
		}
	}

	recs := map[recordID]Record{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		release()
		return nil, err
	}
	skipped, err := replayJournal(journalPath, recs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		release()
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal lines", logx.Int("lines", skipped), logx.String("path", journalPath))
	}

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		lock:         lock,
		readOnly:     cfg.ReadOnly,
		recs:         recs,
		compactEvery: 1000,
	}
	if !cfg.ReadOnly {
		jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
		if err != nil {
			release()
			return nil, err
		}
		st.journal = jf
	}

	log.Info("file store opened", logx.String("path", prefix), logx.Int("records", len(recs)), logx.Bool("read_only", cfg.ReadOnly))
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.readOnly {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) Get(ctx context.Context, alertKey, destination string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrDisabled
	}
	r, ok := s.recs[recordID{alertKey, destination}]
	return r, ok, nil
}

func (s *fileStore) Put(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validRecord(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "put", Record: r}); err != nil {
		return err
	}
	s.recs[recordID{r.AlertKey, r.Destination}] = r
	return nil
}

func (s *fileStore) Delete(ctx context.Context, alertKey, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return err
	}
	id := recordID{alertKey, destination}
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalOp{Op: "del", Record: Record{AlertKey: alertKey, Destination: destination}}); err != nil {
		return err
	}
	delete(s.recs, id)
	return nil
}

func (s *fileStore) List(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		if f.match(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sortRecords(out)
	return limitRecords(out, f.Limit), nil
}

func (s *fileStore) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(); err != nil {
		return 0, err
	}
	n := pruneMap(s.recs, before)
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

func (s *fileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	return nil
}

func (s *fileStore) writableLocked() error {
	switch {
	case s.closed:
		return ErrDisabled
	case s.readOnly:
		return ErrReadOnly
	}
	return nil
}

// appendLocked journals op before the in-memory map changes, so a failed
// write leaves both views unchanged.
func (s *fileStore) appendLocked(op journalOp) error {
	if err := s.writableLocked(); err != nil {
		return err
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort: the journal still holds everything if this fails.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	list := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		list = append(list, r)
	}
	sortRecords(list)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
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

func loadSnapshot(path string, out map[recordID]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Record
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, r := range list {
		out[recordID{r.AlertKey, r.Destination}] = r
	}
	return nil
}

// replayJournal applies journal ops in order and reports how many lines it could not decode.
func replayJournal(path string, out map[recordID]Record) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Record.AlertKey == "" {
			skipped++
			continue
		}
		id := recordID{op.Record.AlertKey, op.Record.Destination}
		switch op.Op {
		case "put":
			out[id] = op.Record
		case "del":
			delete(out, id)
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
