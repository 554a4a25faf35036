package storage

import (
	"context"
	"sync"
	"time"
)

type recordID struct{ key, dest string }

// Memory keeps records in a map. Nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	recs map[recordID]Record
}

func NewMemory() *Memory {
	return &Memory{recs: map[recordID]Record{}}
}

func (m *Memory) Get(ctx context.Context, alertKey, destination string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[recordID{alertKey, destination}]
	return r, ok, nil
}

func (m *Memory) Put(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validRecord(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[recordID{r.AlertKey, r.Destination}] = r
	return nil
}

func (m *Memory) Delete(ctx context.Context, alertKey, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := recordID{alertKey, destination}
	if _, ok := m.recs[id]; !ok {
		return ErrNotFound
	}
	delete(m.recs, id)
	return nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		if f.match(r) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortRecords(out)
	return limitRecords(out, f.Limit), nil
}

func (m *Memory) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return pruneMap(m.recs, before), nil
}

func pruneMap(recs map[recordID]Record, before time.Time) int {
	n := 0
	for id, r := range recs {
		if r.Status == StatusResolved && r.UpdatedAt.Before(before) {
			delete(recs, id)
			n++
		}
	}
	return n
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
