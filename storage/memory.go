package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/patrikhermansson/colann/core"
)

// MemoryStore keeps everything in maps. It is the default for tests and
// for indexes built from in-process data.
type MemoryStore struct {
	mu      sync.RWMutex
	columns map[string]map[uint64][]float32
	meta    map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		columns: make(map[string]map[uint64][]float32),
		meta:    make(map[string][]byte),
	}
}

func (s *MemoryStore) WriteVectors(ctx context.Context, column string, rows []core.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.columns[column]
	if !ok {
		col = make(map[uint64][]float32, len(rows))
		s.columns[column] = col
	}
	for _, r := range rows {
		col[r.ID] = core.Clone(r.Vector)
	}
	return nil
}

func (s *MemoryStore) ReadVectors(ctx context.Context, column string, rowIDs []uint64) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col := s.columns[column]
	out := make([][]float32, len(rowIDs))
	for i, id := range rowIDs {
		v, ok := col[id]
		if !ok {
			return nil, storageErr("read", rowKey(column, id), ErrNotFound)
		}
		out[i] = core.Clone(v)
	}
	return out, nil
}

func (s *MemoryStore) ScanColumn(ctx context.Context, column string, fn func(core.Row) error) error {
	s.mu.RLock()
	col := s.columns[column]
	ids := make([]uint64, 0, len(col))
	for id := range col {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		v := core.Clone(col[id])
		s.mu.RUnlock()
		if err := fn(core.Row{ID: id, Vector: v}); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.meta[key]
	if !ok {
		return nil, storageErr("get", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.meta {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*MemoryStore)(nil)
