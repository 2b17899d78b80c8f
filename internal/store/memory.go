package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps records in maps. Writes go to an overlay that is merged on commit.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string][]byte)}
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{base: s.records, readOnly: true})
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{base: s.records, writes: make(map[string]map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for kind, rows := range tx.writes {
		dst, ok := s.records[kind]
		if !ok {
			dst = make(map[string][]byte)
			s.records[kind] = dst
		}
		for id, raw := range rows {
			if raw == nil {
				delete(dst, id)
			} else {
				dst[id] = raw
			}
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// memTx reads through an overlay of pending writes. A nil value marks a delete.
type memTx struct {
	base     map[string]map[string][]byte
	writes   map[string]map[string][]byte
	readOnly bool
}

func (t *memTx) raw(kind, id string) ([]byte, bool) {
	if rows, ok := t.writes[kind]; ok {
		if raw, ok := rows[id]; ok {
			return raw, raw != nil
		}
	}
	raw, ok := t.base[kind][id]
	return raw, ok
}

func (t *memTx) Get(kind, id string, v interface{}) error {
	raw, ok := t.raw(kind, id)
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}

func (t *memTx) set(kind, id string, raw []byte) error {
	if t.readOnly {
		return fmt.Errorf("write in read-only transaction")
	}
	rows, ok := t.writes[kind]
	if !ok {
		rows = make(map[string][]byte)
		t.writes[kind] = rows
	}
	rows[id] = raw
	return nil
}

func (t *memTx) Put(kind, id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return t.set(kind, id, raw)
}

func (t *memTx) Delete(kind, id string) error {
	return t.set(kind, id, nil)
}

func (t *memTx) List(kind string, fn func(id string, raw []byte) error) error {
	ids := make(map[string]struct{})
	for id := range t.base[kind] {
		ids[id] = struct{}{}
	}
	for id := range t.writes[kind] {
		ids[id] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		raw, ok := t.raw(kind, id)
		if !ok {
			continue
		}
		if err := fn(id, raw); err != nil {
			return err
		}
	}
	return nil
}
