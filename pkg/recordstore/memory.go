package recordstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps records in process, ordered per partition.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]map[string]any
}

// NewMemoryStore builds an empty in-process record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]map[string]map[string]any)}
}

func (s *MemoryStore) PutRecord(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.partitions[rec.PK]
	if !ok {
		part = make(map[string]map[string]any)
		s.partitions[rec.PK] = part
	}
	part[rec.SK] = deepCopy(rec.Item)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, pk, sk string) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.partitions[pk][sk]
	if !ok {
		return nil, false, nil
	}
	return deepCopy(item), true, nil
}

func (s *MemoryStore) QueryPrefix(_ context.Context, pk, skPrefix string, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part := s.partitions[pk]
	keys := make([]string, 0, len(part))
	for sk := range part {
		if strings.HasPrefix(sk, skPrefix) {
			keys = append(keys, sk)
		}
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, sk := range keys {
		item := deepCopy(part[sk])
		if filter != nil && !filter(item) {
			continue
		}
		out = append(out, Record{PK: pk, SK: sk, Item: item})
	}
	return out, nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, pk, sk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.partitions[pk], sk)
	return nil
}

func deepCopy(item map[string]any) map[string]any {
	if item == nil {
		return nil
	}
	out := make(map[string]any, len(item))
	for k, v := range item {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopy(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if m, ok := e.(map[string]any); ok {
					cp[i] = deepCopy(m)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
