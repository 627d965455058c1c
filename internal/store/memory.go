package store

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type memRecord struct {
	value     []byte
	expiresAt time.Time // zero = never
}

// MemoryStore keeps records and queues in process under a single mutex.
// Values are copied on the way in and out so callers only ever hold a
// checked-out copy.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memRecord
	queues  map[string]*indexedHeap
	seq     uint64
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memRecord),
		queues:  make(map[string]*indexedHeap),
		clock:   time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = s.newRecord(value, ttl)
	return nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok && !s.expired(rec) {
		return false, nil
	}
	s.records[key] = s.newRecord(value, ttl)
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(rec) {
		delete(s.records, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, queue, id string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.queue(queue)
	if e, ok := h.byID[id]; ok {
		e.score = score
		heap.Fix(h, e.index)
		return nil
	}
	s.seq++
	heap.Push(h, &heapEntry{id: id, score: score, seq: s.seq})
	return nil
}

func (s *MemoryStore) PopMax(ctx context.Context, queue string) (string, float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.queues[queue]
	if !ok || h.Len() == 0 {
		return "", 0, false, nil
	}
	e := heap.Pop(h).(*heapEntry)
	return e.id, e.score, true, nil
}

func (s *MemoryStore) RemoveFromQueue(ctx context.Context, queue, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.queues[queue]
	if !ok {
		return false, nil
	}
	e, ok := h.byID[id]
	if !ok {
		return false, nil
	}
	heap.Remove(h, e.index)
	return true, nil
}

func (s *MemoryStore) Size(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.queues[queue]; ok {
		return h.Len(), nil
	}
	return 0, nil
}

// PurgeExpired drops expired records.
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if s.expired(rec) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) newRecord(value []byte, ttl time.Duration) memRecord {
	rec := memRecord{value: make([]byte, len(value))}
	copy(rec.value, value)
	if ttl > 0 {
		rec.expiresAt = s.clock().Add(ttl)
	}
	return rec
}

func (s *MemoryStore) expired(rec memRecord) bool {
	return !rec.expiresAt.IsZero() && !s.clock().Before(rec.expiresAt)
}

func (s *MemoryStore) queue(name string) *indexedHeap {
	h, ok := s.queues[name]
	if !ok {
		h = &indexedHeap{byID: make(map[string]*heapEntry)}
		s.queues[name] = h
	}
	return h
}

type heapEntry struct {
	id    string
	score float64
	seq   uint64
	index int
}

// indexedHeap is a max-heap on score; equal scores pop in insertion order.
type indexedHeap struct {
	items []*heapEntry
	byID  map[string]*heapEntry
}

func (h *indexedHeap) Len() int { return len(h.items) }

func (h *indexedHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.score != b.score {
		return a.score > b.score
	}
	return a.seq < b.seq
}

func (h *indexedHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *indexedHeap) Push(x any) {
	e := x.(*heapEntry)
	e.index = len(h.items)
	h.items = append(h.items, e)
	h.byID[e.id] = e
}

func (h *indexedHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	delete(h.byID, e.id)
	e.index = -1
	return e
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Purger = (*MemoryStore)(nil)
)
