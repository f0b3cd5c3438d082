package queue

import (
	"context"
	"sync"
)

// Store is the list-backed key-value store shared by producers, the
// dispatcher and delivery workers. Each key is a FIFO: Push appends,
// Pop removes the oldest entry. Pop never blocks.
type Store interface {
	// Pop removes and returns the oldest entry. ok is false when the
	// queue is empty.
	Pop(ctx context.Context, queue string) (value string, ok bool, err error)

	// Push appends an entry.
	Push(ctx context.Context, queue, value string) error

	// Requeue puts an entry back so that it is the next one popped.
	Requeue(ctx context.Context, queue, value string) error
}

// DepthReader reports queue lengths.
type DepthReader interface {
	Len(ctx context.Context, queue string) (int64, error)
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string][]string
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ DepthReader = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string][]string)}
}

func (s *MemoryStore) Pop(_ context.Context, queue string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.queues[queue]
	if len(items) == 0 {
		return "", false, nil
	}
	value := items[0]
	s.queues[queue] = items[1:]
	return value, true, nil
}

func (s *MemoryStore) Push(_ context.Context, queue, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[queue] = append(s.queues[queue], value)
	return nil
}

func (s *MemoryStore) Requeue(_ context.Context, queue, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[queue] = append([]string{value}, s.queues[queue]...)
	return nil
}

func (s *MemoryStore) Len(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.queues[queue])), nil
}

// Snapshot returns a copy of a queue, oldest entry first.
func (s *MemoryStore) Snapshot(queue string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.queues[queue]...)
}
