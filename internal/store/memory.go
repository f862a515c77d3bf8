package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence, single process).
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][][]byte
	sets   map[string]map[string]struct{}
	leases map[string]time.Time

	// maxWait bounds how long Lock polls for a busy lease before giving up
	// with ErrLockHeld.
	maxWait time.Duration
}

// NewMemoryStore creates a new in-memory store with a 2s lock wait bound.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string][]byte),
		lists:   make(map[string][][]byte),
		sets:    make(map[string]map[string]struct{}),
		leases:  make(map[string]time.Time),
		maxWait: 2 * time.Second,
	}
}

// SetLockWait overrides the bounded lock wait (tests shorten it).
func (s *MemoryStore) SetLockWait(d time.Duration) { s.maxWait = d }

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.values[key] = v
	return nil
}

func (s *MemoryStore) Append(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.lists[key] = append(s.lists[key], v)
	return nil
}

func (s *MemoryStore) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		c := make([]byte, len(v))
		copy(c, v)
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) Trim(_ context.Context, key string, keep int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	if int64(len(list)) > keep {
		s.lists[key] = append([][]byte(nil), list[int64(len(list))-keep:]...)
	}
	return nil
}

func (s *MemoryStore) AddToSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveFromSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

// Lock acquires a leased lock for key. Expired leases are reclaimed so a
// crashed holder cannot wedge the resource forever. Contention is polled
// with a short backoff up to maxWait, then surfaces as ErrLockHeld.
func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	deadline := time.Now().Add(s.maxWait)

	for {
		s.mu.Lock()
		expiry, held := s.leases[key]
		if !held || time.Now().After(expiry) {
			until := time.Now().Add(ttl)
			s.leases[key] = until
			s.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					s.mu.Lock()
					// Only release our own lease; a reclaimed-and-reissued
					// lease has a different expiry.
					if e, ok := s.leases[key]; ok && e.Equal(until) {
						delete(s.leases, key)
					}
					s.mu.Unlock()
				})
			}, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, ErrLockHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
