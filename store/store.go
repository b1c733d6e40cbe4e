// Package store defines the rendezvous key-value store used to exchange
// connection metadata while establishing a communication context, plus the
// in-process, file-backed and prefixing implementations.
//
// The store is only consulted during setup; no collective operation touches
// it afterwards.
package store

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout bounds blocking Get calls on stores that support it.
const DefaultTimeout = 5 * time.Minute

// Store is the rendezvous key-value service.
//
// Implementations must be safe for concurrent use: during rendezvous every
// rank sets and waits on keys at the same time.
type Store interface {
	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error

	// Get returns the value under key, blocking until it is set or the
	// store's timeout expires.
	Get(key string) ([]byte, error)

	// Wait blocks until every key has been set, or timeout expires.
	Wait(keys []string, timeout time.Duration) error
}

// MemoryStore is an in-process Store, used for tests and for running several
// ranks of a group inside one process.
type MemoryStore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	kv      map[string][]byte
	timeout time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore with DefaultTimeout for Get.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		kv:      make(map[string][]byte),
		timeout: DefaultTimeout,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetTimeout changes the timeout applied to blocking Get calls.
func (s *MemoryStore) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
}

// Set implements Store.
func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = append([]byte(nil), value...)
	s.cond.Broadcast()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()
	if err := s.Wait([]string{key}, timeout); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.kv[key]...), nil
}

// Wait implements Store.
func (s *MemoryStore) Wait(keys []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	// Condition variables have no timed wait; a timer broadcast wakes the
	// waiters so they can observe the deadline.
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		missing := ""
		for _, key := range keys {
			if _, ok := s.kv[key]; !ok {
				missing = key
				break
			}
		}
		if missing == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("store: timed out after %s waiting for key %q", timeout, missing)
		}
		s.cond.Wait()
	}
}

// PrefixStore wraps a Store, namespacing every key with a prefix. It is used
// to isolate the rendezvous traffic of independent contexts sharing one
// underlying store.
type PrefixStore struct {
	prefix string
	base   Store
}

var _ Store = (*PrefixStore)(nil)

// NewPrefixStore returns a view of base with prefix prepended to every key.
func NewPrefixStore(prefix string, base Store) *PrefixStore {
	return &PrefixStore{prefix: prefix, base: base}
}

func (s *PrefixStore) join(key string) string { return s.prefix + "/" + key }

// Set implements Store.
func (s *PrefixStore) Set(key string, value []byte) error {
	return s.base.Set(s.join(key), value)
}

// Get implements Store.
func (s *PrefixStore) Get(key string) ([]byte, error) {
	return s.base.Get(s.join(key))
}

// Wait implements Store.
func (s *PrefixStore) Wait(keys []string, timeout time.Duration) error {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.join(key)
	}
	return s.base.Wait(prefixed, timeout)
}
