package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("k", []byte("v")))
	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// Overwrite.
	require.NoError(t, s.Set("k", []byte("v2")))
	got, err = s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryStoreGetBlocksUntilSet(t *testing.T) {
	s := NewMemoryStore()
	done := make(chan []byte, 1)
	go func() {
		got, err := s.Get("late")
		if err != nil {
			done <- nil
			return
		}
		done <- got
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Set("late", []byte("x")))
	select {
	case got := <-done:
		assert.Equal(t, []byte("x"), got)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Set")
	}
}

func TestMemoryStoreWaitTimeout(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set("present", nil))
	start := time.Now()
	err := s.Wait([]string{"present", "missing"}, 30*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryStoreConcurrentRanks(t *testing.T) {
	// The rendezvous pattern: every rank publishes its key and waits for
	// everyone else's.
	s := NewMemoryStore()
	const n = 8
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("addr/%d", i)
	}
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Set(keys[i], []byte{byte(i)}); err != nil {
				errs[i] = err
				return
			}
			errs[i] = s.Wait(keys, 5*time.Second)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoErrorf(t, err, "rank %d", i)
	}
}

func TestPrefixStoreIsolation(t *testing.T) {
	base := NewMemoryStore()
	a := NewPrefixStore("a", base)
	b := NewPrefixStore("b", base)

	require.NoError(t, a.Set("k", []byte("from-a")))
	require.NoError(t, b.Set("k", []byte("from-b")))

	got, err := a.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), got)

	got, err = base.Get("a/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), got)

	err = a.Wait([]string{"only-in-b"}, 20*time.Millisecond)
	require.Error(t, err)
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Set("addr/0", []byte("127.0.0.1:1234")))
	got, err := s.Get("addr/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("127.0.0.1:1234"), got)

	// Keys with separators must not escape the directory.
	require.NoError(t, s.Set("../escape", []byte("x")))
	got, err = s.Get("../escape")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestFileStoreWaitTimeout(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	err = s.Wait([]string{"never"}, 30*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never")
}

func TestFileStoreWaitSeesLateSet(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Set("late", []byte("v"))
	}()
	require.NoError(t, s.Wait([]string{"late"}, 5*time.Second))
}
