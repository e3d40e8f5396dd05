package locking_test

import (
	"sync"
	"testing"
	"time"

	"github.com/openmarkets/clearing-engine/internal/locking"
)

func TestLock_MutualExclusionPerKey(t *testing.T) {
	km := locking.NewKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("acct/alice")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 serialized increments, got %d", counter)
	}
}

func TestLock_DisjointKeysDoNotBlock(t *testing.T) {
	km := locking.NewKeyedMutex()

	unlockA := km.Lock("acct/alice")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("acct/bob")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disjoint key acquisition blocked")
	}
}

func TestLock_OverlappingKeySetsNoDeadlock(t *testing.T) {
	km := locking.NewKeyedMutex()

	// Opposite acquisition orders would deadlock without sorted locking.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := km.Lock("acct/alice", "acct/bob", "series/s1")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := km.Lock("series/s1", "acct/bob", "acct/alice")
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping key sets deadlocked")
	}
}

func TestLock_DuplicateKeys(t *testing.T) {
	km := locking.NewKeyedMutex()

	// Self-referencing operations may pass the same key twice.
	unlock := km.Lock("acct/alice", "acct/alice")
	unlock()

	unlock = km.Lock("acct/alice")
	unlock()
}

func TestUnlock_Idempotent(t *testing.T) {
	km := locking.NewKeyedMutex()

	unlock := km.Lock("series/s1")
	unlock()
	unlock() // second call must be a no-op, not a panic

	unlock = km.Lock("series/s1")
	unlock()
}
