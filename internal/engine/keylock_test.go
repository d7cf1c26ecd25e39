package engine

import (
	"sync"
	"testing"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	km := newKeyedMutex()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := km.Acquire("acct|alice")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("lost updates under contention: counter = %d", counter)
	}
}

func TestKeyedMutex_DuplicateKeysDoNotDeadlock(t *testing.T) {
	km := newKeyedMutex()

	// Self-trade path acquires the same account key on both sides.
	release := km.Acquire("acct|alice", "acct|alice")
	release()
}

func TestKeyedMutex_OverlappingKeyOrder(t *testing.T) {
	km := newKeyedMutex()

	// Two goroutines acquire the same pair in opposite declaration order.
	// Sorted acquisition means neither order can deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release := km.Acquire("acct|alice", "acct|bob")
			release()
		}()
		go func() {
			defer wg.Done()
			release := km.Acquire("acct|bob", "acct|alice")
			release()
		}()
	}
	wg.Wait()
}

func TestKeyedMutex_ReleaseIsIdempotent(t *testing.T) {
	km := newKeyedMutex()

	release := km.Acquire("book|stock-1|100")
	release()
	release() // double release must be a no-op

	// Key must be acquirable again.
	release2 := km.Acquire("book|stock-1|100")
	release2()
}

func TestKeyedMutex_EntriesAreReclaimed(t *testing.T) {
	km := newKeyedMutex()

	release := km.Acquire("book|stock-1|100", "acct|alice")
	release()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("expected all lock entries reclaimed, %d remain", len(km.locks))
	}
}

func TestKeyedMutex_IndependentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()

	releaseA := km.Acquire("book|stock-1|100")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := km.Acquire("book|stock-2|100")
		release()
		close(done)
	}()
	<-done
}
