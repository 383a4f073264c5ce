package keylock_test

import (
	"sync"
	"testing"

	"e2eed/internal/util/keylock"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var tbl keylock.Table
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := tbl.Lock("session")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if n := tbl.Len(); n != 0 {
		t.Fatalf("entries left behind: %d", n)
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	var tbl keylock.Table
	unlock := tbl.Lock("a")
	unlock()
	unlock()
	done := tbl.Lock("a")
	done()
}
