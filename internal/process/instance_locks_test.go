package process

import (
	"testing"
	"time"
)

func TestInstanceLocksArePerInstance(t *testing.T) {
	var locks instanceLocks
	unlockA := locks.lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := locks.lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("lock on b blocked behind a")
	}

	acquired := make(chan func())
	go func() { acquired <- locks.lock("a") }()
	select {
	case <-acquired:
		t.Fatalf("second lock on a acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	select {
	case unlock := <-acquired:
		unlock()
	case <-time.After(2 * time.Second):
		t.Fatalf("second lock on a never acquired")
	}
	if n := locks.size(); n != 0 {
		t.Fatalf("expected lock table emptied, got %d entries", n)
	}
}
