package cancel

import (
	"sync"
	"testing"
)

func TestCancelLifecycle(t *testing.T) {
	r := NewRegistry()

	if r.Cancelled("c1") {
		t.Error("fresh conversation reported cancelled")
	}
	if r.Cancel("c1") {
		t.Error("Cancel reported a live generation before Begin")
	}

	r.Begin("c1")
	if r.Cancelled("c1") {
		t.Error("Begin did not reset flag")
	}
	if !r.Cancel("c1") {
		t.Error("Cancel did not report live generation")
	}
	if !r.Cancelled("c1") {
		t.Error("flag not set")
	}

	r.Clear("c1")
	if r.Cancelled("c1") {
		t.Error("flag leaked past Clear")
	}
}

func TestCancelIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Begin("c1")
	first := r.Cancel("c1")
	second := r.Cancel("c1")
	if first != second {
		t.Errorf("first = %v, second = %v", first, second)
	}
	if !r.Cancelled("c1") {
		t.Error("flag not set")
	}
}

func TestBeginResetsPreviousTurnState(t *testing.T) {
	r := NewRegistry()
	r.Begin("c1")
	r.Cancel("c1")
	r.Begin("c1")
	if r.Cancelled("c1") {
		t.Error("cancellation leaked into next turn")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Begin("c1")
			r.Cancelled("c1")
		}()
		go func() {
			defer wg.Done()
			r.Cancel("c1")
		}()
	}
	wg.Wait()
}
