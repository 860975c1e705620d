package ids

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func TestNewEventIDSequentialOrdering(t *testing.T) {
	const total = 50
	values := make([]string, total)
	for i := range values {
		values[i] = NewEventID()
		if _, err := ulid.Parse(values[i]); err != nil {
			t.Fatalf("invalid ULID %q: %v", values[i], err)
		}
	}

	for i := 1; i < total; i++ {
		if values[i-1] >= values[i] {
			t.Fatalf("expected strictly increasing ids, %s >= %s", values[i-1], values[i])
		}
	}
}

func TestNewEventIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := NewEventID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("unique ids = %d, want %d", len(seen), goroutines*perGoroutine)
	}
}

func TestNewActionIDIsUUID(t *testing.T) {
	if _, err := uuid.Parse(NewActionID()); err != nil {
		t.Fatalf("NewActionID is not a UUID: %v", err)
	}
}
