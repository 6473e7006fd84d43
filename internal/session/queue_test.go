package session

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](4)
	for i := range 4 {
		if !q.TryPut(i) {
			t.Fatalf("TryPut(%d) = false, want true", i)
		}
	}
	for want := range 4 {
		if got := <-q.Items(); got != want {
			t.Errorf("item = %d, want %d", got, want)
		}
	}
}

func TestQueue_DropsNewestOnOverflow(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](2)
	q.TryPut("a")
	q.TryPut("b")
	if q.TryPut("c") {
		t.Error("TryPut on full queue = true, want false")
	}
	if got := q.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	if got := q.Drops(); got != 1 {
		t.Errorf("Drops = %d, want 1", got)
	}
	// The oldest items survive; the newest was discarded.
	if got := <-q.Items(); got != "a" {
		t.Errorf("first item = %q, want %q", got, "a")
	}
	if got := <-q.Items(); got != "b" {
		t.Errorf("second item = %q, want %q", got, "b")
	}
}

func TestQueue_Drain(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](8)
	for i := range 5 {
		q.TryPut(i)
	}
	if got := q.Drain(); got != 5 {
		t.Errorf("Drain = %d, want 5", got)
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len after drain = %d, want 0", got)
	}
	if got := q.Drain(); got != 0 {
		t.Errorf("second Drain = %d, want 0", got)
	}
}

func TestQueue_BoundedUnderOverflow(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("size never exceeds capacity and drops equal the overflow", prop.ForAll(
		func(capacity, puts int) bool {
			q := NewQueue[int](capacity)
			accepted := 0
			for i := range puts {
				if q.TryPut(i) {
					accepted++
				}
			}
			wantDrops := max(puts-capacity, 0)
			return q.Len() <= capacity &&
				accepted == puts-wantDrops &&
				q.Drops() == int64(wantDrops)
		},
		gen.IntRange(1, 200),
		gen.IntRange(0, 400),
	))

	properties.TestingRun(t)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	const producers = 8
	const perProducer = 50
	q := NewQueue[int](100)

	var wg sync.WaitGroup
	for range producers {
		wg.Go(func() {
			for i := range perProducer {
				q.TryPut(i)
			}
		})
	}
	wg.Wait()

	kept := int64(q.Len())
	if kept > 100 {
		t.Errorf("Len = %d, want <= 100", kept)
	}
	if total := kept + q.Drops(); total != producers*perProducer {
		t.Errorf("kept %d + dropped %d = %d, want %d", kept, q.Drops(), total, producers*perProducer)
	}
}
