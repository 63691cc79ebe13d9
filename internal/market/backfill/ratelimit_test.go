package backfill

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Capacity 10/sec with 25 scheduled calls must take at least ~2.4s of
// wall-clock time: the bucket starts empty and refills at 10 tokens/sec.
func TestLimiterThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	l := NewLimiter(10, 10)
	defer l.Close()

	const calls = 25
	started := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := <-l.Schedule(context.Background(), PriorityNormal, func() (interface{}, error) {
				return nil, nil
			})
			if res.Err != nil {
				t.Errorf("unexpected error: %v", res.Err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(started); elapsed < 2300*time.Millisecond {
		t.Errorf("25 calls at 10/sec finished too fast: %v", elapsed)
	}
}

func TestLimiterPriorityOrdering(t *testing.T) {
	l := NewLimiter(1, 5)
	defer l.Close()

	var (
		mu    sync.Mutex
		order []Priority
	)
	record := func(p Priority) func() (interface{}, error) {
		return func() (interface{}, error) {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil, nil
		}
	}

	// Hold the dispatcher on a first job so the rest queue up behind it.
	gate := make(chan struct{})
	first := l.Schedule(context.Background(), PriorityNormal, func() (interface{}, error) {
		<-gate
		return nil, nil
	})

	var results []<-chan Result
	for i := 0; i < 3; i++ {
		results = append(results, l.Schedule(context.Background(), PriorityNormal, record(PriorityNormal)))
	}
	for i := 0; i < 3; i++ {
		results = append(results, l.Schedule(context.Background(), PriorityHigh, record(PriorityHigh)))
	}

	close(gate)
	<-first
	for _, ch := range results {
		<-ch
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 6 {
		t.Fatalf("expected 6 jobs, got %d", len(order))
	}
	for i := 0; i < 3; i++ {
		if order[i] != PriorityHigh {
			t.Fatalf("high-priority job not dispatched first: order=%v", order)
		}
	}
}

func TestLimiterContextCancel(t *testing.T) {
	l := NewLimiter(1, 1)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := <-l.Schedule(ctx, PriorityNormal, func() (interface{}, error) {
		t.Error("cancelled job must not run")
		return nil, nil
	})
	if res.Err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLimiterCloseRejectsPending(t *testing.T) {
	l := NewLimiter(1, 1)

	// Occupy the dispatcher, then close with a job still queued.
	gate := make(chan struct{})
	running := l.Schedule(context.Background(), PriorityNormal, func() (interface{}, error) {
		<-gate
		return nil, nil
	})
	pending := l.Schedule(context.Background(), PriorityNormal, func() (interface{}, error) {
		return nil, nil
	})

	l.Close()
	close(gate)
	<-running

	select {
	case res := <-pending:
		if res.Err != ErrLimiterClosed {
			t.Errorf("expected ErrLimiterClosed, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending job never resolved after Close")
	}

	res := <-l.Schedule(context.Background(), PriorityNormal, func() (interface{}, error) {
		return nil, nil
	})
	if res.Err != ErrLimiterClosed {
		t.Errorf("schedule after close: expected ErrLimiterClosed, got %v", res.Err)
	}
}
