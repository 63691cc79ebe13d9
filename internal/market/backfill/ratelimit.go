package backfill

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimiterClosed rejects jobs scheduled against a closed limiter.
var ErrLimiterClosed = errors.New("rate limiter closed")

// Priority orders queued jobs: high-class jobs always dispatch before
// normal-class ones; within a class order is FIFO by enqueue time.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Result carries a scheduled job's outcome.
type Result struct {
	Value interface{}
	Err   error
}

type job struct {
	ctx context.Context
	fn  func() (interface{}, error)
	res chan Result
}

func (j *job) resolve(v interface{}, err error) {
	j.res <- Result{Value: v, Err: err}
}

// Limiter is a token-bucket throttle shared by all outbound historical-data
// requests. The bucket holds capacity tokens, refills at refillPerSec and
// starts empty, so n jobs complete in roughly n/refillPerSec seconds. Jobs
// run in their own goroutine once granted a token; only token grants are
// serialized.
type Limiter struct {
	bucket *rate.Limiter

	mu     sync.Mutex
	high   []*job
	normal []*job
	closed bool

	wake chan struct{}
	done chan struct{}
}

func NewLimiter(capacity, refillPerSec int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = capacity
	}
	bucket := rate.NewLimiter(rate.Limit(refillPerSec), capacity)
	bucket.AllowN(time.Now(), capacity) // drain the initial burst

	l := &Limiter{
		bucket: bucket,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// Schedule enqueues fn and returns a channel that resolves with its result
// once a token has been granted and fn has run. Safe for concurrent use.
func (l *Limiter) Schedule(ctx context.Context, pri Priority, fn func() (interface{}, error)) <-chan Result {
	j := &job{ctx: ctx, fn: fn, res: make(chan Result, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		j.resolve(nil, ErrLimiterClosed)
		return j.res
	}
	if pri == PriorityHigh {
		l.high = append(l.high, j)
	} else {
		l.normal = append(l.normal, j)
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return j.res
}

// Close stops the dispatcher and rejects all pending jobs.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := append(l.high, l.normal...)
	l.high, l.normal = nil, nil
	l.mu.Unlock()

	close(l.done)
	for _, j := range pending {
		j.resolve(nil, ErrLimiterClosed)
	}
}

func (l *Limiter) dispatch() {
	for {
		j := l.next()
		if j == nil {
			return
		}
		if err := l.waitToken(j.ctx); err != nil {
			j.resolve(nil, err)
			continue
		}
		go func(j *job) {
			v, err := j.fn()
			j.resolve(v, err)
		}(j)
	}
}

// waitToken blocks for a bucket token, aborting on job-context cancellation
// or limiter close. A job already dequeued when Close runs still resolves
// with ErrLimiterClosed.
func (l *Limiter) waitToken(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if err := l.bucket.Wait(waitCtx); err != nil {
		select {
		case <-l.done:
			return ErrLimiterClosed
		default:
			return err
		}
	}
	return nil
}

// next pops the highest-priority pending job, blocking until one exists or
// the limiter closes.
func (l *Limiter) next() *job {
	for {
		l.mu.Lock()
		var j *job
		switch {
		case len(l.high) > 0:
			j, l.high = l.high[0], l.high[1:]
		case len(l.normal) > 0:
			j, l.normal = l.normal[0], l.normal[1:]
		}
		l.mu.Unlock()

		if j != nil {
			return j
		}

		select {
		case <-l.wake:
		case <-l.done:
			return nil
		}
	}
}
