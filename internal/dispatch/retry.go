package dispatch

import (
	"context"
	"sync"
	"time"
)

type RetryConfig struct {
	Initial time.Duration
	Max     time.Duration
	// Timeout bounds the whole retry window, measured from the first schedule.
	Timeout time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Initial: 5 * time.Second, Max: 2 * time.Minute, Timeout: 30 * time.Minute}
}

// retrier runs at most one backoff loop per request. attempt reports whether
// the loop is done; expire runs once when the window closes first.
type retrier struct {
	cfg     RetryConfig
	attempt func(ctx context.Context, requestID string) bool
	expire  func(ctx context.Context, requestID string)

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[string]context.CancelFunc
}

func newRetrier(cfg RetryConfig, attempt func(context.Context, string) bool, expire func(context.Context, string)) *retrier {
	root, cancel := context.WithCancel(context.Background())
	return &retrier{cfg: cfg, attempt: attempt, expire: expire, root: root, cancel: cancel, loops: make(map[string]context.CancelFunc)}
}

// Schedule starts a loop for requestID unless one is already running.
func (r *retrier) Schedule(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loops[requestID]; ok {
		return false
	}
	if r.root.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(r.root)
	r.loops[requestID] = cancel
	r.wg.Add(1)
	go r.run(ctx, requestID)
	return true
}

func (r *retrier) Stop(requestID string) {
	r.mu.Lock()
	cancel, ok := r.loops[requestID]
	delete(r.loops, requestID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *retrier) Active(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loops[requestID]
	return ok
}

// Close cancels every loop and waits for them to return.
func (r *retrier) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *retrier) run(ctx context.Context, requestID string) {
	defer r.wg.Done()
	defer r.forget(ctx, requestID)

	deadline := time.Now().Add(r.cfg.Timeout)
	delay := r.cfg.Initial
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !time.Now().Before(deadline) {
			r.expire(ctx, requestID)
			return
		}
		if r.attempt(ctx, requestID) {
			return
		}
		delay *= 2
		if delay > r.cfg.Max {
			delay = r.cfg.Max
		}
		wait := delay
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		timer.Reset(wait)
	}
}

// forget drops the loop entry unless Stop already replaced or removed it.
func (r *retrier) forget(ctx context.Context, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if cancel, ok := r.loops[requestID]; ok {
		cancel()
		delete(r.loops, requestID)
	}
}
