package llm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mnemo/internal/logging"
)

// =============================================================================
// CALL SCHEDULER - SLOT-LIMITED API CONCURRENCY
// =============================================================================
//
// The scheduler bounds concurrent LLM calls independently of how many
// workers want one. Workers acquire a slot per call and release it as soon
// as the call returns, so a large rewrite batch never holds more provider
// connections than the configured limit.

// SchedulerConfig configures the call scheduler.
type SchedulerConfig struct {
	MaxConcurrent      int           // Max simultaneous API calls
	RatePerSec         float64       // Token-bucket refill rate
	SlotAcquireTimeout time.Duration // Max time to wait for a slot
}

// DefaultSchedulerConfig returns sensible defaults for the Gemini free tier.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent:      4,
		RatePerSec:         1,
		SlotAcquireTimeout: 2 * time.Minute,
	}
}

// Scheduler manages API call slots.
type Scheduler struct {
	config  SchedulerConfig
	slots   chan struct{}
	limiter *rate.Limiter

	totalCalls       int64
	totalWaitNanos   int64
	currentlyWaiting int32
}

// NewScheduler creates a scheduler with the given limits.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultSchedulerConfig().MaxConcurrent
	}
	if config.RatePerSec <= 0 {
		config.RatePerSec = DefaultSchedulerConfig().RatePerSec
	}
	if config.SlotAcquireTimeout <= 0 {
		config.SlotAcquireTimeout = DefaultSchedulerConfig().SlotAcquireTimeout
	}
	return &Scheduler{
		config:  config,
		slots:   make(chan struct{}, config.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSec), config.MaxConcurrent),
	}
}

// Acquire blocks until an API slot and a rate token are available. The
// returned release func must be called exactly once when the call finishes.
func (s *Scheduler) Acquire(ctx context.Context) (release func(), err error) {
	waitStart := time.Now()
	atomic.AddInt32(&s.currentlyWaiting, 1)
	defer atomic.AddInt32(&s.currentlyWaiting, -1)

	acquireCtx, cancel := context.WithTimeout(ctx, s.config.SlotAcquireTimeout)
	defer cancel()

	select {
	case s.slots <- struct{}{}:
	case <-acquireCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("timed out waiting for an API slot after %s", s.config.SlotAcquireTimeout)
	}

	if err := s.limiter.Wait(acquireCtx); err != nil {
		<-s.slots
		return nil, err
	}

	waited := time.Since(waitStart)
	atomic.AddInt64(&s.totalCalls, 1)
	atomic.AddInt64(&s.totalWaitNanos, int64(waited))
	if waited > 5*time.Second {
		logging.LLMDebug("Slot acquired after %.1fs wait (%d waiting)",
			waited.Seconds(), atomic.LoadInt32(&s.currentlyWaiting))
	}

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			<-s.slots
		}
	}, nil
}

// Stats returns cumulative scheduler counters.
func (s *Scheduler) Stats() (totalCalls int64, avgWait time.Duration) {
	calls := atomic.LoadInt64(&s.totalCalls)
	if calls == 0 {
		return 0, 0
	}
	return calls, time.Duration(atomic.LoadInt64(&s.totalWaitNanos) / calls)
}
