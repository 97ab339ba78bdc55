package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler drives a Queue on two owned tickers: one executes due tasks, the
// other runs full reconciliation. Neither ticker keeps the process alive;
// Stop cancels both without draining the queue.
type Scheduler struct {
	Queue *Queue
	// TickInterval defaults to one second.
	TickInterval time.Duration
	// ReconcileInterval defaults to 30 minutes. A negative value disables
	// periodic full reconciliation.
	ReconcileInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns a scheduler for q with default intervals.
func NewScheduler(q *Queue) *Scheduler {
	return &Scheduler{Queue: q, TickInterval: time.Second, ReconcileInterval: 30 * time.Minute}
}

// Start launches the loops. It is a no-op when already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	tick := s.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	s.wg.Add(1)
	go s.loop(ctx, tick, func(ctx context.Context) { s.Queue.Tick(ctx) })

	every := s.ReconcileInterval
	if every == 0 {
		every = 30 * time.Minute
	}
	if every > 0 {
		s.wg.Add(1)
		go s.loop(ctx, every, func(ctx context.Context) {
			err := s.Queue.SeedFullReconcile(ctx)
			if errors.Is(err, ErrReconcileInProgress) {
				log.Debug().Msg("reconcile: periodic run skipped; previous run still scanning")
			}
		})
	}
	log.Info().Dur("tick", tick).Dur("reconcile_every", every).Msg("reconcile: scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// Stop cancels both loops and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	log.Info().Int("pending", s.Queue.Len()).Msg("reconcile: scheduler stopped")
}
