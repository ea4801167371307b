package reconcile

import (
	"context"
	"time"
)

// Scheduler triggers a reconciler pass on a fixed interval.
type Scheduler struct {
	r        *Reconciler
	interval time.Duration
	stop     chan struct{}
	stopped  chan struct{}
}

func NewScheduler(r *Reconciler, interval time.Duration) *Scheduler {
	return &Scheduler{
		r:        r,
		interval: interval,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs a pass immediately and then every interval until Stop or ctx is
// done. Call it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	s.r.log.WithContext(ctx).WithField("interval", s.interval.String()).Info("reconcile scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pass(ctx)
	for {
		select {
		case <-ticker.C:
			s.pass(ctx)
		case <-s.stop:
			s.r.log.WithContext(ctx).Info("reconcile scheduler stopped")
			return
		case <-ctx.Done():
			s.r.log.WithContext(ctx).Info("reconcile scheduler context cancelled")
			return
		}
	}
}

// Stop signals the scheduler to stop and waits for the running pass to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) pass(ctx context.Context) {
	if _, err := s.r.Run(ctx); err != nil {
		s.r.log.WithContext(ctx).WithError(err).Error("reconcile pass failed")
	}
}
