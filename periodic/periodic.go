// Package periodic implements the generic cooperative timer (C4) used to
// drive the synchronize and ledger-maintenance services.
package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/foldersync/foldersync/internal/logging"
)

var log = logging.Module("periodic")

// DefaultPeriod is used when a Service's Period has never been set.
const DefaultPeriod = 10 * time.Second

// Service invokes Run every Period seconds on a worker distinct from the
// caller, until Stop or Dispose. Successive invocations never overlap.
type Service struct {
	// Name identifies the service in log lines.
	Name string

	// Run is invoked on every tick. It must not panic.
	Run func(ctx context.Context)

	mu       sync.Mutex
	period   time.Duration
	started  bool
	disposed bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Service with DefaultPeriod and the given run callback.
func New(name string, run func(ctx context.Context)) *Service {
	return &Service{Name: name, Run: run, period: DefaultPeriod}
}

// SetPeriod changes the tick period. Setting it to zero stops the service.
func (s *Service) SetPeriod(d time.Duration) {
	s.mu.Lock()
	s.period = d
	started := s.started
	s.mu.Unlock()

	if d == 0 && started {
		s.Stop()
	}
}

// Period returns the current tick period.
func (s *Service) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.period
}

// Start idempotently launches the background worker. Starting an already
// started service stops it first, so the new period takes effect cleanly.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		panic("periodic: Start called on disposed service " + s.Name)
	}

	if s.started {
		s.mu.Unlock()
		s.Stop()
		s.mu.Lock()
	}

	if s.period <= 0 {
		s.mu.Unlock()
		return
	}

	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	period := s.period
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	go s.loop(ctx, period, stopCh, doneCh)
}

func (s *Service) loop(ctx context.Context, period time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log(ctx).Errorf("%v: run panicked: %v", s.Name, r)
		}
	}()

	s.Run(ctx)
}

// Stop requests cancellation and blocks until the current Run completes.
// Safe to call when not started.
func (s *Service) Stop() {
	s.mu.Lock()

	if s.disposed {
		s.mu.Unlock()
		panic("periodic: Stop called on disposed service " + s.Name)
	}

	if !s.started {
		s.mu.Unlock()
		return
	}

	s.started = false
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Dispose stops the service (if running) and permanently forbids further
// Start/Stop calls.
func (s *Service) Dispose() {
	s.mu.Lock()
	alreadyDisposed := s.disposed
	started := s.started
	s.mu.Unlock()

	if alreadyDisposed {
		return
	}

	if started {
		s.Stop()
	}

	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}
