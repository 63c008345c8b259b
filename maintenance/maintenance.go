// Package maintenance implements the ledger maintenance service (C7): a
// periodic sweep that prunes ledger rows whose file no longer exists on
// disk or no longer lies beneath any watched bucket, keeping the table
// from growing without bound as files are moved or deleted out from under
// the watched tree.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foldersync/foldersync/internal/logging"
	"github.com/foldersync/foldersync/internal/metrics"
	"github.com/foldersync/foldersync/ledger"
	"github.com/foldersync/foldersync/periodic"
)

var log = logging.Module("maintenance")

// Service wires a periodic.Service to the prune tick.
type Service struct {
	periodic *periodic.Service

	ledger *ledger.Ledger
	roots  []string
	mtx    *metrics.Registry
}

// New constructs a Service. roots is the set of bucket root directories a
// tracked path must lie beneath to survive pruning.
func New(led *ledger.Ledger, roots []string) *Service {
	s := &Service{ledger: led, roots: roots}
	s.periodic = periodic.New("ledger-maintenance", s.tick)

	return s
}

// SetMetrics wires the optional Prometheus registry updated after every
// prune pass with the current row count.
func (s *Service) SetMetrics(m *metrics.Registry) {
	s.mtx = m
}

// Start begins ticking every period. period <= 0 leaves the service idle.
func (s *Service) Start(ctx context.Context, period time.Duration) {
	s.periodic.SetPeriod(period)
	s.periodic.Start(ctx)
}

// Stop blocks until the in-flight tick, if any, completes.
func (s *Service) Stop() {
	s.periodic.Stop()
}

// RunOnce executes a single prune pass synchronously.
func (s *Service) RunOnce(ctx context.Context) {
	s.tick(ctx)
}

func (s *Service) tick(ctx context.Context) {
	removed := 0

	for _, p := range s.ledger.PopAll(ctx) {
		if s.shouldPrune(p) {
			s.ledger.Remove(ctx, p)
			removed++
		}
	}

	if removed > 0 {
		log(ctx).Infof("pruned %v stale ledger rows", removed)
	}

	if s.mtx != nil {
		s.mtx.LedgerRows.Set(float64(s.ledger.Count(ctx)))
	}
}

func (s *Service) shouldPrune(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return true
	}

	if len(s.roots) == 0 {
		return false
	}

	for _, root := range s.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}

		if rel != "." && !strings.HasPrefix(rel, "..") {
			return false
		}
	}

	return true
}
