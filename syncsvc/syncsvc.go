// Package syncsvc implements the periodic synchronize service (C6): on
// every tick, while the network is reachable, sweep every bucket for
// untracked files and route previously-failed ledger rows back to their
// owning bucket for retry.
package syncsvc

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/foldersync/foldersync/bucket"
	"github.com/foldersync/foldersync/internal/logging"
	"github.com/foldersync/foldersync/ledger"
	"github.com/foldersync/foldersync/periodic"
	"github.com/foldersync/foldersync/reachability"
)

var log = logging.Module("syncsvc")

// DefaultFailBatch bounds how many failed rows are routed for retry per
// tick, per spec §6's --count flag.
const DefaultFailBatch = 10

// Service wires a periodic.Service to the sweep-then-retry tick.
type Service struct {
	periodic *periodic.Service

	buckets   []*bucket.Bucket
	ledger    *ledger.Ledger
	probe     *reachability.Probe
	failBatch int
	disabled  bool
}

// New constructs a Service. failBatch of 0 disables the service entirely,
// per spec §4.6/§6 ("sweepCount ... of 0 disable this service entirely");
// a negative failBatch falls back to DefaultFailBatch instead of being
// treated as a disable request.
func New(buckets []*bucket.Bucket, led *ledger.Ledger, probe *reachability.Probe, failBatch int) *Service {
	disabled := failBatch == 0

	if failBatch < 0 {
		failBatch = DefaultFailBatch
	}

	s := &Service{buckets: buckets, ledger: led, probe: probe, failBatch: failBatch, disabled: disabled}
	s.periodic = periodic.New("synchronize", s.tick)

	return s
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

// RunOnce executes a single tick synchronously, for sweep-once mode.
func (s *Service) RunOnce(ctx context.Context) {
	s.tick(ctx)
}

// tick implements the sweep-then-pop ordering spec §9's open question
// resolves on. The sweep skips every path that already has a ledger row,
// so a file marked failed in a prior run is not enqueued by the sweep; it
// comes back only through PopFailed, and Enqueue drops it if it is already
// pending or active.
func (s *Service) tick(ctx context.Context) {
	if s.disabled {
		return
	}

	if !s.probe.IsUp(ctx) {
		return
	}

	for _, b := range s.buckets {
		if !b.Ready() {
			continue
		}

		known := func(p string) bool { return s.ledger.Exists(ctx, p) }

		if err := b.SweepNew(ctx, known); err != nil {
			log(ctx).Warnf("sweep %v: %v", b.Name, err)
		}
	}

	for _, p := range s.ledger.PopFailed(ctx, s.failBatch) {
		target := Route(s.buckets, p)
		if target == nil {
			log(ctx).Warnf("no bucket owns failed path %v, dropping", p)
			continue
		}

		target.Enqueue(ctx, p)
	}
}

// Route finds the bucket whose root directory is an ancestor of path. It is
// exported so the watcher's dispatch callback (which has no other notion of
// bucket boundaries) can reuse the same logic the synchronize service uses.
func Route(buckets []*bucket.Bucket, path string) *bucket.Bucket {
	for _, b := range buckets {
		rel, err := filepath.Rel(b.Path, path)
		if err != nil {
			continue
		}

		if rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}

		return b
	}

	return nil
}
