// Package coordinator implements the top-level process orchestrator (C8):
// startup validation, the single-instance lock, per-bucket construction,
// wiring every service together, and the signal-driven shutdown sequence.
package coordinator

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/foldersync/foldersync/apperrors"
	"github.com/foldersync/foldersync/bucket"
	"github.com/foldersync/foldersync/cli"
	"github.com/foldersync/foldersync/internal/logging"
	"github.com/foldersync/foldersync/internal/metrics"
	"github.com/foldersync/foldersync/ledger"
	"github.com/foldersync/foldersync/maintenance"
	"github.com/foldersync/foldersync/reachability"
	"github.com/foldersync/foldersync/syncsvc"
	"github.com/foldersync/foldersync/watcher"
)

var log = logging.Module("coordinator")

const (
	lockFileName   = ".foldersync.lock"
	ledgerFileName = ".foldersync.db"
)

// Coordinator owns the full lifecycle of one daemon run.
type Coordinator struct {
	cfg    *cli.Config
	remote bucket.Remote

	lock    *flock.Flock
	led     *ledger.Ledger
	probe   *reachability.Probe
	buckets []*bucket.Bucket
	watch   *watcher.Watcher
	sync    *syncsvc.Service
	maint   *maintenance.Service
	mtx     *metrics.Registry

	quit     chan struct{}
	quitOnce sync.Once
}

// New constructs a Coordinator. remote is the already-authenticated
// object-store client built at the credential-sourcing boundary in
// cmd/foldersync.
func New(cfg *cli.Config, remote bucket.Remote) *Coordinator {
	return &Coordinator{cfg: cfg, remote: remote, quit: make(chan struct{})}
}

// Run executes one full daemon (or sweep-once) lifecycle and returns the
// process exit code, per spec §6 (0 clean shutdown; 1 configuration error).
func (c *Coordinator) Run(ctx context.Context) int {
	logging.SetLevel(c.cfg.Verbosity)

	if err := c.setup(ctx); err != nil {
		log(ctx).Criticalf("startup failed: %v", err)
		c.teardown(ctx)

		return 1
	}

	defer c.teardown(ctx)

	if c.cfg.SweepOnce {
		c.runSweepOnce(ctx)
		return 0
	}

	c.runDaemon(ctx)

	return 0
}

func (c *Coordinator) setup(ctx context.Context) error {
	root, err := filepath.Abs(c.cfg.Root)
	if err != nil {
		return apperrors.NewConfigError(errors.Wrap(err, "resolve root"))
	}

	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return apperrors.NewConfigError(errors.Errorf("root %v is not a readable directory", root))
	}

	c.cfg.Root = root

	c.lock = flock.New(filepath.Join(root, lockFileName))

	locked, err := c.lock.TryLock()
	if err != nil {
		return apperrors.NewConfigError(errors.Wrap(err, "acquire startup lock"))
	}

	if !locked {
		return apperrors.NewConfigError(errors.Errorf("another instance is already watching %v", root))
	}

	c.probe = reachability.New(c.cfg.PingInterval)
	c.mtx = metrics.New()

	if !c.cfg.SweepOnce {
		led, err := ledger.Open(filepath.Join(root, ledgerFileName))
		if err != nil {
			return apperrors.NewConfigError(errors.Wrap(err, "open ledger"))
		}

		led.FailLimit = int(c.cfg.FailLimit)
		c.led = led
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return apperrors.NewConfigError(errors.Wrap(err, "enumerate bucket directories"))
	}

	bucketCfg := bucket.Config{
		MaxActivePerBucket: int(c.cfg.BucketMax),
		UploadTimeout:      c.cfg.UploadTimeout,
		VerifyTimeout:      c.cfg.VerifyTimeout,
	}

	grp, grpCtx := errgroup.WithContext(ctx)

	var (
		mu      sync.Mutex
		buckets []*bucket.Bucket
	)

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		dir := filepath.Join(root, e.Name())

		grp.Go(func() error {
			b, err := bucket.New(grpCtx, dir, c.remote, c.probe, bucketCfg)
			if err != nil {
				log(grpCtx).Warnf("skipping bucket candidate %v: %v", dir, err)
				return nil
			}

			b.SetMetrics(c.mtx)

			if c.led != nil {
				b.SetCallbacks(
					func(p string) { c.led.MarkSucceeded(context.Background(), p) },
					func(p string) { c.led.MarkFailed(context.Background(), p) },
				)
			}

			mu.Lock()
			buckets = append(buckets, b)
			mu.Unlock()

			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return apperrors.NewConfigError(err)
	}

	c.buckets = buckets

	if len(c.buckets) == 0 {
		log(ctx).Warnf("no bucket subdirectories found under %v", root)
	}

	if !c.cfg.SweepOnce {
		// spec §4.8's daemon startup order: sweep each bucket before the
		// watcher and services start, so files already on disk at startup
		// are picked up even when the watcher has no fs event for them and
		// --interval/--count have disabled the synchronize service.
		known := func(p string) bool { return c.led.Exists(ctx, p) }

		for _, b := range c.buckets {
			if err := b.SweepNew(ctx, known); err != nil {
				log(ctx).Warnf("initial sweep %v: %v", b.Name, err)
			}
		}

		w, err := watcher.New(ctx, root, c.dispatch)
		if err != nil {
			return apperrors.NewConfigError(errors.Wrap(err, "start watcher"))
		}

		c.watch = w

		bucketRoots := make([]string, len(c.buckets))
		for i, b := range c.buckets {
			bucketRoots[i] = b.Path
		}

		c.sync = syncsvc.New(c.buckets, c.led, c.probe, int(c.cfg.SweepCount))
		c.maint = maintenance.New(c.led, bucketRoots)
		c.maint.SetMetrics(c.mtx)
	}

	return nil
}

// dispatch is the watcher's per-file callback: route the modified path to
// its owning bucket's pending queue.
func (c *Coordinator) dispatch(path string) {
	b := syncsvc.Route(c.buckets, path)
	if b == nil {
		return
	}

	b.Enqueue(context.Background(), path)
}

func (c *Coordinator) runSweepOnce(ctx context.Context) {
	grp, grpCtx := errgroup.WithContext(ctx)

	for _, b := range c.buckets {
		grp.Go(func() error {
			if err := b.Sweep(grpCtx); err != nil {
				log(grpCtx).Warnf("sweep failed: %v", err)
			}

			return nil
		})
	}

	_ = grp.Wait() //nolint:errcheck

	for _, b := range c.buckets {
		b.FinishPending(ctx)
	}
}

func (c *Coordinator) runDaemon(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(runCtx, c.cfg.MetricsAddr, c.mtx); err != nil {
				log(runCtx).Errorf("metrics server: %v", err)
			}
		}()
	}

	c.sync.Start(runCtx, c.cfg.SynchronizeInterval)
	c.maint.Start(runCtx, c.cfg.CleanupInterval)

	go c.watchSignals()

	select {
	case <-c.quit:
	case <-ctx.Done():
	}

	log(runCtx).Infof("shutting down")

	cancel()

	c.sync.Stop()
	c.maint.Stop()
	c.watch.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, b := range c.buckets {
		b.Shutdown()
		b.WaitActive(shutdownCtx)
	}
}

// watchSignals implements spec §6's double-signal contract: the first
// interrupt releases the quit latch; a second, received while graceful
// shutdown is still in flight, force-terminates the process since by
// definition it could not be delivered gracefully.
func (c *Coordinator) watchSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	c.quitOnce.Do(func() { close(c.quit) })

	<-sigCh
	os.Exit(1)
}

func (c *Coordinator) teardown(ctx context.Context) {
	if c.led != nil {
		if err := c.led.Close(); err != nil {
			log(ctx).Warnf("close ledger: %v", err)
		}
	}

	c.releaseLock()
}

func (c *Coordinator) releaseLock() {
	if c.lock == nil {
		return
	}

	_ = c.lock.Unlock() //nolint:errcheck
}
