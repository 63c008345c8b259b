// Package bucket implements the per-bucket upload engine (C5): the pending
// queue, the bounded active-upload set, the upload state machine with
// timeout/cancellation/verification, and the public operations the rest of
// the system drives it through. This is the hardest part of the system —
// see spec §4.5 for the full state machine this file implements.
package bucket

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/foldersync/foldersync/apperrors"
	"github.com/foldersync/foldersync/internal/logging"
	"github.com/foldersync/foldersync/internal/metrics"
	"github.com/foldersync/foldersync/internal/units"
	"github.com/foldersync/foldersync/objectstore"
	"github.com/foldersync/foldersync/reachability"
)

var log = logging.Module("bucket")

// loserWaitBound is how long the losing side of an upload-vs-timer or
// verify-vs-timer race is given to unwind after the winner is known and
// cancellation has been signaled, per spec §4.5.5/§5 ("bounded to 5s to
// guard against misbehaving remote clients").
const loserWaitBound = 5 * time.Second

// regionLookupTimeout bounds the one-shot region lookup at construction
// time, per spec §4.5.2.
const regionLookupTimeout = 5 * time.Second

// Remote is the subset of the remote object-store client (out of scope,
// specified only at its interface per spec §1) the bucket engine needs.
// *objectstore.Client satisfies this.
type Remote interface {
	BucketRegion(ctx context.Context, bucket string) (string, error)
	PutFile(ctx context.Context, bucket, key, path string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Config holds the tunables from spec §4.5.1.
type Config struct {
	// MaxActivePerBucket caps |active|. Default 10.
	MaxActivePerBucket int

	// UploadTimeout bounds one upload attempt. Default 10s.
	UploadTimeout time.Duration

	// VerifyTimeout bounds the post-upload existence probe. Zero disables
	// verification entirely (treated as always-success).
	VerifyTimeout time.Duration
}

// DefaultConfig returns the configuration defaults from spec §6.
func DefaultConfig() Config {
	return Config{
		MaxActivePerBucket: 10,
		UploadTimeout:      10 * time.Second,
		VerifyTimeout:      0,
	}
}

type activeUpload struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Bucket is one named remote destination and the local directory that
// feeds it.
type Bucket struct {
	Name string
	Path string

	cfg    Config
	remote Remote
	probe  *reachability.Probe
	mtx    *metrics.Registry // optional, nil-safe

	onUploaded func(path string)
	onFailed   func(path string)

	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}
	active     map[string]*activeUpload
	connected  bool
	validated  bool
	disposed   bool
}

// New validates path, derives the bucket name, and attempts the one-shot
// bounded-time region lookup from spec §4.5.2. A failed lookup leaves the
// bucket validated-but-not-connected (reconnect is attempted again on the
// next New call in a process restart; this system does not retry the
// lookup in place) rather than failing construction outright.
func New(ctx context.Context, path string, remote Remote, probe *reachability.Probe, cfg Config) (*Bucket, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve bucket path %v", path)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "bucket path %v", abs)
	}

	if !fi.IsDir() {
		return nil, errors.Errorf("bucket path %v is not a directory", abs)
	}

	name := filepath.Base(abs)
	if strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		return nil, errors.Errorf("bucket name %q derived from %v contains a path separator", name, abs)
	}

	if cfg.MaxActivePerBucket <= 0 {
		cfg.MaxActivePerBucket = DefaultConfig().MaxActivePerBucket
	}

	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultConfig().UploadTimeout
	}

	b := &Bucket{
		Name:       name,
		Path:       abs,
		cfg:        cfg,
		remote:     remote,
		probe:      probe,
		validated:  true,
		pendingSet: map[string]struct{}{},
		active:     map[string]*activeUpload{},
	}

	lookupCtx, cancel := context.WithTimeout(ctx, regionLookupTimeout)
	defer cancel()

	if _, err := remote.BucketRegion(lookupCtx, name); err != nil {
		log(ctx).Warnf("bucket %v: region lookup failed, starting disconnected: %v", name, err)
		b.connected = false
	} else {
		b.connected = true
	}

	return b, nil
}

// SetCallbacks wires the single optional success/failure handlers the
// coordinator installs at construction time. They must be safe to call
// from the upload worker and must not take the bucket's own mutex; both
// constraints hold here because they are invoked before this bucket's
// mutex is reacquired to retire the active entry.
func (b *Bucket) SetCallbacks(onUploaded, onFailed func(path string)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onUploaded = onUploaded
	b.onFailed = onFailed
}

// SetMetrics wires the optional Prometheus registry. Nil is a valid,
// permanent no-op state.
func (b *Bucket) SetMetrics(m *metrics.Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mtx = m
}

// Ready reports whether the bucket currently accepts uploads: validated,
// connected, and not disposed.
func (b *Bucket) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.validated && b.connected && !b.disposed
}

// Enqueue offers path to the bucket. If path is already pending or active,
// this is a no-op; otherwise it joins the tail of the pending queue.
//
// A dequeue step is attempted both before and after the mutation: before,
// to flush any backlog accumulated since the last call (the literal
// reading of spec §4.5.3); after, so that a bucket sitting fully idle
// dispatches a freshly observed file immediately rather than waiting for
// some unrelated later call to flush it — required for scenario S5 (a
// file appearing in a brand-new subdirectory must upload without a
// restart) and invariant 5 to hold in the idle-bucket case.
func (b *Bucket) Enqueue(ctx context.Context, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.validated || !b.connected || b.disposed {
		return
	}

	b.dequeueLocked(ctx)

	if _, ok := b.pendingSet[path]; ok {
		return
	}

	if _, ok := b.active[path]; ok {
		return
	}

	b.pending = append(b.pending, path)
	b.pendingSet[path] = struct{}{}

	b.dequeueLocked(ctx)
}

// dequeueLocked implements the internal dispatch loop of spec §4.5.4.
// Callers must hold b.mu.
//
// If the reachability probe is down, beginUploadLocked bounces the popped
// path back onto the tail of pending instead of dispatching it. Without a
// check here that would make this loop spin forever on that one entry
// (pop it, fail to dispatch, re-push it, pop it again...) while holding
// b.mu; a down probe instead halts the whole dispatch pass for this call,
// leaving the rest of pending untouched until the next Enqueue/tick.
func (b *Bucket) dequeueLocked(ctx context.Context) {
	for len(b.active) < b.cfg.MaxActivePerBucket && len(b.pending) > 0 {
		p := b.pending[0]
		b.pending = b.pending[1:]
		delete(b.pendingSet, p)

		if !b.beginUploadLocked(ctx, p) {
			return
		}
	}
}

// beginUploadLocked performs the idle->starting transition and, if the
// reachability probe reports down, the starting->idle bounce-back
// (re-enqueue to the pending tail) from spec §4.5.5. Callers must hold
// b.mu. Returns false if the probe was down and nothing was dispatched.
func (b *Bucket) beginUploadLocked(ctx context.Context, p string) bool {
	if _, exists := b.active[p]; exists {
		log(ctx).Warnf("%v: %v already active, dropping duplicate dispatch", b.Name, p)
		return true
	}

	if !b.probe.IsUp(ctx) {
		b.pending = append(b.pending, p)
		b.pendingSet[p] = struct{}{}

		return false
	}

	uploadCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.active[p] = &activeUpload{cancel: cancel, done: done}
	b.updateActiveGauge()

	go b.runUpload(ctx, uploadCtx, cancel, done, p)

	return true
}

// runUpload drives one file through uploading -> verifying -> terminal,
// per the state table in spec §4.5.5/§4.5.6. It runs without holding b.mu.
func (b *Bucket) runUpload(parentCtx, ctx context.Context, cancel context.CancelFunc, done chan struct{}, p string) {
	defer close(done)

	attemptID := uuid.NewString()

	key, err := objectstore.Key(p, b.Path)
	if err != nil {
		cancel()
		b.fail(parentCtx, p, attemptID, errors.Wrap(err, "derive key"))
		return
	}

	size := int64(-1)
	if fi, err := os.Stat(p); err == nil {
		size = fi.Size()
	}

	log(parentCtx).Infof("%v: uploading %v (%v) as %v [%v]", b.Name, p, units.BytesStringBase2(size), key, attemptID)

	_, timedOut, uploadErr := raceAgainstTimeout(ctx, cancel, b.cfg.UploadTimeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, b.remote.PutFile(c, b.Name, key, p)
	})

	switch {
	case timedOut:
		b.fail(parentCtx, p, attemptID, apperrors.NewTransientRemoteError(errors.Errorf("upload timed out after %v", b.cfg.UploadTimeout)))
		return
	case uploadErr != nil:
		b.fail(parentCtx, p, attemptID, apperrors.NewTransientRemoteError(uploadErr))
		return
	}

	if b.cfg.VerifyTimeout <= 0 {
		b.succeed(parentCtx, p, attemptID)
		return
	}

	verifyCtx, verifyCancel := context.WithCancel(context.Background())
	defer verifyCancel()

	exists, vTimedOut, vErr := raceAgainstTimeout(verifyCtx, verifyCancel, b.cfg.VerifyTimeout, func(c context.Context) (bool, error) {
		return b.remote.Exists(c, b.Name, key)
	})

	if vTimedOut || vErr != nil || !exists {
		b.fail(parentCtx, p, attemptID, &apperrors.VerificationMismatch{Bucket: b.Name, Key: key})
		return
	}

	b.succeed(parentCtx, p, attemptID)
}

// raceAgainstTimeout launches op and a timer against the shared cancel
// signal, blocks on a single-slot result channel written by whichever
// finishes first, then cancels unconditionally and bounded-waits the
// loser. This is the "two-contender race" concurrency idiom of spec §9 in
// the absence of a native "first of two" primitive.
func raceAgainstTimeout[T any](ctx context.Context, cancel context.CancelFunc, timeout time.Duration, op func(ctx context.Context) (T, error)) (value T, timedOut bool, err error) {
	type outcome struct {
		value    T
		err      error
		timedOut bool
	}

	resultCh := make(chan outcome, 1)
	opDone := make(chan struct{})
	timerDone := make(chan struct{})

	go func() {
		defer close(opDone)

		v, e := op(ctx)

		select {
		case resultCh <- outcome{value: v, err: e}:
		default:
		}
	}()

	timer := time.NewTimer(timeout)

	go func() {
		defer close(timerDone)
		defer timer.Stop()

		select {
		case <-timer.C:
			select {
			case resultCh <- outcome{timedOut: true}:
			default:
			}
		case <-ctx.Done():
		}
	}()

	res := <-resultCh
	cancel()

	loserDone := timerDone
	if res.timedOut {
		loserDone = opDone
	}

	select {
	case <-loserDone:
	case <-time.After(loserWaitBound):
	}

	return res.value, res.timedOut, res.err
}

func (b *Bucket) succeed(ctx context.Context, p, attemptID string) {
	log(ctx).Infof("%v: uploaded %v [%v]", b.Name, p, attemptID)

	if b.onUploaded != nil {
		b.onUploaded(p)
	}

	b.retireActive(ctx, p, true)
}

func (b *Bucket) fail(ctx context.Context, p, attemptID string, cause error) {
	log(ctx).Warnf("%v: upload failed for %v [%v]: %v", b.Name, p, attemptID, cause)

	if b.onFailed != nil {
		b.onFailed(p)
	}

	b.retireActive(ctx, p, false)
}

func (b *Bucket) retireActive(ctx context.Context, p string, succeeded bool) {
	b.mu.Lock()
	delete(b.active, p)
	b.updateActiveGauge()

	if !b.disposed {
		b.dequeueLocked(ctx)
	}
	b.mu.Unlock()

	if b.mtx == nil {
		return
	}

	if succeeded {
		b.mtx.UploadsSucceeded.WithLabelValues(b.Name).Inc()
	} else {
		b.mtx.UploadsFailed.WithLabelValues(b.Name).Inc()
	}
}

func (b *Bucket) updateActiveGauge() {
	if b.mtx == nil {
		return
	}

	b.mtx.ActiveUploads.WithLabelValues(b.Name).Set(float64(len(b.active)))
}

// Sweep enumerates every regular file under the bucket path, recursively,
// and enqueues each one unconditionally.
func (b *Bucket) Sweep(ctx context.Context) error {
	return b.sweep(ctx, nil)
}

// SweepNew is Sweep but skips any path for which known reports true,
// letting callers filter out files already tracked by the ledger.
func (b *Bucket) SweepNew(ctx context.Context, known func(path string) bool) error {
	return b.sweep(ctx, known)
}

func (b *Bucket) sweep(ctx context.Context, known func(path string) bool) error {
	err := filepath.WalkDir(b.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A local IO error enumerating one entry (e.g. it vanished
			// mid-walk) does not abort the whole sweep, per spec §7's
			// LocalIOError handling.
			log(ctx).Warnf("%v: sweep: skipping %v: %v", b.Name, path, err)
			return nil
		}

		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if known != nil && known(path) {
			return nil
		}

		b.Enqueue(ctx, path)

		return nil
	})

	return errors.Wrapf(err, "sweep %v", b.Name)
}

// FinishPending blocks until both pending and active are empty, advancing
// the dequeue step as needed to drain a backlog. Intended for shutdown of
// sweep-once mode.
func (b *Bucket) FinishPending(ctx context.Context) {
	const pollInterval = 10 * time.Millisecond

	for {
		b.mu.Lock()

		if len(b.pending) == 0 && len(b.active) == 0 {
			b.mu.Unlock()
			return
		}

		if len(b.pending) > 0 {
			b.dequeueLocked(ctx)
		}

		b.mu.Unlock()

		time.Sleep(pollInterval)
	}
}

// CancelPending atomically empties the pending queue, then signals every
// active upload's cancellation handle and waits up to 5s per entry.
func (b *Bucket) CancelPending() {
	b.mu.Lock()
	b.pending = nil
	b.pendingSet = map[string]struct{}{}

	actives := make([]*activeUpload, 0, len(b.active))
	for _, au := range b.active {
		actives = append(actives, au)
	}

	b.mu.Unlock()

	for _, au := range actives {
		au.cancel()

		select {
		case <-au.done:
		case <-time.After(loserWaitBound):
		}
	}
}

// Shutdown marks the bucket disposed: it stops accepting new enqueues but
// does not cancel uploads already in flight.
func (b *Bucket) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.disposed = true
}

// WaitActive blocks until every currently in-flight upload completes, or
// ctx is done, without draining the pending queue. Intended for graceful
// shutdown, where a bucket's dispose waits for active uploads but the
// remaining backlog is simply abandoned to the next process's startup sweep.
func (b *Bucket) WaitActive(ctx context.Context) {
	for {
		b.mu.Lock()
		dones := make([]chan struct{}, 0, len(b.active))
		for _, au := range b.active {
			dones = append(dones, au.done)
		}
		b.mu.Unlock()

		if len(dones) == 0 {
			return
		}

		select {
		case <-dones[0]:
		case <-ctx.Done():
			return
		}
	}
}

// PendingLen and ActiveLen expose queue depth for tests and metrics.
func (b *Bucket) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

func (b *Bucket) ActiveLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.active)
}
