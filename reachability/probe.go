// Package reachability implements the periodic network-up gate (C1):
// a cached boolean, refreshed by probing a fixed well-known host, that the
// bucket engine consults before dispatching any upload.
package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/foldersync/foldersync/internal/clock"
	"github.com/foldersync/foldersync/internal/logging"
)

var log = logging.Module("reachability")

// DefaultProbeHost is the fixed external host probed for reachability.
// A well-known, highly-available DNS resolver is used as the endpoint,
// the same role an ICMP echo to a public anycast address would play.
const DefaultProbeHost = "1.1.1.1:53"

const probeTimeout = 3 * time.Second

// DialFunc performs the actual reachability check. Overridable for tests.
type DialFunc func(ctx context.Context, address string) error

func defaultDial(ctx context.Context, address string) error {
	d := net.Dialer{}

	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err //nolint:wrapcheck
	}

	return conn.Close()
}

// Probe exposes IsUp: a cached result of the last reachability check,
// refreshed every Period on a background goroutine once IsUp is first read.
// If Period is zero, the probe is disabled and IsUp is unconditionally true.
type Probe struct {
	// Period between probes. Zero disables probing: IsUp is always true.
	Period time.Duration

	// Host is the address dialed to determine reachability.
	Host string

	dial DialFunc

	up      atomic.Bool
	started atomic.Bool

	lastChange time.Time

	mu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Probe with the given period and default probe host.
func New(period time.Duration) *Probe {
	p := &Probe{
		Period: period,
		Host:   DefaultProbeHost,
		dial:   defaultDial,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.up.Store(true)

	return p
}

// IsUp returns the cached reachability state, starting the background
// prober on first call if Period > 0.
func (p *Probe) IsUp(ctx context.Context) bool {
	if p.Period <= 0 {
		return true
	}

	if p.started.CAS(false, true) {
		p.probeOnce(ctx)
		go p.run(ctx)
	}

	return p.up.Load()
}

func (p *Probe) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeOnce(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Probe) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	ok := p.dial(probeCtx, p.Host) == nil

	prev := p.up.Swap(ok)
	if prev != ok {
		p.mu.Lock()
		p.lastChange = clock.Now()
		p.mu.Unlock()

		if ok {
			log(ctx).Infof("network reachable again (%v)", p.Host)
		} else {
			log(ctx).Warnf("network unreachable (%v)", p.Host)
		}
	}
}

// Stop halts the background prober, if one was started. Safe to call
// multiple times and safe to call when the prober was never started.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	if p.started.Load() {
		<-p.doneCh
	}
}
