// Package cli parses the daemon's command-line flags with kingpin's
// `app.Flag(...).Short(...).Default(...).Uint()` chain (the pointer-returning
// form, not the XxxVar form), flattened to a single top-level command
// since this daemon has no subcommands.
package cli

import (
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"

	"github.com/foldersync/foldersync/internal/logging"
)

// Config holds every flag value, already converted to the unit callers
// need (durations rather than raw seconds/milliseconds).
type Config struct {
	Root string

	SynchronizeInterval time.Duration
	SweepCount          uint
	BucketMax           uint
	UploadTimeout       time.Duration
	FailLimit           uint
	PingInterval        time.Duration
	VerifyTimeout       time.Duration
	CleanupInterval     time.Duration
	SweepOnce           bool
	Verbosity           logging.Level
	MetricsAddr         string
}

// Parse parses args (typically os.Args[1:]) into a Config. kingpin handles
// --help itself, exiting the process directly, matching spec §6's
// "--help: usage, exit 1" contract via kingpin's own terminate behavior.
func Parse(appName, version string, args []string) (*Config, error) {
	app := kingpin.New(appName, "Watches a local root and uploads every file beneath it to a remote object store.")
	app.Version(version)

	// spec §6 gives --help the same exit code as a usage/config error (1),
	// unlike kingpin's default of exiting 0 after printing usage.
	app.Terminate(func(int) { os.Exit(1) })

	var (
		root             = app.Flag("root", "watched root; immediate subdirectories are bucket names").Short('r').Required().String()
		intervalSec      = app.Flag("interval", "synchronize-service period in seconds; 0 disables").Short('i').Default("10").Uint()
		count            = app.Flag("count", "failed ledger rows retried per tick, across all buckets; 0 disables").Short('c').Default("10").Uint()
		bucketMax        = app.Flag("bucket_max", "maxActivePerBucket").Short('b').Default("10").Uint()
		timeoutSec       = app.Flag("timeout", "upload timeout in seconds").Short('t').Default("10").Uint()
		failLimit        = app.Flag("fail_limit", "failed attempts before a row is tombstoned").Short('f').Default("10").Uint()
		pingIntervalSec  = app.Flag("ping_interval", "reachability period in seconds; 0 disables").Short('p').Default("10").Uint()
		verifyTimeoutMs  = app.Flag("aws_check_timeout", "verification timeout in milliseconds; 0 disables verification").Short('a').Default("0").Uint()
		cleanupSec       = app.Flag("database_cleanup_interval", "ledger maintenance period in seconds; 0 disables").Short('d').Default("10").Uint()
		sweepOnce        = app.Flag("sweep", "sweep-once mode (ledger ignored)").Short('s').Bool()
		verbosity        = app.Flag("verbosity", "log floor: critical, error, warn, info").Short('v').Default("info").String()
		metricsAddr      = app.Flag("metrics_addr", "optional address to serve /metrics on, e.g. :9090").Default("").String()
	)

	if _, err := app.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	level, ok := logging.ParseLevel(*verbosity)
	if !ok {
		return nil, errors.Errorf("invalid --verbosity %q", *verbosity)
	}

	cfg := &Config{
		Root:                *root,
		SynchronizeInterval: time.Duration(*intervalSec) * time.Second,
		SweepCount:          *count,
		BucketMax:           *bucketMax,
		UploadTimeout:       time.Duration(*timeoutSec) * time.Second,
		FailLimit:           *failLimit,
		PingInterval:        time.Duration(*pingIntervalSec) * time.Second,
		VerifyTimeout:       time.Duration(*verifyTimeoutMs) * time.Millisecond,
		CleanupInterval:     time.Duration(*cleanupSec) * time.Second,
		SweepOnce:           *sweepOnce,
		Verbosity:           level,
		MetricsAddr:         *metricsAddr,
	}

	return cfg, nil
}
