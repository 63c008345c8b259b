// Command foldersync watches a local directory tree and uploads every file
// beneath it to a remote object store, one bucket per immediate
// subdirectory of the watched root.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/foldersync/foldersync/cli"
	"github.com/foldersync/foldersync/coordinator"
	"github.com/foldersync/foldersync/internal/logging"
	"github.com/foldersync/foldersync/objectstore"
)

var log = logging.Module("main")

// version is overridable at link time via -ldflags, in the teacher's own
// style for build-stamped binaries.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := cli.Parse("foldersync", version, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:errcheck
		return 1
	}

	accessKeyID := os.Getenv("AWS_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if accessKeyID == "" || secretAccessKey == "" {
		fmt.Fprintln(os.Stderr, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must both be set") //nolint:errcheck
		return 1
	}

	remote, err := objectstore.NewClient(endpointFromEnv(), accessKeyID, secretAccessKey, tlsFromEnv())
	if err != nil {
		log(context.Background()).Criticalf("create object store client: %v", err)
		return 1
	}

	co := coordinator.New(cfg, remote)

	return co.Run(context.Background())
}

// endpointFromEnv lets the remote endpoint be overridden for S3-compatible
// deployments; defaults to AWS S3 itself.
func endpointFromEnv() string {
	if v := os.Getenv("FOLDERSYNC_S3_ENDPOINT"); v != "" {
		return v
	}

	return "s3.amazonaws.com"
}

func tlsFromEnv() bool {
	return os.Getenv("FOLDERSYNC_S3_INSECURE") == ""
}
