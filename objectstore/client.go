// Package objectstore wraps the remote object-store client library
// (out of scope per spec §1, specified only at its interface) with the
// handful of operations the bucket engine needs: PUT, HEAD, region
// lookup and bucket listing. It is built on minio-go, which speaks the S3
// API and therefore works against AWS S3 and any S3-compatible endpoint.
package objectstore

import (
	"context"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// Client is a thin wrapper around a minio.Client exposing exactly the
// remote operations spec §6 lists: "per-key PUT of a file, region lookup
// per bucket, metadata HEAD for verification, list-buckets for region
// discovery".
type Client struct {
	cli *minio.Client
}

// NewClient creates a Client authenticated from static credentials, the
// same credential shape the coordinator reads from the environment
// (AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY).
func NewClient(endpoint, accessKeyID, secretAccessKey string, useTLS bool) (*Client, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create object store client")
	}

	return &Client{cli: cli}, nil
}

// BucketRegion resolves the region a bucket lives in. Callers are expected
// to bound ctx to the one-shot 5s lookup window spec §4.5.2 specifies.
func (c *Client) BucketRegion(ctx context.Context, bucket string) (string, error) {
	region, err := c.cli.GetBucketLocation(ctx, bucket)
	if err != nil {
		return "", errors.Wrapf(err, "get bucket location for %q", bucket)
	}

	return region, nil
}

// ListBuckets enumerates every bucket visible to these credentials.
// BucketRegion does not fall back to it when GetBucketLocation fails, and
// the bucket engine's Remote interface does not include it.
func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	infos, err := c.cli.ListBuckets(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list buckets")
	}

	names := make([]string, 0, len(infos))
	for _, bi := range infos {
		names = append(names, bi.Name)
	}

	return names, nil
}

// PutFile uploads the local file at path to bucket under key.
func (c *Client) PutFile(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open file for upload")
	}
	defer f.Close() //nolint:errcheck

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat file for upload")
	}

	_, err = c.cli.PutObject(ctx, bucket, key, f, fi.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return errors.Wrapf(err, "put object %v/%v", bucket, key)
	}

	return nil
}

// Exists issues a metadata HEAD for key in bucket, used for the
// post-upload verification step. The caller (bucket engine) is expected to
// treat any error, including "not found", as exists=false.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.cli.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return false, errors.Wrapf(err, "stat object %v/%v", bucket, key)
	}

	return true, nil
}

// BucketExists reports whether bucket exists and is reachable.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := c.cli.BucketExists(ctx, bucket)
	if err != nil {
		return false, errors.Wrapf(err, "check bucket %q exists", bucket)
	}

	return ok, nil
}
