// Package s3 replicates checkpoint archives to Amazon S3.
package s3

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hupe1980/vecsafe/backup"
)

// Replicator implements backup.Replicator for S3.
type Replicator struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ backup.Replicator = (*Replicator)(nil)

// Options tunes the multipart uploader.
type Options struct {
	// PartSize is the minimum part size for multipart uploads.
	// Default: 8MB.
	PartSize int64

	// Concurrency is the number of concurrent part uploads.
	// Default: 5.
	Concurrency int
}

// New creates an S3 replicator. rootPrefix is prepended to all keys
// (e.g. "vecsafe/backups/").
func New(client *s3.Client, bucket, rootPrefix string, opts Options) *Replicator {
	if opts.PartSize <= 0 {
		opts.PartSize = 8 * 1024 * 1024
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = opts.PartSize
		u.Concurrency = opts.Concurrency
	})

	return &Replicator{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   rootPrefix,
	}
}

func (r *Replicator) key(name string) string {
	return path.Join(r.prefix, name)
}

// Put streams one archive file to S3.
func (r *Replicator) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(key)),
		Body:   body,
	})
	return err
}

// Delete removes every object under the given archive prefix.
func (r *Replicator) Delete(ctx context.Context, prefix string) error {
	fullPrefix := r.key(prefix) + "/"

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(r.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns archive IDs present in the bucket.
func (r *Replicator) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(*obj.Key, r.prefix)
			rel = strings.TrimPrefix(rel, "/")
			if id, _, ok := strings.Cut(rel, "/"); ok && id != "" {
				seen[id] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
