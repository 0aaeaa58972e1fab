// Package minio replicates checkpoint archives to MinIO and other
// S3-compatible object stores.
package minio

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/vecsafe/backup"
)

// Replicator implements backup.Replicator for MinIO.
type Replicator struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ backup.Replicator = (*Replicator)(nil)

// New creates a MinIO replicator. rootPrefix is prepended to all keys
// (e.g. "vecsafe/backups/").
func New(client *minio.Client, bucket, rootPrefix string) *Replicator {
	return &Replicator{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (r *Replicator) key(name string) string {
	return path.Join(r.prefix, name)
}

// Put streams one archive file to MinIO.
func (r *Replicator) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := r.client.PutObject(ctx, r.bucket, r.key(key), body, size, minio.PutObjectOptions{})
	return err
}

// Delete removes every object under the given archive prefix.
func (r *Replicator) Delete(ctx context.Context, prefix string) error {
	fullPrefix := r.key(prefix) + "/"

	for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}
		err := r.client.RemoveObject(ctx, r.bucket, obj.Key, minio.RemoveObjectOptions{})
		if err != nil {
			errResp := minio.ToErrorResponse(err)
			if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
				continue
			}
			return err
		}
	}
	return nil
}

// List returns archive IDs present in the bucket.
func (r *Replicator) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
		Prefix:    r.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		rel := strings.TrimPrefix(obj.Key, r.prefix)
		rel = strings.TrimPrefix(rel, "/")
		if id, _, ok := strings.Cut(rel, "/"); ok && id != "" {
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
