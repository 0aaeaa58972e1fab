package minio

import (
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Connect dials a MinIO (or other S3-compatible) endpoint with static
// credentials and returns a replicator for the given bucket.
func Connect(endpoint, accessKey, secretKey, bucket, rootPrefix string, useSSL bool) (*Replicator, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	return New(client, bucket, rootPrefix), nil
}
