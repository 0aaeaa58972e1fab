package s3

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Connect builds an S3 replicator from the default AWS credential
// chain (env, shared config, instance role).
func Connect(ctx context.Context, bucket, rootPrefix, region string, opts Options) (*Replicator, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return New(s3.NewFromConfig(cfg), bucket, rootPrefix, opts), nil
}
