package blob

import (
	"context"

	infraS3 "prefabcore/internal/infra/blob/s3"
)

// S3Config configures the S3 backend.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed Store from cfg.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3 returns an S3 Store backed by an in-process fake transport.
func NewMockS3(ctx context.Context) (Store, error) {
	return infraS3.NewMock(ctx)
}
