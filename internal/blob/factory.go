package blob

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvDriver      = "PREFABCORE_BLOB_DRIVER"
	EnvFSRoot      = "PREFABCORE_BLOB_FS_ROOT"
	EnvS3Bucket    = "PREFABCORE_BLOB_S3_BUCKET"
	EnvS3Region    = "PREFABCORE_BLOB_S3_REGION"
	EnvS3Endpoint  = "PREFABCORE_BLOB_S3_ENDPOINT"
	EnvS3PathStyle = "PREFABCORE_BLOB_S3_PATH_STYLE"
)

// Config selects and configures a backend. The zero value opens a
// filesystem store under the default root.
type Config struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// ConfigFromEnv returns base with every PREFABCORE_BLOB_* variable that is
// set applied on top. S3 credentials come from the AWS credential chain.
func ConfigFromEnv(base Config) Config {
	if v := os.Getenv(EnvDriver); v != "" {
		base.Driver = Driver(strings.ToLower(v))
	}
	if v := os.Getenv(EnvFSRoot); v != "" {
		base.FSRoot = v
	}
	if v := os.Getenv(EnvS3Bucket); v != "" {
		base.S3.Bucket = v
	}
	if v := os.Getenv(EnvS3Region); v != "" {
		base.S3.Region = v
	}
	if v := os.Getenv(EnvS3Endpoint); v != "" {
		base.S3.Endpoint = v
	}
	if v := os.Getenv(EnvS3PathStyle); v != "" {
		base.S3.PathStyle = strings.EqualFold(v, "true")
	}
	return base
}

// Open constructs the Store cfg selects.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("%s required for s3 driver", EnvS3Bucket)
		}
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
