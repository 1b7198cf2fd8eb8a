package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stepherg/manup"
)

// ObjectConfig configures an ObjectSource.
type ObjectConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	Key            string
	Insecure       bool
	ForcePathStyle bool
	// Creds overrides the default environment/file/IAM credential chain.
	Creds   *credentials.Credentials
	Timeout time.Duration
}

// ObjectSource reads the configuration document from an S3-compatible bucket.
type ObjectSource struct {
	client *minio.Client
	cfg    ObjectConfig
}

func NewObjectSource(cfg ObjectConfig) (*ObjectSource, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("source: bucket is required")
	}
	cfg.Key = strings.TrimPrefix(cfg.Key, "/")
	if cfg.Key == "" {
		return nil, errors.New("source: object key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.Creds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("source: create s3 client: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = manup.DefaultRequestTimeout
	}
	return &ObjectSource{client: client, cfg: cfg}, nil
}

func (o *ObjectSource) Fetch(ctx context.Context) (*manup.Configuration, error) {
	ctx, cancel := withTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	obj, err := o.client.GetObject(ctx, o.cfg.Bucket, o.cfg.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, o.wrapError(err)
	}
	defer obj.Close()
	b, err := readDocument(obj)
	if err != nil {
		if errors.Is(err, manup.ErrInvalidConfig) {
			return nil, err
		}
		return nil, o.wrapError(err)
	}
	return decode("s3:"+o.cfg.Bucket+"/"+o.cfg.Key, b)
}

func (o *ObjectSource) QueryKey() string {
	return "objectRemoteConfig:" + o.cfg.Bucket + "/" + o.cfg.Key
}

func (o *ObjectSource) wrapError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return manup.ErrConfigNotFound
	case resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied":
		return manup.ErrAccessDenied
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: s3: %v", manup.ErrBackendUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: s3: %v", manup.ErrTimeout, err)
	}
	return fmt.Errorf("s3: get %s/%s: %w", o.cfg.Bucket, o.cfg.Key, err)
}
