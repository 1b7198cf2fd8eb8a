package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/source"
)

// openSource builds the source named by s.Source. The returned close function is never
// nil.
func openSource(ctx context.Context, s settings, watch bool, logger pslog.Logger) (manup.Source, func() error, error) {
	noop := func() error { return nil }
	u, err := url.Parse(s.Source)
	if err != nil {
		return nil, noop, fmt.Errorf("parse --source: %w", err)
	}
	var auth manup.AuthStrategy
	if s.Authorization != "" {
		auth = manup.StaticAuth{Value: s.Authorization}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		client := source.NewClient(auth)
		client.HTTP.Timeout = s.RequestTimeout
		src, err := source.NewHTTPSource(s.Source, client)
		return src, noop, err

	case "redis", "rediss":
		src, err := source.NewRedisSourceFromURL(s.Source, s.RedisKey, s.RedisField)
		if err != nil {
			return nil, noop, err
		}
		return src, src.Close, nil

	case "s3":
		bucket, key, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if !ok || bucket == "" || key == "" {
			return nil, noop, fmt.Errorf("s3 source must look like s3://endpoint/bucket/key (got %q)", s.Source)
		}
		cfg := source.ObjectConfig{
			Endpoint:       u.Host,
			Region:         s.S3Region,
			Bucket:         bucket,
			Key:            key,
			Insecure:       s.S3Insecure || u.Query().Get("insecure") == "1",
			ForcePathStyle: true,
			Timeout:        s.RequestTimeout,
		}
		if s.S3AccessKey != "" {
			cfg.Creds = credentials.NewStaticV4(s.S3AccessKey, s.S3SecretKey, "")
		}
		src, err := source.NewObjectSource(cfg)
		return src, noop, err

	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = u.Host + u.Path
		}
		src, err := source.NewFileSource(path, watch, logger)
		if err != nil {
			return nil, noop, err
		}
		return src, src.Close, nil

	case "ws", "wss":
		src, err := source.NewPushSource(s.Source, auth, logger)
		if err != nil {
			return nil, noop, err
		}
		if err := src.Connect(ctx); err != nil {
			return nil, noop, err
		}
		return src, src.Close, nil
	}
	return nil, noop, fmt.Errorf("unsupported source scheme %q", u.Scheme)
}
