package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepherg/manup"
)

// RedisSource reads the configuration document from a remote config store kept in Redis.
// The document lives either in a string key or, when Field is set, in a hash field so that
// several named configurations can share one key.
type RedisSource struct {
	client  redis.UniversalClient
	key     string
	field   string
	timeout time.Duration
}

// RedisOptions configures a RedisSource.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Client overrides Addr/Password/DB when set.
	Client  redis.UniversalClient
	Key     string
	Field   string
	Timeout time.Duration
}

func NewRedisSource(o RedisOptions) (*RedisSource, error) {
	if o.Key == "" {
		return nil, errors.New("source: redis key required")
	}
	client := o.Client
	if client == nil {
		if o.Addr == "" {
			return nil, errors.New("source: redis addr is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     o.Addr,
			Password: o.Password,
			DB:       o.DB,
		})
	}
	timeout := o.Timeout
	if timeout == 0 {
		timeout = manup.DefaultRequestTimeout
	}
	return &RedisSource{client: client, key: o.Key, field: o.Field, timeout: timeout}, nil
}

// NewRedisSourceFromURL builds a source from a redis:// URL understood by redis.ParseURL.
func NewRedisSourceFromURL(rawURL, key, field string) (*RedisSource, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse redis url: %w", err)
	}
	return NewRedisSource(RedisOptions{Client: redis.NewClient(opts), Key: key, Field: field})
}

func (r *RedisSource) Fetch(ctx context.Context) (*manup.Configuration, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var (
		b   []byte
		err error
	)
	if r.field != "" {
		b, err = r.client.HGet(ctx, r.key, r.field).Bytes()
	} else {
		b, err = r.client.Get(ctx, r.key).Bytes()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, manup.ErrConfigNotFound
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: redis: %v", manup.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: redis: %v", manup.ErrBackendUnavailable, err)
	}
	return decode("redis:"+r.name(), b)
}

func (r *RedisSource) QueryKey() string { return "redisRemoteConfig:" + r.name() }

// Close releases the underlying client.
func (r *RedisSource) Close() error { return r.client.Close() }

func (r *RedisSource) name() string {
	if r.field == "" {
		return r.key
	}
	return r.key + "#" + r.field
}
