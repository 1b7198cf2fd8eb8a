package manup

import (
	"fmt"
	goruntime "runtime"
	"time"
)

const (
	// DefaultRefreshInterval is how often the configuration is refetched.
	DefaultRefreshInterval = time.Hour
	// DefaultQueryKey identifies the configuration cache when the caller supplies none.
	DefaultQueryKey = "remoteConfig"
	// DefaultRequestTimeout bounds a single fetch performed by the bundled sources.
	DefaultRequestTimeout = 10 * time.Second
)

// AuthStrategy acquires an authorization header value (e.g., "Basic ..." or "Bearer ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// Options configures the refresh and evaluation layer.
type Options struct {
	// Platform selects the policy entry in the configuration document (e.g. "ios", "android").
	Platform string

	Refresh RefreshConfig

	// SurfaceFetchErrors turns fetch failures into StatusError instead of leaving the last
	// derived status in place and re-raising the error to the host.
	SurfaceFetchErrors bool
}

// RefreshConfig controls the configuration cache.
type RefreshConfig struct {
	// Interval between unconditional refetches. Zero disables the timer.
	Interval time.Duration
	// QueryKey separates independent caches; caches with distinct keys never invalidate
	// each other. Empty means the source's own key, or DefaultQueryKey for sources
	// without one.
	QueryKey string
	// RefetchOnFocus refetches when the host reports that the application regained focus.
	RefetchOnFocus bool
	// RequestTimeout bounds each fetch. Zero leaves timeouts to the source.
	RequestTimeout time.Duration
}

// DefaultOptions gives baseline sensible defaults.
func DefaultOptions() Options {
	return Options{
		Platform: DefaultPlatform(),
		Refresh: RefreshConfig{
			Interval:       DefaultRefreshInterval,
			RefetchOnFocus: true,
		},
	}
}

// Validate checks option values and fills a blank platform with DefaultPlatform.
func (o *Options) Validate() error {
	if o.Platform == "" {
		o.Platform = DefaultPlatform()
	}
	if o.Refresh.Interval < 0 {
		return fmt.Errorf("%w: refresh interval must not be negative (got %s)", ErrInvalidOptions, o.Refresh.Interval)
	}
	if o.Refresh.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout must not be negative (got %s)", ErrInvalidOptions, o.Refresh.RequestTimeout)
	}
	return nil
}

// DefaultPlatform returns the Go target OS, which matches the "ios" and "android" keys
// mobile configuration documents use.
func DefaultPlatform() string { return goruntime.GOOS }
