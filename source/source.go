// Package source provides manup.Source adapters for the places a configuration document
// can live: an HTTP endpoint, a Redis-backed remote config service, an S3-compatible
// bucket, a local file, a websocket push channel, or a caller-supplied function.
//
// Every adapter reports the query key it should be cached under so that two
// independent sources never share a cache entry.
package source

import (
	"fmt"

	"github.com/stepherg/manup"
)

// Keyed is implemented by sources that know their own cache key.
type Keyed interface {
	QueryKey() string
}

// QueryKey returns the cache key for src, falling back to manup.DefaultQueryKey.
func QueryKey(src manup.Source) string {
	if k, ok := src.(Keyed); ok && k.QueryKey() != "" {
		return k.QueryKey()
	}
	return manup.DefaultQueryKey
}

// decode parses a fetched document and annotates failures with where it came from.
func decode(origin string, data []byte) (*manup.Configuration, error) {
	cfg, err := manup.ParseConfiguration(data)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", origin, err)
	}
	return cfg, nil
}
