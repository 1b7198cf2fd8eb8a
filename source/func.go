package source

import (
	"context"
	"errors"

	"github.com/stepherg/manup"
)

// FuncSource wraps a caller-supplied fetch function, for hosts that already have their
// own transport.
type FuncSource struct {
	key   string
	fetch func(ctx context.Context) (*manup.Configuration, error)
}

// NewFuncSource builds a FuncSource. An empty key means manup.DefaultQueryKey.
func NewFuncSource(key string, fetch func(ctx context.Context) (*manup.Configuration, error)) (*FuncSource, error) {
	if fetch == nil {
		return nil, errors.New("source: fetch function required")
	}
	if key == "" {
		key = manup.DefaultQueryKey
	}
	return &FuncSource{key: key, fetch: fetch}, nil
}

// BytesFunc adapts a function returning raw JSON into a fetch function.
func BytesFunc(fn func(ctx context.Context) ([]byte, error)) func(ctx context.Context) (*manup.Configuration, error) {
	return func(ctx context.Context) (*manup.Configuration, error) {
		b, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return decode("func", b)
	}
}

func (f *FuncSource) Fetch(ctx context.Context) (*manup.Configuration, error) { return f.fetch(ctx) }

func (f *FuncSource) QueryKey() string { return f.key }
