package manup

import "errors"

var (
	ErrConfigNotFound     = errors.New("configuration not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidConfig      = errors.New("invalid configuration document")
	ErrInvalidPolicy      = errors.New("invalid platform policy")
	ErrInvalidOptions     = errors.New("invalid options")
	ErrNilSource          = errors.New("config source is nil")
	ErrClosed             = errors.New("closed")
)
