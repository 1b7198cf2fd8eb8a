package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stepherg/manup"
)

// maxDocumentSize bounds a configuration document read from any source.
const maxDocumentSize = 1 << 20

// Client is a lightweight helper around http.Client for configuration endpoints.
type Client struct {
	Auth manup.AuthStrategy
	HTTP *http.Client
}

func NewClient(auth manup.AuthStrategy) *Client {
	return &Client{Auth: auth, HTTP: &http.Client{Timeout: manup.DefaultRequestTimeout}}
}

// readDocument reads at most maxDocumentSize bytes and rejects anything larger.
func readDocument(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxDocumentSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", manup.ErrInvalidConfig, maxDocumentSize)
	}
	return b, nil
}

// getDocument performs an uncached HTTP GET and returns the body; returns sentinel errors
// from manup where feasible.
func (c *Client) getDocument(ctx context.Context, url string) ([]byte, error) {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: manup.DefaultRequestTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Pragma", "no-cache")
	if c.Auth != nil {
		if v, e := c.Auth.AuthorizationValue(); e == nil && v != "" {
			req.Header.Set("Authorization", v)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", manup.ErrTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		b, err := readDocument(resp.Body)
		if err != nil {
			if errors.Is(err, manup.ErrInvalidConfig) {
				return nil, err
			}
			return nil, fmt.Errorf("read body: %w", err)
		}
		return b, nil
	case http.StatusNotFound:
		return nil, manup.ErrConfigNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, manup.ErrAccessDenied
	default:
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %s", manup.ErrBackendUnavailable, resp.Status)
		}
		return nil, fmt.Errorf("network response was not ok: %s", resp.Status)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
