package source

import (
	"context"
	"errors"

	"github.com/stepherg/manup"
)

// HTTPSource fetches the configuration document from a URL on every call.
type HTTPSource struct {
	url string
	c   *Client
}

func NewHTTPSource(url string, c *Client) (*HTTPSource, error) {
	if url == "" {
		return nil, errors.New("source: url required")
	}
	if c == nil {
		c = NewClient(nil)
	}
	return &HTTPSource{url: url, c: c}, nil
}

// Fetch downloads and decodes the document.
func (h *HTTPSource) Fetch(ctx context.Context) (*manup.Configuration, error) {
	b, err := h.c.getDocument(ctx, h.url)
	if err != nil {
		return nil, err
	}
	return decode(h.url, b)
}

func (h *HTTPSource) QueryKey() string { return "httpRemoteConfig:" + h.url }

func (h *HTTPSource) URL() string { return h.url }
