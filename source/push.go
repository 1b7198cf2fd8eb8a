package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/internal/logging"
	"github.com/stepherg/manup/translate"
)

// PushSource keeps a websocket open to a publisher that pushes configuration documents.
// Fetch returns the most recent document (waiting for the first one); every received
// document is announced on Changes so the cache refetches immediately.
//
// A dropped connection is retried once; after that the source is closed and Fetch reports
// the terminal error.
type PushSource struct {
	url    string
	auth   manup.AuthStrategy
	dialer *websocket.Dialer
	logger pslog.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	mu      sync.RWMutex
	latest  *manup.Configuration
	lastErr error
	ready   chan struct{}

	changes chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func NewPushSource(url string, auth manup.AuthStrategy, logger pslog.Logger) (*PushSource, error) {
	if url == "" {
		return nil, errors.New("source: push url required")
	}
	return &PushSource{
		url:     url,
		auth:    auth,
		dialer:  &websocket.Dialer{HandshakeTimeout: manup.DefaultRequestTimeout},
		logger:  logging.WithSubsystem(logger, "source.push"),
		ready:   make(chan struct{}),
		changes: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}, nil
}

// Connect establishes the websocket and starts reading pushes.
func (p *PushSource) Connect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	if err := p.install(conn); err != nil {
		return err
	}
	go p.readLoop()
	return nil
}

func (p *PushSource) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if p.auth != nil {
		if v, e := p.auth.AuthorizationValue(); e == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, _, err := p.dialer.DialContext(ctx, p.url, header)
	if err != nil {
		return nil, fmt.Errorf("source: dial %s: %w", p.url, err)
	}
	return conn, nil
}

// reconnect attempts a single reconnect using the same parameters.
func (p *PushSource) reconnect(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	return p.install(conn)
}

// install makes conn the active connection. A connection dialed after Close is closed
// immediately instead.
func (p *PushSource) install(conn *websocket.Conn) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	select {
	case <-p.closed:
		_ = conn.Close()
		return manup.ErrClosed
	default:
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = conn
	return nil
}

// Fetch returns the latest pushed document, waiting for the first one if necessary.
func (p *PushSource) Fetch(ctx context.Context) (*manup.Configuration, error) {
	select {
	case <-p.ready:
	case <-p.closed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest != nil {
		select {
		case <-p.closed:
			if p.lastErr != nil {
				return nil, p.lastErr
			}
		default:
		}
		return p.latest, nil
	}
	if p.lastErr != nil {
		return nil, p.lastErr
	}
	return nil, manup.ErrClosed
}

func (p *PushSource) QueryKey() string { return "pushRemoteConfig:" + p.url }

func (p *PushSource) Changes() <-chan struct{} { return p.changes }

// Close terminates the connection.
func (p *PushSource) Close() error {
	p.shutdown(nil)
	return nil
}

func (p *PushSource) shutdown(cause error) {
	p.once.Do(func() {
		p.mu.Lock()
		if cause != nil {
			p.lastErr = cause
		}
		p.mu.Unlock()
		close(p.closed)
		p.connMu.Lock()
		c := p.conn
		p.conn = nil
		p.connMu.Unlock()
		if c != nil {
			_ = c.Close()
		}
	})
}

func (p *PushSource) store(cfg *manup.Configuration) {
	p.mu.Lock()
	first := p.latest == nil
	p.latest = cfg
	p.mu.Unlock()
	if first {
		close(p.ready)
	}
	select {
	case p.changes <- struct{}{}:
	default:
	}
}

func (p *PushSource) readLoop() {
	p.connMu.RLock()
	c := p.conn
	p.connMu.RUnlock()
	if c == nil {
		return
	}
	retried := false
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			select {
			case <-p.closed:
				return
			default:
			}
			if !retried {
				retried = true
				p.logger.Warn("source.push.read_failed", "url", p.url, "error", err, "retrying", true)
				// brief delay then attempt reconnect
				time.Sleep(300 * time.Millisecond)
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				recErr := p.reconnect(ctx)
				if errors.Is(recErr, manup.ErrClosed) {
					cancel()
					return
				}
				if recErr == nil {
					cancel()
					p.connMu.RLock()
					c = p.conn
					p.connMu.RUnlock()
					if c == nil {
						p.shutdown(nil)
						return
					}
					continue
				}
				cancel()
			}
			p.logger.Warn("source.push.closed", "url", p.url, "error", err)
			p.shutdown(fmt.Errorf("%w: push channel %s: %v", manup.ErrBackendUnavailable, p.url, err))
			return
		}
		cfg, err := translate.ParsePushFrame(data)
		if err != nil {
			p.logger.Warn("source.push.frame_invalid", "url", p.url, "error", err)
			continue
		}
		if cfg == nil {
			continue
		}
		p.store(cfg)
	}
}
