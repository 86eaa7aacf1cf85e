package ipc

import (
	"context"
	log "log/slog"
	"net"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vrift/vrift"
)

const (
	connectTimeout = 2 * time.Second
	requestTimeout = 30 * time.Second
	// breakerWindow is how long the breaker stays open before the next probe.
	breakerWindow = 5 * time.Second
)

// Breaker counts consecutive connect/send failures and, past the threshold,
// reports the channel degraded so callers fall back to pure passthrough. A
// successful exchange resets it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  int
	openUntil time.Time
}

// NewBreaker builds a breaker tripping after threshold consecutive failures.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{threshold: threshold, window: breakerWindow}
}

// SetWindow overrides how long the breaker stays open between probes.
func (b *Breaker) SetWindow(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = d
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	// Open; permit a probe once the window elapses.
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Now().Add(b.window)
		return true
	}
	return false
}

// Tripped reports whether the breaker is currently open.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures >= b.threshold {
		log.Info("ipc circuit breaker reset")
	}
	b.failures = 0
	b.openUntil = time.Time{}
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = time.Now().Add(b.window)
		log.Warn("ipc circuit breaker opened", "failures", b.failures)
	}
}

// Client is a control-channel client. One short-lived connection per request
// keeps the daemon's per-connection state trivial; the kernel makes unix
// socket connects cheap enough for the commit path's one round-trip budget.
type Client struct {
	socketPath string
	breaker    *Breaker
}

// NewClient builds a client for the daemon socket. The breaker threshold
// comes from VRIFT_CIRCUIT_BREAKER_THRESHOLD when threshold is zero.
func NewClient(socketPath string, threshold int) *Client {
	if threshold == 0 {
		threshold = vrift.CircuitBreakerThreshold()
	}
	return &Client{
		socketPath: socketPath,
		breaker:    NewBreaker(threshold),
	}
}

// Breaker exposes the client's circuit breaker state.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// SocketPath returns the daemon socket this client targets.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Do sends one request and awaits its response. Connect errors retry with
// backoff before counting as a breaker failure.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if !c.breaker.Allow() {
		return Response{}, vrift.Errorf(vrift.DaemonUnreachable, "circuit breaker open for %s", c.socketPath)
	}

	var resp Response
	err := c.exchange(ctx, req, &resp)
	if err != nil {
		c.breaker.failure()
		return Response{}, err
	}
	c.breaker.success()
	if rerr := resp.Err(); rerr != nil {
		return resp, rerr
	}
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, req Request, resp *Response) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return vrift.Errorf(vrift.DaemonUnreachable, "connect %s: %v", c.socketPath, err)
	}
	defer conn.Close()

	// A caller-supplied deadline wins in either direction: stream drains run
	// longer than the default, cancellations shorter.
	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := WriteFrame(conn, req); err != nil {
		return vrift.Errorf(vrift.DaemonUnreachable, "send: %v", err)
	}
	if err := ReadFrame(conn, resp); err != nil {
		if vrift.CodeOf(err) == vrift.ProtocolError {
			return err
		}
		return vrift.Errorf(vrift.DaemonUnreachable, "recv: %v", err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	b := retry.NewFibonacci(50 * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(2, b), func(ctx context.Context) error {
		d := net.Dialer{Timeout: connectTimeout}
		var derr error
		conn, derr = d.DialContext(ctx, "unix", c.socketPath)
		if derr != nil {
			return retry.RetryableError(derr)
		}
		return nil
	})
	return conn, err
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Kind: KindPing})
	return err
}
