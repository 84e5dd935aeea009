package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"nhooyr.io/websocket"

	"github.com/collabtask/tasksync/internal/reconcile"
	"github.com/collabtask/tasksync/internal/state"
)

// State of the channel's single connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const dialTimeout = 10 * time.Second

// Handler receives decoded envelopes in strict arrival order. The channel
// never interprets payloads.
type Handler interface {
	HandleEvent(env reconcile.Envelope) error
}

// Conn is the subset of a websocket connection the channel drives.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens an authenticated connection. Tests inject a fake.
type DialFunc func(ctx context.Context, url, token string) (Conn, error)

// DialWebsocket is the production dialer: one transport mode, bearer token
// presented at handshake time, no protocol fallback negotiation.
func DialWebsocket(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// ReconnectPolicy makes the reconnection behavior explicit and testable
// instead of an opaque transport default.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries caps consecutive failed connect attempts before the
	// channel gives up and surfaces a terminal error. 0 retries forever.
	MaxRetries int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// NewBackOff builds the delay source for one connection lifetime.
// Randomization is disabled so the policy's delay progression is exactly
// what its fields say.
func (p ReconnectPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

type Options struct {
	URL     string
	Handler Handler
	Policy  ReconnectPolicy
	Logger  state.Logger
	// Dial defaults to DialWebsocket.
	Dial DialFunc
	// OnError receives terminal connection failures (retry cap exhausted).
	OnError func(error)
}

// Channel owns the lifecycle of at most one live authenticated connection:
// connect, reconnect per policy, explicit teardown.
type Channel struct {
	url     string
	handler Handler
	policy  ReconnectPolicy
	logger  state.Logger
	dial    DialFunc
	onError func(error)

	mu         sync.Mutex
	st         State
	conn       Conn
	cancel     context.CancelFunc
	generation uint64
	wg         sync.WaitGroup
}

func NewChannel(opts Options) (*Channel, error) {
	if opts.URL == "" || opts.Handler == nil {
		return nil, state.ErrInvalidInput
	}
	dial := opts.Dial
	if dial == nil {
		dial = DialWebsocket
	}
	policy := opts.Policy
	if policy == (ReconnectPolicy{}) {
		policy = DefaultReconnectPolicy()
	}
	return &Channel{
		url:     opts.URL,
		handler: opts.Handler,
		policy:  policy,
		logger:  opts.Logger,
		dial:    dial,
		onError: opts.OnError,
		st:      StateDisconnected,
	}, nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// Setup opens a connection carrying the given bearer token. An already
// active connection is torn down first, so exactly one live connection
// exists afterward.
func (c *Channel) Setup(token string) {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	c.wg.Wait()

	c.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.generation++
	generation := c.generation
	c.st = StateConnecting
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, token, generation)
}

// Teardown closes the active connection and clears the reference. Calling
// it with no active connection is a no-op.
func (c *Channel) Teardown() {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Channel) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "teardown")
		c.conn = nil
	}
	// Invalidate any in-flight attach from the goroutine being stopped.
	c.generation++
	c.st = StateDisconnected
}

func (c *Channel) run(ctx context.Context, token string, generation uint64) {
	defer c.wg.Done()
	delays := c.policy.NewBackOff()
	attempts := 0
	for {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := c.dial(dialCtx, c.url, token)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			if c.policy.MaxRetries > 0 && attempts >= c.policy.MaxRetries {
				c.fail(generation, fmt.Errorf("realtime connect gave up after %d attempts: %w", attempts, err))
				return
			}
			delay := delays.NextBackOff()
			c.printf("realtime connect failed (attempt %d), retrying in %s: %v", attempts, delay, err)
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return
			}
			continue
		}
		attempts = 0
		delays.Reset()
		if !c.attach(generation, conn) {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
		readErr := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.detach(generation)
		c.printf("realtime connection dropped, reconnecting: %v", readErr)
	}
}

func (c *Channel) attach(generation uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}
	c.conn = conn
	c.st = StateConnected
	return true
}

func (c *Channel) detach(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}
	c.conn = nil
	c.st = StateConnecting
}

func (c *Channel) fail(generation uint64, err error) {
	c.mu.Lock()
	if generation == c.generation {
		c.conn = nil
		c.st = StateDisconnected
	}
	c.mu.Unlock()
	if c.onError != nil {
		c.onError(err)
		return
	}
	c.printf("%v", err)
}

// readLoop dispatches events strictly in arrival order; the handler runs
// synchronously, so no two mutations interleave.
func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env reconcile.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.printf("realtime frame not an event envelope, dropped: %v", err)
			continue
		}
		if err := c.handler.HandleEvent(env); err != nil {
			c.printf("event %s rejected: %v", env.Type, err)
		}
	}
}

func (c *Channel) printf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
