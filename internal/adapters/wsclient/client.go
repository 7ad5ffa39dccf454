// Package wsclient is the peer side of the signaling websocket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/call"
	"github.com/dkeye/voicemesh/internal/signaling"
)

var ErrClosed = errors.New("signaling client closed")

type Options struct {
	URL             string
	DialTimeout     time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	PingPeriod      time.Duration
	ReadLimit       int64
	SendBuffer      int
}

func (o *Options) defaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

// Client keeps one websocket to the signaling server, redialing with
// exponential backoff when it drops. The cookie jar keeps the server-side
// identity across reconnects.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger
	send   chan []byte
	done   chan struct{}

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	onReconnect []func()

	hmu      sync.RWMutex
	handlers map[signaling.Event]map[uint64]func(signaling.Message)
	nextID   uint64
}

var _ call.Signaling = (*Client)(nil)

func New(opts Options) (*Client, error) {
	opts.defaults()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
			Jar:              jar,
		},
		logger:   log.With().Str("module", "wsclient").Str("url", opts.URL).Logger(),
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		handlers: make(map[signaling.Event]map[uint64]func(signaling.Message)),
	}, nil
}

// Connect dials the server, retrying until ctx ends or retries run out.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return c.attach(conn)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	var policy backoff.BackOff = b
	if c.opts.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, c.opts.MaxRetries)
	}

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
		ws, resp, err := c.dialer.DialContext(dctx, c.opts.URL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("%s: %w", resp.Status, err))
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			return err
		}
		conn = ws
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	c.logger.Info().Int("attempt", attempt).Msg("connected")
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadLimit(c.opts.ReadLimit)
	ctx, cancel := context.WithCancel(context.Background())
	go c.writePump(ctx, conn)
	go c.readPump(conn, cancel)
	return nil
}

// OnReconnect registers fn to run after the connection has been re-established.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *Client) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("reconnect gave up")
		c.dispatch(signaling.Errorf("signaling connection lost: %v", err))
		return
	}
	if err := c.attach(conn); err != nil {
		return
	}
	c.mu.Lock()
	hooks := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Send queues msg for the writer. It blocks while the queue is full.
func (c *Client) Send(ctx context.Context, msg signaling.Message) error {
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) On(event signaling.Event, fn func(signaling.Message)) func() {
	c.hmu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]func(signaling.Message))
	}
	c.handlers[event][id] = fn
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		delete(c.handlers[event], id)
		c.hmu.Unlock()
	}
}

// Request sends msg and waits for the first reply of type reply, or for an
// error message from the server.
func (c *Client) Request(ctx context.Context, msg signaling.Message, reply signaling.Event) (signaling.Message, error) {
	ch := make(chan signaling.Message, 1)
	deliver := func(m signaling.Message) {
		select {
		case ch <- m:
		default:
		}
	}
	unsubReply := c.On(reply, deliver)
	defer unsubReply()
	unsubErr := c.On(signaling.EventError, deliver)
	defer unsubErr()

	if err := c.Send(ctx, msg); err != nil {
		return signaling.Message{}, err
	}
	select {
	case m := <-ch:
		if m.Type == signaling.EventError {
			return m, fmt.Errorf("%s: %s", msg.Type, m.Error)
		}
		return m, nil
	case <-ctx.Done():
		return signaling.Message{}, ctx.Err()
	case <-c.done:
		return signaling.Message{}, ErrClosed
	}
}

func (c *Client) dispatch(msg signaling.Message) {
	c.hmu.RLock()
	ids := make([]uint64, 0, len(c.handlers[msg.Type]))
	for id := range c.handlers[msg.Type] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(signaling.Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.handlers[msg.Type][id])
	}
	c.hmu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Close stops the client. Pending sends fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
