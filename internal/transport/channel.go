// Package transport is the participant side of the realtime chat channel:
// one physical websocket at a time, automatic reconnection with capped
// exponential backoff, and helpers for the receive-side state a participant
// keeps (typing indicator, queue status, claim state).
package transport

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"livechat/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Conn is one physical connection.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Options struct {
	URL    string
	Header http.Header
	// MaxAttempts bounds reconnection attempts after a connection is lost or
	// the first dial fails. The counter resets whenever a connection opens.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter is the backoff randomization factor, 0 for fixed steps.
	Jitter float64
	Dialer Dialer
	Buffer int
}

type EventKind int

const (
	EventState EventKind = iota
	EventFrame
	EventError
)

type Event struct {
	Kind  EventKind
	State State
	Frame domain.Frame
	Err   error
}

// Subscription is the event stream of one Connect call. Events stops when
// the channel closes for good or the subscription is replaced.
type Subscription struct {
	events chan Event
	quit   chan struct{}
	once   sync.Once
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{
		events: make(chan Event, buffer),
		quit:   make(chan struct{}),
	}
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) cancel() {
	s.once.Do(func() { close(s.quit) })
}

func (s *Subscription) emit(e Event) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.events <- e:
		return true
	case <-s.quit:
		return false
	}
}

type Channel struct {
	opts Options

	mu       sync.Mutex
	state    State
	conn     Conn
	sub      *Subscription
	cancel   context.CancelFunc
	attempts int
	dials    int

	writeMu sync.Mutex
}

func NewChannel(opts Options) *Channel {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 2 * time.Second
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Channel{opts: opts, state: StateClosed}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dials reports how many physical connection attempts were made in total.
func (c *Channel) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Connect starts a fresh logical subscription. A previous subscription is
// cancelled and its connection closed first.
func (c *Channel) Connect(ctx context.Context) *Subscription {
	c.mu.Lock()
	c.teardownLocked()
	sub := newSubscription(c.opts.Buffer)
	runCtx, cancel := context.WithCancel(ctx)
	c.sub = sub
	c.cancel = cancel
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	sub.emit(Event{Kind: EventState, State: StateConnecting})
	go c.run(runCtx, sub)
	return sub
}

// Disconnect cancels any pending reconnection before closing the connection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.attempts = c.opts.MaxAttempts
	c.teardownLocked()
	c.state = StateClosed
	c.mu.Unlock()
}

func (c *Channel) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.sub != nil {
		c.sub.cancel()
		c.sub = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Printf("Failed to close connection: %v", err)
		}
		c.conn = nil
	}
}

// Send writes a frame on the open connection.
func (c *Channel) Send(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return domain.Transportf("channel is not open")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return domain.Transportf("send: %v", err)
	}
	return nil
}

func (c *Channel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialDelay
	b.MaxInterval = c.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = c.opts.Jitter
	b.Reset()
	return b
}

func (c *Channel) run(ctx context.Context, sub *Subscription) {
	defer close(sub.events)
	bo := c.newBackOff()

	for {
		if !c.current(sub) {
			return
		}
		c.mu.Lock()
		c.dials++
		c.mu.Unlock()

		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.emit(Event{Kind: EventError, Err: domain.Transportf("dial %s: %v", c.opts.URL, err)})
		} else if c.open(sub, conn) {
			bo.Reset()
			sub.emit(Event{Kind: EventState, State: StateOpen})
			terminal, err := c.read(sub, conn)
			c.drop(sub, conn)
			if terminal {
				c.finish(sub)
				return
			}
			if ctx.Err() != nil {
				return
			}
			sub.emit(Event{Kind: EventError, Err: domain.Transportf("connection lost: %v", err)})
		} else {
			conn.Close()
			return
		}

		if !c.retry(sub) {
			c.finish(sub)
			return
		}
		sub.emit(Event{Kind: EventState, State: StateConnecting})

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) current(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub == sub
}

// open installs conn unless the subscription was replaced or disconnected
// while dialing.
func (c *Channel) open(sub *Subscription, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != sub {
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	return true
}

func (c *Channel) drop(sub *Subscription, conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		conn.Close()
		c.conn = nil
	}
	if c.sub == sub && c.state == StateOpen {
		c.state = StateConnecting
	}
}

// retry consumes one reconnection attempt.
func (c *Channel) retry(sub *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != sub || c.attempts >= c.opts.MaxAttempts {
		return false
	}
	c.attempts++
	c.state = StateConnecting
	return true
}

func (c *Channel) finish(sub *Subscription) {
	c.mu.Lock()
	mine := c.sub == sub
	if mine {
		c.state = StateClosed
	}
	c.mu.Unlock()
	if mine {
		sub.emit(Event{Kind: EventState, State: StateClosed})
	}
}

// read forwards frames until the connection fails or a terminal frame
// arrives.
func (c *Channel) read(sub *Subscription, conn Conn) (bool, error) {
	for {
		var f domain.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return false, err
		}
		if !c.current(sub) {
			return false, context.Canceled
		}
		sub.emit(Event{Kind: EventFrame, Frame: f})
		if f.Type == domain.FrameChatClosed || f.Type == domain.FrameRouteClosed {
			return true, nil
		}
	}
}
