package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrHandlerNotComparable = errors.New("handler must be comparable")
	ErrNilHandler           = errors.New("handler is nil")
	ErrNotConnected         = errors.New("live transport is not connected")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateOffline means the retry budget is spent. Connect starts over.
	StateOffline State = "offline"
)

// Handler receives events. Handlers are identified by value, so the dynamic
// type must be comparable; pointer types are the usual choice.
type Handler interface {
	HandleEvent(Event)
}

// FuncHandler adapts a function to Handler. Each NewHandler call yields a
// distinct identity.
type FuncHandler struct {
	fn func(Event)
}

func NewHandler(fn func(Event)) *FuncHandler {
	return &FuncHandler{fn: fn}
}

func (h *FuncHandler) HandleEvent(ev Event) {
	if h.fn != nil {
		h.fn(ev)
	}
}

// Subscription is the handle returned by On. A cancelled subscription is
// skipped by every later dispatch.
type Subscription struct {
	client  *Client
	event   string
	handler Handler
	active  atomic.Bool
}

func (s *Subscription) Event() string {
	return s.event
}

func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Cancel removes this registration. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.client == nil {
		return
	}
	s.client.remove(s)
}

type Options struct {
	// MaxAttempts is the number of consecutive failed dials before the
	// client goes offline.
	MaxAttempts int
	RetryDelay  time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = time.Second
	defaultDialTimeout = 10 * time.Second
)

// Client maintains one push connection and fans events out to registered
// handlers. Each event name holds at most one transport subscription no
// matter how many handlers are registered for it.
type Client struct {
	transport Transport
	decoder   *frameDecoder
	logger    *slog.Logger
	opts      Options

	// sendMu serializes writes to the connection. It is never acquired
	// while mu is held.
	sendMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      Conn
	handlers  map[string][]*Subscription
	pending   []pendingFrame
	observers []func(State)
	runCancel context.CancelFunc
	runDone   chan struct{}
}

// pendingFrame is a control frame decided under mu and written by flush.
type pendingFrame struct {
	conn  Conn
	frame ClientFrame
}

func NewClient(transport Transport, opts Options) (*Client, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	decoder, err := newFrameDecoder()
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		transport: transport,
		decoder:   decoder,
		logger:    logger.With("component", "live"),
		opts:      opts,
		state:     StateDisconnected,
		handlers:  map[string][]*Subscription{},
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStatus registers an observer for connection state changes. Observers run
// on the client's connection goroutine and must not block.
func (c *Client) OnStatus(fn func(State)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// On registers handler for event. Registering the same handler twice for the
// same event returns the existing subscription.
func (c *Client) On(event string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !reflect.TypeOf(handler).Comparable() {
		return nil, fmt.Errorf("%w: %T", ErrHandlerNotComparable, handler)
	}

	c.mu.Lock()
	subs := c.handlers[event]
	for _, sub := range subs {
		if sub.handler == handler {
			c.mu.Unlock()
			return sub, nil
		}
	}
	sub := &Subscription{client: c, event: event, handler: handler}
	sub.active.Store(true)
	c.handlers[event] = append(subs, sub)
	if len(subs) == 0 {
		c.queueLocked(ClientFrame{Type: frameSubscribe, Event: event})
	}
	c.mu.Unlock()
	c.flush()
	return sub, nil
}

// Off removes handler from event. A nil handler removes every handler for
// the event.
func (c *Client) Off(event string, handler Handler) {
	if handler != nil && !reflect.TypeOf(handler).Comparable() {
		return
	}
	c.mu.Lock()
	subs := c.handlers[event]
	kept := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if handler == nil || sub.handler == handler {
			sub.active.Store(false)
			continue
		}
		kept = append(kept, sub)
	}
	c.setHandlersLocked(event, subs, kept)
	c.mu.Unlock()
	c.flush()
}

func (c *Client) remove(target *Subscription) {
	c.mu.Lock()
	target.active.Store(false)
	subs := c.handlers[target.event]
	kept := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	c.setHandlersLocked(target.event, subs, kept)
	c.mu.Unlock()
	c.flush()
}

func (c *Client) setHandlersLocked(event string, before, after []*Subscription) {
	if len(after) > 0 {
		c.handlers[event] = after
		return
	}
	delete(c.handlers, event)
	if len(before) > 0 {
		c.queueLocked(ClientFrame{Type: frameUnsubscribe, Event: event})
	}
}

// HandlerCount reports how many handlers are registered for event.
func (c *Client) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// Events lists the event names that currently have handlers.
func (c *Client) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventsLocked()
}

func (c *Client) eventsLocked() []string {
	events := make([]string, 0, len(c.handlers))
	for event := range c.handlers {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Connect starts the connection loop and returns immediately. Calling it
// while the loop is running is a no-op. The loop stops when ctx is done or
// Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.runCancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.runCancel, c.runDone = cancel, done
	c.mu.Unlock()

	go c.run(runCtx, cancel, done)
	return nil
}

// Disconnect closes the connection and releases every handler. It waits for
// the connection goroutine and so must not be called from a handler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.runCancel, c.runDone
	c.runCancel, c.runDone = nil, nil
	for _, subs := range c.handlers {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	c.handlers = map[string][]*Subscription{}
	c.pending = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(StateDisconnected)
}

// Emit sends a custom frame on the open connection.
func (c *Client) Emit(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.flush()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.Send(ctx, ClientFrame{Type: frameEmit, Event: event, Data: data})
}

func (c *Client) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	offline := false
	defer func() {
		cancel()
		c.releaseRun(done)
		if !offline {
			c.setState(StateDisconnected)
		}
		close(done)
	}()
	failures := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("live dial failed", "attempt", failures, "max_attempts", c.opts.MaxAttempts, "error", err)
			if failures >= c.opts.MaxAttempts {
				offline = true
				c.releaseRun(done)
				c.logger.Error("live transport offline, retry budget exhausted", "max_attempts", c.opts.MaxAttempts)
				c.setState(StateOffline)
				return
			}
			if waitWithContext(ctx, c.opts.RetryDelay) != nil {
				return
			}
			continue
		}
		failures = 0
		c.attach(conn)
		err = c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("live connection lost", "error", err)
		if waitWithContext(ctx, c.opts.RetryDelay) != nil {
			return
		}
	}
}

// releaseRun forgets the loop identified by done so Connect can start a new
// one.
func (c *Client) releaseRun(done chan struct{}) {
	c.mu.Lock()
	if c.runDone == done {
		c.runCancel, c.runDone = nil, nil
	}
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	return c.transport.Dial(dialCtx)
}

// attach publishes conn and re-arms every event that still has handlers.
func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	events := c.eventsLocked()
	for _, event := range events {
		c.queueLocked(ClientFrame{Type: frameSubscribe, Event: event})
	}
	c.mu.Unlock()
	c.flush()
	c.logger.Info("live connected", "events", len(events))
	c.setState(StateConnected)
}

func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := c.decoder.decode(raw)
		if err != nil {
			c.logger.Warn("live frame rejected", "error", err)
			continue
		}
		ev.ReceivedAt = c.opts.Now()
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	subs := append([]*Subscription(nil), c.handlers[ev.Name]...)
	c.mu.Unlock()
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		c.invoke(sub, ev)
	}
}

func (c *Client) invoke(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("live handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	sub.handler.HandleEvent(ev)
}

// queueLocked records a control frame for the current connection. Nothing
// is queued while disconnected; attach re-arms every event instead.
func (c *Client) queueLocked(frame ClientFrame) {
	if c.conn == nil {
		return
	}
	c.pending = append(c.pending, pendingFrame{conn: c.conn, frame: frame})
}

// flush writes queued control frames in the order they were decided.
// Failures are logged; a broken connection is noticed by the read loop,
// which reconnects and re-arms.
func (c *Client) flush() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, p := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		err := p.conn.Send(ctx, p.frame)
		cancel()
		if err != nil {
			c.logger.Warn("live control frame failed", "type", p.frame.Type, "event", p.frame.Event, "error", err)
		}
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	observers := append([]func(State){}, c.observers...)
	c.mu.Unlock()
	c.logger.Debug("live state", "state", state)
	for _, fn := range observers {
		fn(state)
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
