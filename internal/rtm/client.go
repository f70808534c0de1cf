package rtm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/slackrelay/internal/clock"
	"github.com/agentworkforce/slackrelay/internal/slack"
	"github.com/agentworkforce/slackrelay/internal/webapi"
)

var (
	ErrNotConnected     = errors.New("rtm: not connected")
	ErrSendQueueFull    = errors.New("rtm: send queue full")
	ErrClosed           = errors.New("rtm: client closed")
	ErrStaleSession     = errors.New("rtm: session superseded")
	ErrHeartbeatTimeout = errors.New("rtm: heartbeat timeout")
)

type ConnectStage string

const (
	StageStart ConnectStage = "start"
	StageDial  ConnectStage = "dial"
)

// ConnectError wraps a failure to establish a session. Stage tells
// whether session start or the socket dial failed.
type ConnectError struct {
	Stage ConnectStage
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rtm connect (%s): %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SessionStarter performs the session-start exchange. *webapi.Client
// satisfies it.
type SessionStarter interface {
	StartRTM(ctx context.Context, opts webapi.RTMStartOptions) (webapi.RTMStartResponse, error)
}

type ConnectOptions struct {
	SimpleLatest bool
	NoUnreads    bool
	MPIMAware    bool
	// PingInterval enables the heartbeat when positive.
	PingInterval time.Duration
	// Timeout is the largest tolerated gap between the last ping and the
	// last pong.
	Timeout   time.Duration
	Reconnect bool
}

type ClientOptions struct {
	Dialer  Dialer
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
	// SendRate is outbound messages per second over the socket.
	SendRate       float64
	SendBurst      int
	SendQueueSize  int
	TypingTimeout  time.Duration
	ConnectTimeout time.Duration
}

const (
	defaultSendRate       = 1
	defaultSendBurst      = 3
	defaultSendQueueSize  = 64
	defaultConnectTimeout = 30 * time.Second
	taskQueueSize         = 256
)

type task struct {
	// gen ties the task to one session; stale tasks are discarded.
	gen    uint64
	frame  []byte
	event  map[string]any
	timer  func(r *Reconciler) Notice
	notice Notice
}

// Client supervises one team session: it owns the socket, the heartbeat
// and the State, and fans reconciled events out to listeners. All state
// mutation happens on a single consumer goroutine.
type Client struct {
	starter        SessionStarter
	dialer         Dialer
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *Metrics
	typingTimeout  time.Duration
	connectTimeout time.Duration
	sendLimiter    *rate.Limiter
	sendQueueSize  int

	observers Observers
	tasks     chan task
	done      chan struct{}
	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	nextID    atomic.Int64

	mu            sync.RWMutex
	gen           uint64
	closed        bool
	opts          ConnectOptions
	state         *State
	rec           *Reconciler
	transport     Transport
	outbound      chan []byte
	cancelSession context.CancelFunc
	connected     bool
	authenticated bool
	lastPing      time.Time
	lastPong      time.Time
}

func NewClient(starter SessionStarter, opts ClientOptions) *Client {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendRate := opts.SendRate
	if sendRate <= 0 {
		sendRate = defaultSendRate
	}
	sendBurst := opts.SendBurst
	if sendBurst <= 0 {
		sendBurst = defaultSendBurst
	}
	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		starter:        starter,
		dialer:         dialer,
		clock:          clk,
		logger:         logger,
		metrics:        opts.Metrics,
		typingTimeout:  opts.TypingTimeout,
		connectTimeout: connectTimeout,
		sendLimiter:    rate.NewLimiter(rate.Limit(sendRate), sendBurst),
		sendQueueSize:  queueSize,
		tasks:          make(chan task, taskQueueSize),
		done:           make(chan struct{}),
		baseCtx:        baseCtx,
		cancel:         cancel,
	}
	go c.run()
	return c
}

// Connect starts a session: it fetches the snapshot, dials the socket and
// starts the reader, writer and heartbeat. A Disconnect issued while
// Connect is in flight makes Connect return ErrStaleSession and leaves
// the client disconnected.
func (c *Client) Connect(ctx context.Context, opts ConnectOptions) error {
	gen, resp, err := c.start(ctx, opts)
	if err != nil {
		return err
	}
	state := LoadSnapshot(resp.Snapshot)

	conn, err := c.dialer.Dial(ctx, resp.URL)
	if err != nil {
		return c.connectFailed(gen, &ConnectError{Stage: StageDial, Err: err})
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrStaleSession
	}
	sessionCtx, cancel := context.WithCancel(c.baseCtx)
	outbound := make(chan []byte, c.sendQueueSize)
	c.installLocked(gen, state)
	c.transport = conn
	c.outbound = outbound
	c.cancelSession = cancel
	c.connected = true
	c.authenticated = false
	c.lastPing, c.lastPong = time.Time{}, time.Time{}
	c.mu.Unlock()

	c.logger.Info("rtm_connected",
		zap.String("team", teamID(state)),
		zap.Int("users", len(state.Users)),
		zap.Int("channels", len(state.Channels)),
	)
	go c.readLoop(sessionCtx, gen, conn)
	go c.writeLoop(sessionCtx, gen, conn, outbound)
	if opts.PingInterval > 0 {
		go c.heartbeat(sessionCtx, gen, conn, opts)
	}
	return nil
}

// Bootstrap loads the session snapshot without opening a socket. Events
// then arrive only through Apply.
func (c *Client) Bootstrap(ctx context.Context, opts ConnectOptions) error {
	gen, resp, err := c.start(ctx, opts)
	if err != nil {
		return err
	}
	state := LoadSnapshot(resp.Snapshot)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return ErrStaleSession
	}
	c.installLocked(gen, state)
	c.logger.Info("rtm_bootstrapped", zap.String("team", teamID(state)), zap.Int("users", len(state.Users)))
	return nil
}

func (c *Client) start(ctx context.Context, opts ConnectOptions) (uint64, webapi.RTMStartResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, webapi.RTMStartResponse{}, ErrClosed
	}
	c.gen++
	gen := c.gen
	c.opts = opts
	conn, cancel, live := c.detachLocked()
	c.mu.Unlock()
	closeSession(conn, cancel)
	if live {
		c.postNotice(disconnectedNotice())
	}

	resp, err := c.starter.StartRTM(ctx, webapi.RTMStartOptions{
		SimpleLatest: opts.SimpleLatest,
		NoUnreads:    opts.NoUnreads,
		MPIMAware:    opts.MPIMAware,
	})
	if err != nil {
		return 0, webapi.RTMStartResponse{}, c.connectFailed(gen, &ConnectError{Stage: StageStart, Err: err})
	}
	if !c.isCurrent(gen) {
		c.logger.Debug("rtm_stale_session_start", zap.Uint64("generation", gen))
		return 0, webapi.RTMStartResponse{}, ErrStaleSession
	}
	return gen, resp, nil
}

func (c *Client) installLocked(gen uint64, state *State) {
	c.state = state
	c.rec = NewReconciler(state, sessionScheduler{c: c, gen: gen}, c.typingTimeout)
}

func (c *Client) connectFailed(gen uint64, err *ConnectError) error {
	if !c.isCurrent(gen) {
		return ErrStaleSession
	}
	c.logger.Warn("rtm_connect_failed", zap.String("stage", string(err.Stage)), zap.Error(err.Err))
	c.postNotice(notify((*Observers).connectionListener, func(l ConnectionListener, c *Client) {
		l.ConnectionFailed(err, c)
	}))
	return err
}

// Disconnect ends the current session, if any. It never reconnects.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn, cancel, live := c.detachLocked()
	c.mu.Unlock()
	closeSession(conn, cancel)
	if live {
		c.logger.Info("rtm_disconnected", zap.String("reason", "requested"))
		c.postNotice(disconnectedNotice())
	}
}

// Close disconnects and stops the event goroutine. The client cannot be
// reused.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.Disconnect()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		close(c.done)
	})
}

// sessionLost tears down a session the transport or heartbeat gave up
// on, then reconnects when the session asked for it.
func (c *Client) sessionLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn, cancel, _ := c.detachLocked()
	opts, closed := c.opts, c.closed
	c.mu.Unlock()
	closeSession(conn, cancel)

	c.logger.Warn("rtm_session_lost", zap.Error(cause), zap.Bool("reconnect", opts.Reconnect && !closed))
	c.postNotice(disconnectedNotice())
	if !opts.Reconnect || closed {
		return
	}
	c.metrics.reconnect()
	ctx, cancelConnect := context.WithTimeout(c.baseCtx, c.connectTimeout)
	defer cancelConnect()
	if err := c.Connect(ctx, opts); err != nil && !errors.Is(err, ErrStaleSession) {
		c.logger.Warn("rtm_reconnect_failed", zap.Error(err))
	}
}

// detachLocked clears the session-scoped fields. The returned transport
// and cancel func must be released after c.mu is unlocked.
func (c *Client) detachLocked() (Transport, context.CancelFunc, bool) {
	conn, cancel := c.transport, c.cancelSession
	c.transport = nil
	c.cancelSession = nil
	c.outbound = nil
	c.connected = false
	c.authenticated = false
	if c.state != nil {
		c.state.Self = nil
		c.state.SentMessages = map[string]*slack.Message{}
	}
	return conn, cancel, conn != nil
}

func closeSession(conn Transport, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.gen == gen
}

func disconnectedNotice() Notice {
	return notify((*Observers).connectionListener, func(l ConnectionListener, c *Client) {
		l.Disconnected(c)
	})
}

// Event path

func (c *Client) run() {
	for {
		select {
		case <-c.done:
			return
		case t := <-c.tasks:
			c.process(t)
		}
	}
}

func (c *Client) post(t task) bool {
	select {
	case c.tasks <- t:
		return true
	case <-c.done:
		return false
	}
}

// postNotice queues a listener call without blocking, so it is safe from
// inside a listener running on the consumer goroutine.
func (c *Client) postNotice(n Notice) {
	select {
	case c.tasks <- task{notice: n}:
	default:
		go c.post(task{notice: n})
	}
}

func (c *Client) process(t task) {
	switch {
	case t.notice != nil:
		c.fire(t.notice)
	case t.timer != nil:
		notice, _ := c.reconcile(t.gen, t.timer)
		c.fire(notice)
	case t.frame != nil:
		ev, err := ParseEvent(t.frame)
		if err != nil {
			c.metrics.decodeFailure()
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warn("rtm_frame_decode_failed", zap.Error(decodeErr.Err), zap.String("frame", decodeErr.Frame))
			}
			return
		}
		c.applyEvent(t.gen, ev)
	case t.event != nil:
		c.applyEvent(t.gen, DecodeEvent(t.event))
	}
}

func (c *Client) applyEvent(gen uint64, ev Event) {
	notice, ok := c.reconcile(gen, func(r *Reconciler) Notice {
		n := r.Apply(ev)
		if ev.Type == EventHello && c.transport != nil {
			c.authenticated = true
		}
		return n
	})
	if !ok {
		return
	}
	c.metrics.event(ev.Type)
	if Dropped(ev, notice) {
		c.metrics.drop(ev.Type)
		c.logger.Debug("rtm_event_dropped", zap.String("type", ev.RawType), zap.String("subtype", ev.RawSubtype))
	}
	if ev.Type == EventError && ev.Error != nil {
		c.logger.Warn("rtm_server_error", zap.Int("code", ev.Error.Code), zap.String("msg", ev.Error.Message))
	}
	c.fire(notice)
}

// reconcile runs fn against the live reconciler under the state lock. It
// reports false when the task belongs to a finished session.
func (c *Client) reconcile(gen uint64, fn func(r *Reconciler) Notice) (Notice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil || gen != c.gen {
		return nil, false
	}
	return fn(c.rec), true
}

func (c *Client) fire(n Notice) {
	if n == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rtm_listener_panic", zap.Any("panic", r))
		}
	}()
	n(&c.observers, c)
}

// Apply feeds an already-decoded event, such as the inner event of an
// Events API callback, through the same path as socket frames.
func (c *Client) Apply(ctx context.Context, event map[string]any) error {
	if event == nil {
		return fmt.Errorf("apply: nil event")
	}
	c.mu.RLock()
	gen, loaded, closed := c.gen, c.rec != nil, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !loaded {
		return ErrNotConnected
	}
	select {
	case c.tasks <- task{gen: gen, event: event}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sessionScheduler struct {
	c   *Client
	gen uint64
}

func (s sessionScheduler) Schedule(d time.Duration, fn func(r *Reconciler) Notice) {
	s.c.clock.AfterFunc(d, func() {
		s.c.post(task{gen: s.gen, timer: fn})
	})
}

// Socket loops

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Transport) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			c.sessionLost(gen, err)
			return
		}
		if !c.post(task{gen: gen, frame: frame}) {
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, gen uint64, conn Transport, outbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-outbound:
			if err := c.sendLimiter.Wait(ctx); err != nil {
				return
			}
			if err := conn.Write(ctx, frame); err != nil {
				c.logger.Warn("rtm_write_failed", zap.Error(err))
				c.sessionLost(gen, err)
				return
			}
			c.metrics.messageSent()
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, gen uint64, conn Transport, opts ConnectOptions) {
	ticker := c.clock.NewTicker(opts.PingInterval)
	defer ticker.Stop()
	pingTimeout := opts.Timeout
	if pingTimeout <= 0 {
		pingTimeout = opts.PingInterval
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		c.markHeartbeat(gen, &c.lastPing)
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		switch {
		case err == nil:
			c.markHeartbeat(gen, &c.lastPong)
		case ctx.Err() != nil:
			return
		default:
			c.logger.Debug("rtm_ping_failed", zap.Error(err))
		}

		c.mu.RLock()
		alive := c.gen != gen || linkAlive(c.lastPing, c.lastPong, opts.Timeout)
		c.mu.RUnlock()
		if !alive {
			c.metrics.heartbeatTimeout()
			c.sessionLost(gen, ErrHeartbeatTimeout)
			return
		}
	}
}

func (c *Client) markHeartbeat(gen uint64, field *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		*field = c.clock.Now()
	}
}

// linkAlive reports false only once a ping, a pong and a timeout are all
// known and the pong lags the ping by more than the timeout.
func linkAlive(lastPing, lastPong time.Time, timeout time.Duration) bool {
	if lastPing.IsZero() || lastPong.IsZero() || timeout <= 0 {
		return true
	}
	return lastPing.Sub(lastPong) <= timeout
}

// Sending

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

type outboundMessage struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// SendMessage queues text for channelID over the socket and records a
// pending placeholder until the service acknowledges it. The returned
// id is the reply_to of the eventual acknowledgement.
func (c *Client) SendMessage(channelID, text string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil || c.outbound == nil {
		return 0, ErrNotConnected
	}
	id := c.nextID.Add(1)
	frame, err := json.Marshal(outboundMessage{
		ID:      id,
		Type:    "message",
		Channel: channelID,
		Text:    textEscaper.Replace(text),
	})
	if err != nil {
		return 0, err
	}
	select {
	case c.outbound <- frame:
	default:
		return 0, ErrSendQueueFull
	}
	key := strconv.FormatInt(id, 10)
	c.state.SentMessages[key] = &slack.Message{
		Type:    "message",
		Channel: channelID,
		User:    c.state.selfID(),
		Text:    text,
		TS:      key,
	}
	return id, nil
}

// Accessors return copies.

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) Team() *slack.Team {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return c.state.Team.Clone()
}

func (c *Client) Self() *slack.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return c.state.Self.Clone()
}

func (c *Client) User(id string) *slack.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return c.state.Users[id].Clone()
}

// Users returns every known user ordered by id.
func (c *Client) Users() []*slack.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	out := make([]*slack.User, 0, len(c.state.Users))
	for _, user := range c.state.Users {
		out = append(out, user.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) Channel(id string) *slack.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return c.state.Channels[id].Clone()
}

// Channels returns every known channel ordered by id.
func (c *Client) Channels() []*slack.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	out := make([]*slack.Channel, 0, len(c.state.Channels))
	for _, ch := range c.state.Channels {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) File(id string) *slack.File {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return c.state.Files[id].Clone()
}

func (c *Client) Bot(id string) *slack.Bot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return c.state.Bots[id].Clone()
}

func (c *Client) UserGroup(id string) *slack.UserGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	return c.state.UserGroups[id].Clone()
}

// PendingMessages returns sent messages still awaiting acknowledgement,
// ordered by send id.
func (c *Client) PendingMessages() []*slack.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil
	}
	out := make([]*slack.Message, 0, len(c.state.SentMessages))
	for _, msg := range c.state.SentMessages {
		out = append(out, msg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].TS, 10, 64)
		b, _ := strconv.ParseInt(out[j].TS, 10, 64)
		return a < b
	})
	return out
}

func teamID(state *State) string {
	if state == nil || state.Team == nil {
		return ""
	}
	return state.Team.ID
}
