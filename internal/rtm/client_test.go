package rtm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/slackrelay/internal/clock"
	"github.com/agentworkforce/slackrelay/internal/slack"
	"github.com/agentworkforce/slackrelay/internal/webapi"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	inbound   chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	pinged    chan struct{}
	pings     atomic.Int32
	pingFn    func(n int) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
		pinged:  make(chan struct{}, 16),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.closed:
		return nil, errTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, frame []byte) error {
	select {
	case t.writes <- frame:
		return nil
	case <-t.closed:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Ping(context.Context) error {
	n := int(t.pings.Add(1))
	select {
	case t.pinged <- struct{}{}:
	default:
	}
	if t.pingFn != nil {
		return t.pingFn(n)
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) push(frame string) {
	t.inbound <- []byte(frame)
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	urls       []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.transports) == 0 {
		return nil, errors.New("no transport available")
	}
	next := d.transports[0]
	d.transports = d.transports[1:]
	return next, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fakeStarter struct {
	calls    atomic.Int32
	gate     chan struct{}
	err      error
	snapshot map[string]any
}

func (s *fakeStarter) StartRTM(ctx context.Context, _ webapi.RTMStartOptions) (webapi.RTMStartResponse, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return webapi.RTMStartResponse{}, ctx.Err()
		}
	}
	if s.err != nil {
		return webapi.RTMStartResponse{}, s.err
	}
	return webapi.RTMStartResponse{URL: "wss://rtm.test/socket", Snapshot: s.snapshot}, nil
}

type connectionRecorder struct {
	connected    chan struct{}
	disconnected chan struct{}
	failed       chan error
}

func newConnectionRecorder() *connectionRecorder {
	return &connectionRecorder{
		connected:    make(chan struct{}, 8),
		disconnected: make(chan struct{}, 8),
		failed:       make(chan error, 8),
	}
}

func (r *connectionRecorder) Connected(*Client)    { r.connected <- struct{}{} }
func (r *connectionRecorder) Disconnected(*Client) { r.disconnected <- struct{}{} }
func (r *connectionRecorder) ConnectionFailed(err error, _ *Client) {
	r.failed <- err
}

type asyncMessageRecorder struct {
	panicFirst atomic.Bool
	received   chan *slack.Message
	sent       chan *slack.Message
}

func newAsyncMessageRecorder() *asyncMessageRecorder {
	return &asyncMessageRecorder{received: make(chan *slack.Message, 8), sent: make(chan *slack.Message, 8)}
}

func (r *asyncMessageRecorder) Sent(msg *slack.Message, _ *Client) { r.sent <- msg }
func (r *asyncMessageRecorder) Received(msg *slack.Message, _ *Client) {
	if r.panicFirst.CompareAndSwap(true, false) {
		panic("listener exploded")
	}
	r.received <- msg
}
func (r *asyncMessageRecorder) Changed(*slack.Message, *Client) {}
func (r *asyncMessageRecorder) Deleted(*slack.Message, *Client) {}

type harness struct {
	client  *Client
	starter *fakeStarter
	dialer  *fakeDialer
	clock   *clock.FakeClock
	conn    *connectionRecorder
}

func newHarness(t *testing.T, transports ...*fakeTransport) *harness {
	t.Helper()
	var snapshot map[string]any
	if err := json.Unmarshal([]byte(fixtureSnapshot), &snapshot); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	h := &harness{
		starter: &fakeStarter{snapshot: snapshot},
		dialer:  &fakeDialer{transports: transports},
		clock:   clock.Fake(time.Unix(1700000000, 0)),
		conn:    newConnectionRecorder(),
	}
	h.client = NewClient(h.starter, ClientOptions{
		Dialer:    h.dialer,
		Clock:     h.clock,
		SendRate:  1000,
		SendBurst: 100,
	})
	h.client.SetConnectionListener(h.conn)
	t.Cleanup(h.client.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receive[T any](t *testing.T, what string, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestConnectHelloAndSendEcho(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, transport)
	messages := newAsyncMessageRecorder()
	h.client.SetMessageListener(messages)

	if err := h.client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !h.client.Connected() || h.client.Self().ID != "U1" {
		t.Fatalf("expected connected session for U1")
	}
	transport.push(`{"type":"hello"}`)
	receive(t, "connected notification", h.conn.connected)
	if !h.client.Authenticated() {
		t.Fatalf("expected authenticated after hello")
	}

	id, err := h.client.SendMessage("C1", "a < b & c")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	frame := receive(t, "outbound frame", transport.writes)
	var out map[string]any
	if err := json.Unmarshal(frame, &out); err != nil {
		t.Fatalf("decode outbound frame: %v", err)
	}
	if out["type"] != "message" || out["channel"] != "C1" || out["text"] != "a &lt; b &amp; c" || out["id"] != float64(id) {
		t.Fatalf("unexpected outbound frame: %s", frame)
	}
	if pending := h.client.PendingMessages(); len(pending) != 1 || pending[0].Text != "a < b & c" {
		t.Fatalf("expected one pending placeholder, got %+v", pending)
	}

	ack, _ := json.Marshal(map[string]any{"ok": true, "reply_to": id, "ts": "1700000001.000100", "text": "a &lt; b &amp; c"})
	transport.push(string(ack))
	sent := receive(t, "sent notification", messages.sent)
	if sent.TS != "1700000001.000100" {
		t.Fatalf("expected sent message keyed by server ts, got %q", sent.TS)
	}
	if msg := h.client.Channel("C1").Messages["1700000001.000100"]; msg == nil {
		t.Fatalf("expected acknowledged message stored in channel")
	}
	if len(h.client.PendingMessages()) != 0 {
		t.Fatalf("expected no pending messages after acknowledgement")
	}
}

func TestSendMessageRequiresConnection(t *testing.T) {
	h := newHarness(t)
	if _, err := h.client.SendMessage("C1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectFailureNotifiesListener(t *testing.T) {
	h := newHarness(t)
	h.starter.err = errors.New("invalid_auth")

	err := h.client.Connect(context.Background(), ConnectOptions{})
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) || connectErr.Stage != StageStart {
		t.Fatalf("expected start-stage ConnectError, got %v", err)
	}
	got := receive(t, "connection failed notification", h.conn.failed)
	if !errors.As(got, &connectErr) {
		t.Fatalf("expected listener to receive the ConnectError, got %v", got)
	}
	if h.client.Connected() {
		t.Fatalf("expected client to stay disconnected")
	}
}

func TestDialFailureReportsDialStage(t *testing.T) {
	h := newHarness(t)
	err := h.client.Connect(context.Background(), ConnectOptions{})
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) || connectErr.Stage != StageDial {
		t.Fatalf("expected dial-stage ConnectError, got %v", err)
	}
	receive(t, "connection failed notification", h.conn.failed)
}

func TestDisconnectDuringConnectDiscardsStaleSession(t *testing.T) {
	h := newHarness(t, newFakeTransport())
	h.starter.gate = make(chan struct{})

	result := make(chan error, 1)
	go func() {
		result <- h.client.Connect(context.Background(), ConnectOptions{})
	}()
	waitFor(t, "session start in flight", func() bool { return h.starter.calls.Load() == 1 })
	h.client.Disconnect()
	close(h.starter.gate)

	if err := receive(t, "connect result", result); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession, got %v", err)
	}
	if h.client.Connected() || h.dialer.dials() != 0 {
		t.Fatalf("expected no session resurrected, connected=%v dials=%d", h.client.Connected(), h.dialer.dials())
	}
	select {
	case err := <-h.conn.failed:
		t.Fatalf("expected no failure notification for a stale session, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectNotifiesWithoutReconnect(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, transport)
	if err := h.client.Connect(context.Background(), ConnectOptions{Reconnect: true}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.client.Disconnect()
	receive(t, "disconnected notification", h.conn.disconnected)

	if h.client.Connected() || h.client.Self() != nil {
		t.Fatalf("expected session state cleared")
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.starter.calls.Load(); got != 1 {
		t.Fatalf("expected no reconnect after a requested disconnect, got %d starts", got)
	}
}

func TestTransportCloseReconnectsWhenEnabled(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	h := newHarness(t, first, second)
	if err := h.client.Connect(context.Background(), ConnectOptions{Reconnect: true}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	first.Close()
	receive(t, "disconnected notification", h.conn.disconnected)
	waitFor(t, "reconnect", func() bool { return h.starter.calls.Load() == 2 && h.client.Connected() })

	second.push(`{"type":"hello"}`)
	receive(t, "connected notification", h.conn.connected)
}

func TestTransportCloseWithoutReconnect(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, transport)
	if err := h.client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	transport.Close()
	receive(t, "disconnected notification", h.conn.disconnected)
	if h.client.Connected() {
		t.Fatalf("expected disconnected client")
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.starter.calls.Load(); got != 1 {
		t.Fatalf("expected no reconnect, got %d starts", got)
	}
}

func TestHeartbeatTimeoutTriggersReconnect(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	first.pingFn = func(n int) error {
		if n == 1 {
			return nil
		}
		return errors.New("pong missing")
	}
	h := newHarness(t, first, second)
	opts := ConnectOptions{PingInterval: time.Second, Timeout: 2 * time.Second, Reconnect: true}
	if err := h.client.Connect(context.Background(), opts); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	disconnected := false
	for i := 0; i < 20 && !disconnected; i++ {
		h.clock.Advance(time.Second)
		select {
		case <-h.conn.disconnected:
			disconnected = true
		case <-first.pinged:
		case <-time.After(time.Second):
		}
	}
	if !disconnected {
		select {
		case <-h.conn.disconnected:
		case <-time.After(time.Second):
			t.Fatalf("expected heartbeat timeout to disconnect, pings=%d", first.pings.Load())
		}
	}
	waitFor(t, "reconnect after heartbeat timeout", func() bool {
		return h.starter.calls.Load() == 2 && h.client.Connected()
	})
}

func TestTypingExpiresThroughEventLoop(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, transport)
	if err := h.client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	transport.push(`{"type":"user_typing","channel":"C1","user":"U2"}`)
	waitFor(t, "typing indicator", func() bool { return len(h.client.Channel("C1").UsersTyping) == 1 })

	h.clock.Advance(4 * time.Second)
	if got := h.client.Channel("C1").UsersTyping; len(got) != 1 {
		t.Fatalf("expected typing indicator before expiry, got %v", got)
	}
	h.clock.Advance(time.Second)
	waitFor(t, "typing expiry", func() bool { return len(h.client.Channel("C1").UsersTyping) == 0 })
}

func TestListenerPanicDoesNotStopEventLoop(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, transport)
	messages := newAsyncMessageRecorder()
	messages.panicFirst.Store(true)
	h.client.SetMessageListener(messages)
	if err := h.client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	transport.push(`{"type":"message","channel":"C1","user":"U2","text":"boom","ts":"1.0"}`)
	transport.push(`{"type":"message","channel":"C1","user":"U2","text":"after","ts":"2.0"}`)
	if msg := receive(t, "second message", messages.received); msg.Text != "after" {
		t.Fatalf("expected second message delivered, got %q", msg.Text)
	}
}

func TestUnregisteredListenerDropsNotifications(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, transport)
	messages := newAsyncMessageRecorder()
	h.client.SetMessageListener(messages)
	h.client.SetMessageListener(nil)
	if err := h.client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	transport.push(`{"type":"message","channel":"C1","user":"U2","text":"quiet","ts":"1.0"}`)
	waitFor(t, "message stored", func() bool { return h.client.Channel("C1").Messages["1.0"] != nil })
	select {
	case <-messages.received:
		t.Fatalf("expected no notification after unregistering")
	default:
	}
}

func TestMalformedFrameIsDiscarded(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, transport)
	if err := h.client.Connect(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	transport.push(`not-json`)
	transport.push(`{"type":"channel_created","channel":{"id":"C5","name":"after-garbage"}}`)
	waitFor(t, "channel after garbage frame", func() bool { return h.client.Channel("C5") != nil })
}

func TestApplyInjectsEventsAfterBootstrap(t *testing.T) {
	h := newHarness(t)
	if err := h.client.Apply(context.Background(), map[string]any{"type": "team_rename", "name": "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before bootstrap, got %v", err)
	}
	if err := h.client.Bootstrap(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if h.dialer.dials() != 0 || h.client.Connected() {
		t.Fatalf("expected bootstrap to skip the socket")
	}
	if err := h.client.Apply(context.Background(), map[string]any{"type": "team_rename", "name": "Acme Two"}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	waitFor(t, "team rename", func() bool { return h.client.Team().Name == "Acme Two" })
}

func TestAccessorsReturnCopies(t *testing.T) {
	h := newHarness(t)
	if err := h.client.Bootstrap(context.Background(), ConnectOptions{}); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	ch := h.client.Channel("C1")
	ch.Name = "mutated"
	ch.Members = append(ch.Members, "U9")
	if got := h.client.Channel("C1"); got.Name != "general" || len(got.Members) != 2 {
		t.Fatalf("expected accessor copy isolation, got %+v", got)
	}
	if users := h.client.Users(); len(users) != 3 || users[0].ID != "U1" {
		t.Fatalf("expected users sorted by id, got %d", len(users))
	}
}

func TestLinkAlive(t *testing.T) {
	base := time.Unix(100, 0)
	cases := []struct {
		name     string
		ping     time.Time
		pong     time.Time
		timeout  time.Duration
		expected bool
	}{
		{"nothing recorded", time.Time{}, time.Time{}, time.Second, true},
		{"no pong yet", base, time.Time{}, time.Second, true},
		{"no timeout", base.Add(time.Hour), base, 0, true},
		{"within timeout", base.Add(2 * time.Second), base, 2 * time.Second, true},
		{"past timeout", base.Add(3 * time.Second), base, 2 * time.Second, false},
	}
	for _, tc := range cases {
		if got := linkAlive(tc.ping, tc.pong, tc.timeout); got != tc.expected {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.expected, got)
		}
	}
}
