package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"livechat/internal/domain"

	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("subscription did not finish")
		}
	}
}

// scriptConn replays frames and then blocks until closed, or fails when
// failAfter is set.
type scriptConn struct {
	frames    chan domain.Frame
	closed    chan struct{}
	once      sync.Once
	failAfter bool

	mu      sync.Mutex
	written []interface{}
}

func newScriptConn(failAfter bool, frames ...domain.Frame) *scriptConn {
	c := &scriptConn{
		frames:    make(chan domain.Frame, len(frames)),
		closed:    make(chan struct{}),
		failAfter: failAfter,
	}
	for _, f := range frames {
		c.frames <- f
	}
	return c
}

func (c *scriptConn) ReadJSON(v interface{}) error {
	select {
	case f := <-c.frames:
		*(v.(*domain.Frame)) = f
		return nil
	default:
	}
	if c.failAfter {
		return errors.New("connection reset by peer")
	}
	<-c.closed
	return errors.New("use of closed network connection")
}

func (c *scriptConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	calls int
}

func (d *scriptDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func fastOptions(d Dialer, maxAttempts int) Options {
	return Options{
		URL:          "ws://chat.test/ws",
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Dialer:       d,
	}
}

func TestChannelOverWebsocketEndsOnChatClosed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(domain.NewFrame(domain.FrameConnected, domain.ConnectedPayload{Message: "Connected to chat"}))

		var in domain.ClientMessage
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		conn.WriteJSON(domain.NewFrame(domain.FrameMessage, domain.MessagePayload{Content: "echo: " + in.Content}))
		conn.WriteJSON(domain.NewFrame(domain.FrameChatClosed, domain.ChatClosedPayload{Message: "bye"}))
	}))
	defer srv.Close()

	ch := NewChannel(Options{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Dialer:       WebsocketDialer{Dialer: &websocket.Dialer{HandshakeTimeout: time.Second}},
	})
	sub := ch.Connect(context.Background())

	waitFor(t, func() bool { return ch.State() == StateOpen })
	if err := ch.Send(domain.ClientMessage{Type: domain.FrameMessage, Content: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	events := drain(t, sub)
	var types []string
	for _, e := range events {
		if e.Kind == EventFrame {
			types = append(types, e.Frame.Type)
		}
	}
	want := []string{domain.FrameConnected, domain.FrameMessage, domain.FrameChatClosed}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	var echoed domain.MessagePayload
	for _, e := range events {
		if e.Kind == EventFrame && e.Frame.Type == domain.FrameMessage {
			if err := json.Unmarshal(e.Frame.Data, &echoed); err != nil {
				t.Fatal(err)
			}
		}
	}
	if echoed.Content != "echo: hello" {
		t.Fatalf("echo = %q", echoed.Content)
	}
	if last := events[len(events)-1]; last.Kind != EventState || last.State != StateClosed {
		t.Fatalf("last event = %+v, want closed state", last)
	}
	if ch.Dials() != 1 {
		t.Fatalf("dials = %d, want no reconnect after chat_closed", ch.Dials())
	}
}

func TestChannelStopsAtMaxAttempts(t *testing.T) {
	d := &scriptDialer{}
	ch := NewChannel(fastOptions(d, 3))
	events := drain(t, ch.Connect(context.Background()))

	if ch.Dials() != 4 {
		t.Fatalf("dials = %d, want initial dial plus 3 retries", ch.Dials())
	}
	if ch.State() != StateClosed {
		t.Fatalf("state = %v", ch.State())
	}
	errs := 0
	for _, e := range events {
		if e.Kind == EventError {
			errs++
			if !errors.Is(e.Err, domain.ErrTransport) {
				t.Fatalf("error kind: %v", e.Err)
			}
		}
	}
	if errs != 4 {
		t.Fatalf("error events = %d, want 4", errs)
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	first := newScriptConn(true, domain.NewFrame(domain.FrameConnected, nil))
	second := newScriptConn(false, domain.NewFrame(domain.FrameConnected, nil))
	d := &scriptDialer{conns: []*scriptConn{first, second}}
	ch := NewChannel(fastOptions(d, 1))
	sub := ch.Connect(context.Background())

	waitFor(t, func() bool { return ch.Dials() == 2 && ch.State() == StateOpen })
	if err := ch.Send(domain.ClientMessage{Type: domain.FramePing}); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	second.mu.Lock()
	written := len(second.written)
	second.mu.Unlock()
	if written != 1 {
		t.Fatalf("second conn got %d writes", written)
	}

	ch.Disconnect()
	events := drain(t, sub)
	opens := 0
	for _, e := range events {
		if e.Kind == EventState && e.State == StateOpen {
			opens++
		}
	}
	if opens != 2 {
		t.Fatalf("open transitions = %d, want 2", opens)
	}
	if ch.Dials() != 2 {
		t.Fatalf("dials = %d after disconnect", ch.Dials())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &scriptDialer{}
	opts := fastOptions(d, 10)
	opts.InitialDelay = 100 * time.Millisecond
	opts.MaxDelay = 100 * time.Millisecond
	ch := NewChannel(opts)
	sub := ch.Connect(context.Background())

	waitFor(t, func() bool { return ch.Dials() == 1 })
	ch.Disconnect()
	drain(t, sub)
	time.Sleep(250 * time.Millisecond)

	if ch.Dials() != 1 {
		t.Fatalf("dials = %d, reconnect resumed after disconnect", ch.Dials())
	}
	if ch.State() != StateClosed {
		t.Fatalf("state = %v", ch.State())
	}
}

func TestRouteClosedIsTerminal(t *testing.T) {
	conn := newScriptConn(false, domain.NewFrame(domain.FrameRouteClosed, domain.RouteClosedPayload{Reason: "transferred"}))
	d := &scriptDialer{conns: []*scriptConn{conn}}
	ch := NewChannel(fastOptions(d, 5))
	drain(t, ch.Connect(context.Background()))

	if ch.Dials() != 1 || ch.State() != StateClosed {
		t.Fatalf("dials = %d state = %v", ch.Dials(), ch.State())
	}
}

func TestConnectReplacesSubscription(t *testing.T) {
	first := newScriptConn(false)
	second := newScriptConn(false, domain.NewFrame(domain.FrameConnected, nil))
	d := &scriptDialer{conns: []*scriptConn{first, second}}
	ch := NewChannel(fastOptions(d, 0))

	old := ch.Connect(context.Background())
	waitFor(t, func() bool { return ch.State() == StateOpen })
	fresh := ch.Connect(context.Background())

	for e := range old.Events() {
		if e.Kind == EventFrame {
			t.Fatalf("old subscription received %s", e.Frame.Type)
		}
	}
	select {
	case <-first.closed:
	default:
		t.Fatal("first connection left open")
	}

	waitFor(t, func() bool { return ch.State() == StateOpen })
	got := false
	timeout := time.After(2 * time.Second)
	for !got {
		select {
		case e := <-fresh.Events():
			got = e.Kind == EventFrame && e.Frame.Type == domain.FrameConnected
		case <-timeout:
			t.Fatal("fresh subscription got no frame")
		}
	}
	ch.Disconnect()
}

func TestSendWhenNotOpen(t *testing.T) {
	ch := NewChannel(fastOptions(&scriptDialer{}, 0))
	err := ch.Send(domain.ClientMessage{Type: domain.FrameMessage, Content: "hi"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Send = %v, want transport error", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	ch := NewChannel(Options{InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Dialer: &scriptDialer{}})
	bo := ch.newBackOff()
	want := []time.Duration{2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := bo.NextBackOff(); got != w*time.Second {
			t.Fatalf("step %d = %v, want %v", i, got, w*time.Second)
		}
	}
	bo.Reset()
	if got := bo.NextBackOff(); got != 2*time.Second {
		t.Fatalf("after reset = %v", got)
	}
}
