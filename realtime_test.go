package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepts.Add(1)
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &accepts
}

// holdOpen keeps the server side of a connection alive until the peer
// closes it.
func holdOpen(conn *websocket.Conn) {
	conn.Read(context.Background())
}

func TestBackoffSchedule(t *testing.T) {
	bo := backoff{base: time.Second, maxAttempts: 5}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		delay, ok := bo.next()
		if !ok {
			t.Fatalf("attempt %d: unexpectedly exhausted", i+1)
		}
		if delay != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, delay, w)
		}
	}

	if _, ok := bo.next(); ok {
		t.Fatal("expected exhaustion after 5 attempts")
	}

	bo.reset()
	if delay, ok := bo.next(); !ok || delay != time.Second {
		t.Fatalf("after reset: delay = %v, ok = %v, want 1s, true", delay, ok)
	}
}

func TestDispatchOrderAndWildcard(t *testing.T) {
	ch := NewChannel("http://example.invalid")

	var calls []string
	ch.Subscribe("attendance_update", func(topic string, data json.RawMessage) {
		calls = append(calls, "first:"+string(data))
	})
	ch.Subscribe("attendance_update", func(topic string, data json.RawMessage) {
		calls = append(calls, "second:"+string(data))
	})
	ch.Subscribe(TopicWildcard, func(topic string, data json.RawMessage) {
		calls = append(calls, "wildcard:"+topic+":"+string(data))
	})

	frame := []byte(`{"type":"attendance_update","data":{"n":1}}`)
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatal(err)
	}
	ch.dispatch(&env, frame)

	wantCalls := []string{
		`first:{"n":1}`,
		`second:{"n":1}`,
		`wildcard:attendance_update:{"type":"attendance_update","data":{"n":1}}`,
	}
	if len(calls) != len(wantCalls) {
		t.Fatalf("got %d handler calls, want %d: %v", len(calls), len(wantCalls), calls)
	}
	for i := range wantCalls {
		if calls[i] != wantCalls[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], wantCalls[i])
		}
	}
}

func TestDispatchSurvivesPanickingHandler(t *testing.T) {
	ch := NewChannel("http://example.invalid")

	var reached bool
	ch.Subscribe("x", func(topic string, data json.RawMessage) { panic("boom") })
	ch.Subscribe("x", func(topic string, data json.RawMessage) { reached = true })

	env := Envelope{Type: "x", Data: json.RawMessage(`{}`)}
	ch.dispatch(&env, []byte(`{"type":"x","data":{}}`))

	if !reached {
		t.Fatal("handler after panicking handler was not invoked")
	}
}

func TestUnsubscribeRemovesOnlyOwnHandler(t *testing.T) {
	ch := NewChannel("http://example.invalid")

	var aCalls, bCalls int
	unsubA := ch.Subscribe("topic", func(string, json.RawMessage) { aCalls++ })
	unsubB := ch.Subscribe("topic", func(string, json.RawMessage) { bCalls++ })

	env := Envelope{Type: "topic", Data: json.RawMessage(`{}`)}
	frame := []byte(`{"type":"topic","data":{}}`)

	unsubA()
	ch.dispatch(&env, frame)
	if aCalls != 0 || bCalls != 1 {
		t.Fatalf("after unsubscribing A: aCalls = %d, bCalls = %d", aCalls, bCalls)
	}

	unsubB()
	ch.dispatch(&env, frame)
	if bCalls != 1 {
		t.Fatalf("handler invoked after unsubscribe: bCalls = %d", bCalls)
	}

	ch.subMu.RLock()
	_, present := ch.subs["topic"]
	ch.subMu.RUnlock()
	if present {
		t.Fatal("topic entry not pruned after last unsubscribe")
	}
}

func TestChannelTokenInURL(t *testing.T) {
	ch := NewChannel("https://api.example.com/", WithChannelToken("abc123"))
	if got, want := ch.wsURL(), "wss://api.example.com/ws?token=abc123"; got != want {
		t.Fatalf("wsURL = %q, want %q", got, want)
	}
}

func TestChannelReceivesEvents(t *testing.T) {
	got := make(chan string, 1)
	srv, _ := newWSServer(t, func(conn *websocket.Conn) {
		frame := []byte(`{"type":"attendance_update","data":{"sessionId":"s1"}}`)
		if err := conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
			return
		}
		holdOpen(conn)
	})

	ch := NewChannel(srv.URL)
	ch.Subscribe("attendance_update", func(topic string, data json.RawMessage) {
		got <- string(data)
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	select {
	case data := <-got:
		if data != `{"sessionId":"s1"}` {
			t.Fatalf("handler payload = %s, want event data", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestChannelMalformedFrameIgnored(t *testing.T) {
	got := make(chan string, 1)
	srv, _ := newWSServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ok","data":{}}`))
		holdOpen(conn)
	})

	ch := NewChannel(srv.URL)
	ch.Subscribe("ok", func(topic string, data json.RawMessage) {
		got <- topic
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	select {
	case topic := <-got:
		if topic != "ok" {
			t.Fatalf("topic = %q, want %q", topic, "ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the malformed frame")
	}
}

func TestConnectWhileConnectedIsNoOp(t *testing.T) {
	srv, accepts := newWSServer(t, holdOpen)

	ch := NewChannel(srv.URL)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !ch.Connected() {
		t.Fatal("channel not connected")
	}
	if n := accepts.Load(); n != 1 {
		t.Fatalf("server saw %d connections, want 1", n)
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	reconnected := make(chan struct{})
	var n atomic.Int32
	srv, accepts := newWSServer(t, func(conn *websocket.Conn) {
		if n.Add(1) == 1 {
			conn.Close(websocket.StatusGoingAway, "server restart")
			return
		}
		close(reconnected)
		holdOpen(conn)
	})

	ch := NewChannel(srv.URL, WithReconnectBackoff(10*time.Millisecond, 5))
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("channel did not reconnect after server drop")
	}
	if got := accepts.Load(); got != 2 {
		t.Fatalf("server saw %d connections, want 2", got)
	}
}

func TestDisconnectStopsReconnection(t *testing.T) {
	srv, accepts := newWSServer(t, holdOpen)

	ch := NewChannel(srv.URL, WithReconnectBackoff(5*time.Millisecond, 5))
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	// Give any mistakenly scheduled reconnect time to fire.
	time.Sleep(100 * time.Millisecond)

	if got := accepts.Load(); got != 1 {
		t.Fatalf("server saw %d connections after intentional disconnect, want 1", got)
	}
	if ch.Connected() {
		t.Fatal("channel reports connected after disconnect")
	}
}

func TestDisconnectDuringDialWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Hold the upgrade so the dial is still in flight when
		// Disconnect is called.
		time.Sleep(300 * time.Millisecond)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		holdOpen(conn)
	}))
	t.Cleanup(srv.Close)

	ch := NewChannel(srv.URL)
	done := make(chan error, 1)
	go func() { done <- ch.Connect(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	if err := ch.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not return")
	}

	if ch.Connected() {
		t.Fatal("channel reports connected after a mid-dial disconnect")
	}
	// The late dial result must not have left a live read loop either.
	time.Sleep(100 * time.Millisecond)
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestChannelNotifiesListeners(t *testing.T) {
	dropped := make(chan struct{})
	var n atomic.Int32
	srv, _ := newWSServer(t, func(conn *websocket.Conn) {
		if n.Add(1) == 1 {
			conn.Close(websocket.StatusGoingAway, "server restart")
			return
		}
		holdOpen(conn)
	})

	ch := NewChannel(srv.URL, WithReconnectBackoff(10*time.Millisecond, 5))
	var connects atomic.Int32
	ch.OnConnected(func() { connects.Add(1) })
	ch.OnDisconnected(func() { close(dropped) })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	select {
	case <-dropped:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnected listener not invoked")
	}

	deadline := time.Now().Add(3 * time.Second)
	for connects.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("connected listener invoked %d times, want 2 (initial + reconnect)", connects.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendRoundTrip(t *testing.T) {
	got := make(chan []byte, 1)
	srv, _ := newWSServer(t, func(conn *websocket.Conn) {
		_, frame, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		got <- frame
		holdOpen(conn)
	})

	ch := NewChannel(srv.URL)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()

	if err := ch.Send(context.Background(), "subscribe_session", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case frame := <-got:
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("server received invalid frame: %v", err)
		}
		if env.Type != "subscribe_session" {
			t.Fatalf("frame type = %q, want %q", env.Type, "subscribe_session")
		}
		if string(env.Data) != `{"sessionId":"s1"}` {
			t.Fatalf("frame data = %s", env.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ch := NewChannel("http://example.invalid")
	if err := ch.Send(context.Background(), "ping", nil); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
