package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamhive/chatbot-worker/streamapi"
	"github.com/streamhive/chatbot-worker/testutil"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func staticResolver(wsURL string) ResolveFunc {
	return func(ctx context.Context) (*streamapi.ChatSession, error) {
		return &streamapi.ChatSession{SessionID: "sess1", AccessToken: "tok1", WSURL: wsURL}, nil
	}
}

func TestConnectHandshake(t *testing.T) {
	srv := testutil.NewMockChatServer(t)
	c, err := NewClient(Options{ChannelID: "ch1", Resolve: staticResolver(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.HelloCount() == 1 }, "hello handshake")
}

func TestConnectIdempotent(t *testing.T) {
	srv := testutil.NewMockChatServer(t)
	c, err := NewClient(Options{ChannelID: "ch1", Resolve: staticResolver(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal("second Connect on a connected client should be a no-op, got", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := srv.ConnCount(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
}

func TestConnectResolveFailure(t *testing.T) {
	c, err := NewClient(Options{ChannelID: "ch1", Resolve: func(ctx context.Context) (*streamapi.ChatSession, error) {
		return nil, errors.New("no credential")
	}})
	if err != nil {
		t.Fatal(err)
	}
	err = c.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state after failed connect = %v, want disconnected", got)
	}
}

func TestEventDelivery(t *testing.T) {
	srv := testutil.NewMockChatServer(t)

	var mu sync.Mutex
	var events []Event
	c, err := NewClient(Options{
		ChannelID: "ch1",
		Resolve:   staticResolver(srv.URL),
		OnEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.HelloCount() == 1 }, "handshake")

	srv.PushFrame(t, `{"op":"chat","body":{"username":"viewer1","displayName":"Viewer","role":"viewer","text":"안녕하세요"}}`)
	srv.PushFrame(t, `{"op":"gift","body":{"username":"fan1","amount":10000,"message":"응원합니다"}}`)
	srv.PushFrame(t, `{"op":"subscribe","body":{"username":"sub1","months":3,"tier":"t1"}}`)
	srv.PushFrame(t, `{"op":"mystery_op","body":{}}`)
	srv.PushFrame(t, `not json at all`)
	srv.PushFrame(t, `{"op":"system","body":{"code":"slow_mode","message":"on"}}`)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, "event delivery")

	mu.Lock()
	defer mu.Unlock()
	if ch, ok := events[0].(ChatEvent); !ok || ch.Username != "viewer1" || ch.Text != "안녕하세요" {
		t.Fatalf("event[0] = %#v, want chat from viewer1", events[0])
	}
	if g, ok := events[1].(GiftEvent); !ok || g.Amount != 10000 {
		t.Fatalf("event[1] = %#v, want gift of 10000", events[1])
	}
	if s, ok := events[2].(SubscribeEvent); !ok || s.Months != 3 {
		t.Fatalf("event[2] = %#v, want subscription", events[2])
	}
	if sys, ok := events[3].(SystemEvent); !ok || sys.Code != "slow_mode" {
		t.Fatalf("event[3] = %#v, want system notice", events[3])
	}
}

func TestHeartbeat(t *testing.T) {
	srv := testutil.NewMockChatServer(t)
	c, err := NewClient(Options{
		ChannelID:         "ch1",
		Resolve:           staticResolver(srv.URL),
		HeartbeatInterval: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return srv.PingCount() >= 3 }, "heartbeat pings")
	if got := c.State(); got != StateConnected {
		t.Fatalf("state after heartbeats = %v, want connected", got)
	}
}

func TestHeartbeatRunsWhileEventCallbackBlocked(t *testing.T) {
	srv := testutil.NewMockChatServer(t)
	release := make(chan struct{})
	c, err := NewClient(Options{
		ChannelID:         "ch1",
		Resolve:           staticResolver(srv.URL),
		HeartbeatInterval: 30 * time.Millisecond,
		OnEvent: func(ev Event) {
			<-release
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	defer close(release)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.HelloCount() == 1 }, "handshake")

	// Block the read loop inside the event callback, then verify pings keep
	// flowing on the heartbeat's own goroutine.
	srv.PushFrame(t, `{"op":"chat","body":{"username":"u","text":"block"}}`)
	before := srv.PingCount()
	waitFor(t, 2*time.Second, func() bool { return srv.PingCount() >= before+3 }, "pings while callback blocked")
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := testutil.NewMockChatServer(t)

	var mu sync.Mutex
	var dropErr error
	c, err := NewClient(Options{
		ChannelID: "ch1",
		Resolve:   staticResolver(srv.URL),
		OnDisconnected: func(err error) {
			mu.Lock()
			dropErr = err
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.HelloCount() == 1 }, "first handshake")

	srv.DropConnections()

	waitFor(t, time.Second, func() bool { return c.State() == StateReconnecting }, "reconnecting state")
	mu.Lock()
	if !errors.Is(dropErr, ErrTransport) {
		t.Fatalf("disconnect callback error = %v, want ErrTransport", dropErr)
	}
	mu.Unlock()

	// First backoff step is one second; the client should be back shortly after.
	waitFor(t, 3*time.Second, func() bool { return srv.HelloCount() == 2 && c.State() == StateConnected }, "reconnect")
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("attempts after successful reconnect = %d, want 0", got)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := testutil.NewMockChatServer(t)
	c, err := NewClient(Options{ChannelID: "ch1", Resolve: staticResolver(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.HelloCount() == 1 }, "handshake")

	srv.DropConnections()
	waitFor(t, time.Second, func() bool { return c.State() == StateReconnecting }, "reconnecting state")

	c.Disconnect()
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state after Disconnect = %v, want disconnected", got)
	}

	// The armed backoff timer must not fire a new dial.
	time.Sleep(1500 * time.Millisecond)
	if got := srv.HelloCount(); got != 1 {
		t.Fatalf("expected no reconnect after Disconnect, hello count = %d", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := testutil.NewMockChatServer(t)
	c, err := NewClient(Options{ChannelID: "ch1", Resolve: staticResolver(srv.URL)})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()
	c.Disconnect()
	c.Disconnect()
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
}

func TestReconnectExhaustion(t *testing.T) {
	srv := testutil.NewMockChatServer(t)

	exhausted := make(chan struct{})
	c, err := NewClient(Options{
		ChannelID:            "ch1",
		Resolve:              staticResolver(srv.URL),
		MaxReconnectAttempts: 1,
		OnReconnectExhausted: func() { close(exhausted) },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.HelloCount() == 1 }, "handshake")

	srv.RejectNew(true)
	srv.DropConnections()

	select {
	case <-exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted callback never fired")
	}
	if got := c.State(); got != StateExhausted {
		t.Fatalf("state = %v, want exhausted", got)
	}
}

func TestSendUsesSessionToken(t *testing.T) {
	srv := testutil.NewMockChatServer(t)

	var mu sync.Mutex
	var gotToken, gotText string
	c, err := NewClient(Options{
		ChannelID: "ch1",
		Resolve:   staticResolver(srv.URL),
		Send: func(ctx context.Context, accessToken, text string) error {
			mu.Lock()
			gotToken, gotText = accessToken, text
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.Send(context.Background(), "안녕하세요"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotToken != "tok1" || gotText != "안녕하세요" {
		t.Fatalf("send got token=%q text=%q", gotToken, gotText)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c, err := NewClient(Options{
		ChannelID: "ch1",
		Resolve:   staticResolver("ws://unused"),
		Send:      func(ctx context.Context, accessToken, text string) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
