package controlbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/streamhive/chatbot-worker/dispatch"
	"github.com/streamhive/chatbot-worker/store"
	"github.com/streamhive/chatbot-worker/supervisor"
)

// fakeSource satisfies dispatch.CommandSource for engine construction; the
// control bus only exercises Invalidate.
type fakeSource struct {
	listed int
}

func (f *fakeSource) ListCommands(ctx context.Context, channelID string) ([]store.CommandDefinition, error) {
	f.listed++
	return []store.CommandDefinition{
		{ID: 1, ChannelID: channelID, Trigger: "!a", Response: "a", Permission: "everyone", Active: true},
	}, nil
}

func (f *fakeSource) SearchCatalog(ctx context.Context, q string, limit int) ([]store.CatalogItem, error) {
	return nil, nil
}

func (f *fakeSource) ChannelStats(ctx context.Context, channelID string) (*store.ChannelStats, error) {
	return &store.ChannelStats{}, nil
}

func newTestBus(src *fakeSource) (*Bus, *dispatch.Engine) {
	st := store.New(nil)
	engine := dispatch.NewEngine(src, "!")
	sup := supervisor.New(context.Background(), st, nil, engine, time.Second, 1)
	return &Bus{topic: "test", store: st, sup: sup, engine: engine}, engine
}

func TestHandleMalformedMessageIgnored(t *testing.T) {
	b, _ := newTestBus(&fakeSource{})
	// Must not panic or mutate anything.
	b.handle(context.Background(), `this is not json`)
	b.handle(context.Background(), `{"action":"connect"}`)
	b.handle(context.Background(), `{"action":"frobnicate","channelId":"ch1"}`)
	if got := b.sup.ListConnectedChannels(); len(got) != 0 {
		t.Fatalf("supervisor state changed: %v", got)
	}
}

func TestHandleDisconnectAbsentChannelNoop(t *testing.T) {
	b, _ := newTestBus(&fakeSource{})
	b.handle(context.Background(), `{"action":"disconnect","channelId":"never-connected"}`)
	if got := b.sup.ListConnectedChannels(); len(got) != 0 {
		t.Fatalf("supervisor state changed: %v", got)
	}
}

func TestHandleReloadInvalidatesCommands(t *testing.T) {
	src := &fakeSource{}
	b, engine := newTestBus(src)
	ch := &store.ChannelConfig{ID: "ch1", Active: true}

	// Warm the command cache.
	if _, ok := engine.Dispatch(context.Background(), dispatch.Request{Channel: ch, Text: "!a", Username: "u"}); !ok {
		t.Fatal("expected dispatch")
	}
	engine.Dispatch(context.Background(), dispatch.Request{Channel: ch, Text: "!a", Username: "u"})
	if src.listed != 1 {
		t.Fatalf("expected cached commands, list calls = %d", src.listed)
	}

	b.handle(context.Background(), `{"action":"reload","channelId":"ch1"}`)

	engine.Dispatch(context.Background(), dispatch.Request{Channel: ch, Text: "!a", Username: "u"})
	if src.listed != 2 {
		t.Fatalf("reload should force a re-list, list calls = %d", src.listed)
	}
}

func TestHandleReloadWithoutChannelIgnored(t *testing.T) {
	src := &fakeSource{}
	b, engine := newTestBus(src)
	ch := &store.ChannelConfig{ID: "ch1", Active: true}
	engine.Dispatch(context.Background(), dispatch.Request{Channel: ch, Text: "!a", Username: "u"})

	b.handle(context.Background(), `{"action":"reload"}`)

	engine.Dispatch(context.Background(), dispatch.Request{Channel: ch, Text: "!a", Username: "u"})
	if src.listed != 1 {
		t.Fatalf("reload without channel must not invalidate, list calls = %d", src.listed)
	}
}

func TestListenDeliversMessages(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	src := &fakeSource{}
	b, engine := newTestBus(src)
	ch := &store.ChannelConfig{ID: "ch1", Active: true}
	engine.Dispatch(context.Background(), dispatch.Request{Channel: ch, Text: "!a", Username: "u"})

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	b.rdb = rdb
	b.topic = "chatbot:control:test"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go b.Listen(ctx)

	// Give the subscription a moment to register before publishing.
	time.Sleep(200 * time.Millisecond)
	if err := rdb.Publish(ctx, b.topic, `{"action":"reload","channelId":"ch1"}`).Err(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		engine.Dispatch(context.Background(), dispatch.Request{Channel: ch, Text: "!a", Username: "u"})
		if src.listed >= 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("published reload never observed")
}
