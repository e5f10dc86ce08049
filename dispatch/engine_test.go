package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamhive/chatbot-worker/store"
)

// fakeSource implements CommandSource with in-memory data.
type fakeSource struct {
	mu       sync.Mutex
	commands map[string][]store.CommandDefinition
	catalog  []store.CatalogItem
	stats    store.ChannelStats
	listErr  error
	listed   int
}

func (f *fakeSource) ListCommands(ctx context.Context, channelID string) ([]store.CommandDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.commands[channelID], nil
}

func (f *fakeSource) SearchCatalog(ctx context.Context, q string, limit int) ([]store.CatalogItem, error) {
	var out []store.CatalogItem
	for _, it := range f.catalog {
		if strings.Contains(strings.ToLower(it.Title), strings.ToLower(q)) {
			out = append(out, it)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) ChannelStats(ctx context.Context, channelID string) (*store.ChannelStats, error) {
	st := f.stats
	return &st, nil
}

func (f *fakeSource) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed
}

func testChannel() *store.ChannelConfig {
	return &store.ChannelConfig{ID: "ch1", DisplayName: "테스트채널", Active: true}
}

func TestDispatchConfiguredCommand(t *testing.T) {
	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {{ID: 1, ChannelID: "ch1", Trigger: "!인사", Response: "{user}님 안녕하세요!", Permission: "everyone", Active: true}},
	}}
	e := NewEngine(src, "!")

	reply, ok := e.Dispatch(context.Background(), Request{
		Channel: testChannel(), Text: "!인사", Username: "viewer1", Role: RoleEveryone,
	})
	if !ok {
		t.Fatal("expected dispatch")
	}
	if reply != "viewer1님 안녕하세요!" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestDispatchNonCommandIgnored(t *testing.T) {
	src := &fakeSource{}
	e := NewEngine(src, "!")

	cases := []string{"안녕하세요", "", "   ", "hello !인사"}
	for _, text := range cases {
		if reply, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: text, Username: "u"}); ok {
			t.Errorf("text %q: expected no dispatch, got %q", text, reply)
		}
	}
}

func TestDispatchUnknownCommandSilent(t *testing.T) {
	src := &fakeSource{}
	e := NewEngine(src, "!")
	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!없는명령", Username: "u"}); ok {
		t.Fatal("unknown command must be silent")
	}
}

func TestDispatchPermissionSilentDeny(t *testing.T) {
	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {{ID: 1, ChannelID: "ch1", Trigger: "!공지", Response: "공지입니다", Permission: "moderator", Active: true}},
	}}
	e := NewEngine(src, "!")

	cases := []struct {
		role Role
		want bool
	}{
		{RoleEveryone, false},
		{RoleSubscriber, false},
		{RoleModerator, true},
		{RoleStreamer, true},
	}
	for _, tc := range cases {
		_, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!공지", Username: "u", Role: tc.role})
		if ok != tc.want {
			t.Errorf("role %v: dispatched=%v want %v", tc.role, ok, tc.want)
		}
	}
}

func TestDispatchCooldown(t *testing.T) {
	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {{ID: 7, ChannelID: "ch1", Trigger: "!주사위", Response: "굴립니다", Permission: "everyone", CooldownSeconds: 30, Active: true}},
	}}
	e := NewEngine(src, "!")
	now := time.Now()
	e.now = func() time.Time { return now }

	req := Request{Channel: testChannel(), Text: "!주사위", Username: "u"}

	if _, ok := e.Dispatch(context.Background(), req); !ok {
		t.Fatal("first dispatch should succeed")
	}
	if _, ok := e.Dispatch(context.Background(), req); ok {
		t.Fatal("second dispatch inside cooldown should be silent")
	}

	// Just before expiry the command is still cooling down.
	now = now.Add(29 * time.Second)
	if _, ok := e.Dispatch(context.Background(), req); ok {
		t.Fatal("dispatch at 29s should be silent")
	}

	now = now.Add(1 * time.Second)
	if _, ok := e.Dispatch(context.Background(), req); !ok {
		t.Fatal("dispatch after cooldown should succeed")
	}
}

func TestDispatchRejectedDoesNotTouchCooldown(t *testing.T) {
	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {{ID: 9, ChannelID: "ch1", Trigger: "!모드", Response: "모드 전용", Permission: "moderator", CooldownSeconds: 60, Active: true}},
	}}
	e := NewEngine(src, "!")

	// Permission rejection must not start the cooldown window.
	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!모드", Username: "u", Role: RoleEveryone}); ok {
		t.Fatal("viewer should be denied")
	}
	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!모드", Username: "m", Role: RoleModerator}); !ok {
		t.Fatal("moderator should dispatch immediately after a denied attempt")
	}
}

func TestDispatchLookupFailureSilent(t *testing.T) {
	src := &fakeSource{listErr: errors.New("db down")}
	e := NewEngine(src, "!")
	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!인사", Username: "u"}); ok {
		t.Fatal("lookup failure must not produce a reply")
	}
}

func TestInvalidateRefreshesCommands(t *testing.T) {
	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {{ID: 1, ChannelID: "ch1", Trigger: "!old", Response: "old", Permission: "everyone", Active: true}},
	}}
	e := NewEngine(src, "!")

	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!old", Username: "u"}); !ok {
		t.Fatal("expected old command to dispatch")
	}

	src.mu.Lock()
	src.commands["ch1"] = []store.CommandDefinition{{ID: 2, ChannelID: "ch1", Trigger: "!new", Response: "new", Permission: "everyone", Active: true}}
	src.mu.Unlock()

	// Cache still serves the old definition until invalidated.
	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!new", Username: "u"}); ok {
		t.Fatal("new command should not exist before Invalidate")
	}

	e.Invalidate("ch1")

	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!new", Username: "u"}); !ok {
		t.Fatal("new command should dispatch after Invalidate")
	}
	if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!old", Username: "u"}); ok {
		t.Fatal("old command should be gone after Invalidate")
	}
}

func TestCommandsCachedPerChannel(t *testing.T) {
	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {{ID: 1, ChannelID: "ch1", Trigger: "!a", Response: "a", Permission: "everyone", Active: true}},
	}}
	e := NewEngine(src, "!")

	for i := 0; i < 5; i++ {
		e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!a", Username: "u"})
	}
	if got := src.listCalls(); got != 1 {
		t.Fatalf("expected a single ListCommands call, got %d", got)
	}
}

func TestBannedWords(t *testing.T) {
	ch := testChannel()
	ch.Moderation = true
	ch.BannedWords = []string{"금지어"}

	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {{ID: 1, ChannelID: "ch1", Trigger: "!인사", Response: "안녕", Permission: "everyone", Active: true}},
	}}
	e := NewEngine(src, "!")

	// Default action: silent drop, even when the message is a valid command.
	if reply, ok := e.Dispatch(context.Background(), Request{Channel: ch, Text: "!인사 금지어", Username: "u"}); ok {
		t.Fatalf("banned message must not dispatch, got %q", reply)
	}

	// Warn action produces a warning instead of the command response.
	ch.BannedWordAction = "warn"
	reply, ok := e.Dispatch(context.Background(), Request{Channel: ch, Text: "!인사 금지어", Username: "u"})
	if !ok {
		t.Fatal("warn action should produce a reply")
	}
	if !strings.Contains(reply, "@u") || !strings.Contains(reply, "금칙어") {
		t.Fatalf("unexpected warning: %q", reply)
	}

	// Moderation off: banned words are not checked.
	ch.Moderation = false
	if _, ok := e.Dispatch(context.Background(), Request{Channel: ch, Text: "!인사 금지어", Username: "u"}); !ok {
		t.Fatal("moderation off should dispatch normally")
	}
}

func TestBuiltinHelp(t *testing.T) {
	src := &fakeSource{commands: map[string][]store.CommandDefinition{
		"ch1": {
			{ID: 1, ChannelID: "ch1", Trigger: "!b", Response: "b", Permission: "everyone", Active: true},
			{ID: 2, ChannelID: "ch1", Trigger: "!a", Response: "a", Permission: "everyone", Active: true},
		},
	}}
	e := NewEngine(src, "!")

	reply, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!도움말", Username: "u"})
	if !ok {
		t.Fatal("help should reply")
	}
	if reply != "명령어: !a !b" {
		t.Fatalf("unexpected help: %q", reply)
	}
}

func TestBuiltinHelpEmpty(t *testing.T) {
	e := NewEngine(&fakeSource{}, "!")
	reply, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!도움말", Username: "u"})
	if !ok || reply != "등록된 명령어가 없습니다." {
		t.Fatalf("unexpected empty help: %q ok=%v", reply, ok)
	}
}

func TestBuiltinStats(t *testing.T) {
	src := &fakeSource{stats: store.ChannelStats{ChatMessages: 120, Gifts: 3, GiftAmount: 30000, Subscriptions: 2}}
	e := NewEngine(src, "!")
	reply, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!통계", Username: "u"})
	if !ok {
		t.Fatal("stats should reply")
	}
	if reply != "채팅 120건, 후원 3건(30000), 구독 2건" {
		t.Fatalf("unexpected stats: %q", reply)
	}
}

func TestBuiltinSearch(t *testing.T) {
	src := &fakeSource{catalog: []store.CatalogItem{
		{ID: 1, Title: "밤하늘의 별", Artist: "가수A"},
		{ID: 2, Title: "별빛", Artist: ""},
	}}
	e := NewEngine(src, "!")

	reply, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!검색 별", Username: "u"})
	if !ok {
		t.Fatal("search should reply")
	}
	if reply != "밤하늘의 별 - 가수A | 별빛" {
		t.Fatalf("unexpected search result: %q", reply)
	}

	reply, ok = e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!검색 없는곡", Username: "u"})
	if !ok || !strings.HasPrefix(reply, "검색 결과가 없습니다") {
		t.Fatalf("unexpected miss result: %q", reply)
	}

	reply, ok = e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!검색", Username: "u"})
	if !ok || reply != "검색어를 입력해 주세요." {
		t.Fatalf("unexpected empty-query result: %q", reply)
	}
}

func TestBuiltinsBypassCooldown(t *testing.T) {
	src := &fakeSource{stats: store.ChannelStats{ChatMessages: 1}}
	e := NewEngine(src, "!")
	for i := 0; i < 3; i++ {
		if _, ok := e.Dispatch(context.Background(), Request{Channel: testChannel(), Text: "!통계", Username: "u"}); !ok {
			t.Fatalf("builtin call %d should not be rate limited", i+1)
		}
	}
}
