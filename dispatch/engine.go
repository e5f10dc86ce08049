// Package dispatch decides whether an inbound chat message should produce an
// outbound response and computes that response. Unknown, forbidden, and
// cooling-down commands are silently ignored so that the set of configured
// commands is indistinguishable from ordinary chat.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/streamhive/chatbot-worker/store"
)

// Request is one inbound chat message considered for dispatch.
type Request struct {
	Channel  *store.ChannelConfig
	Text     string
	Username string
	Role     Role
}

// CommandSource is the subset of the store the engine reads. Narrowed for
// testability.
type CommandSource interface {
	ListCommands(ctx context.Context, channelID string) ([]store.CommandDefinition, error)
	SearchCatalog(ctx context.Context, q string, limit int) ([]store.CatalogItem, error)
	ChannelStats(ctx context.Context, channelID string) (*store.ChannelStats, error)
}

// Engine matches messages against built-in and channel-configured commands.
// Command caches are swapped wholesale (copy-on-write); the cooldown ledger
// is transient and lost on restart by design.
type Engine struct {
	src    CommandSource
	prefix string
	now    func() time.Time

	builtins map[string]builtinFunc

	cmdMu    sync.RWMutex
	commands map[string]map[string]store.CommandDefinition // channel id → trigger → definition

	cdMu      sync.Mutex
	cooldowns map[int64]time.Time // command id → last successful execution
}

// NewEngine constructs an engine with the given command prefix (e.g. "!").
func NewEngine(src CommandSource, prefix string) *Engine {
	if prefix == "" {
		prefix = "!"
	}
	e := &Engine{
		src:       src,
		prefix:    prefix,
		now:       time.Now,
		commands:  make(map[string]map[string]store.CommandDefinition),
		cooldowns: make(map[int64]time.Time),
	}
	e.builtins = map[string]builtinFunc{
		prefix + "도움말": e.builtinHelp,
		prefix + "통계":  e.builtinStats,
		prefix + "검색":  e.builtinSearch,
	}
	return e
}

// Dispatch evaluates one message. The returned bool is false when no reply
// should be sent (not a command, banned word, permission or cooldown
// rejection, or lookup failure).
func (e *Engine) Dispatch(ctx context.Context, req Request) (string, bool) {
	if req.Channel == nil {
		return "", false
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", false
	}

	if reply, handled := e.checkBannedWords(req, text); handled {
		return reply, reply != ""
	}

	fields := strings.Fields(text)
	trigger := fields[0]
	if !strings.HasPrefix(trigger, e.prefix) {
		return "", false
	}

	// Built-ins run before channel-configured commands and bypass the
	// cooldown ledger: they only query read-only data.
	if fn, ok := e.builtins[trigger]; ok {
		reply, err := fn(ctx, req, fields[1:])
		if err != nil {
			slog.Warn("builtin command failed", slog.String("channel", req.Channel.ID), slog.String("trigger", trigger), slog.Any("err", err))
			return "", false
		}
		return reply, reply != ""
	}

	defs, err := e.channelCommands(ctx, req.Channel.ID)
	if err != nil {
		slog.Warn("command lookup failed", slog.String("channel", req.Channel.ID), slog.Any("err", err))
		return "", false
	}
	def, ok := defs[trigger]
	if !ok {
		return "", false
	}

	if req.Role < ParseRole(def.Permission) {
		return "", false
	}

	if def.CooldownSeconds > 0 && !e.cooldownReady(def.ID, def.CooldownSeconds) {
		return "", false
	}

	reply := renderTemplate(def.Response, templateVars{
		User:    req.Username,
		Channel: req.Channel.DisplayName,
		Now:     e.now(),
	})
	if def.CooldownSeconds > 0 {
		e.markExecuted(def.ID)
	}
	return reply, true
}

// Invalidate drops the cached command definitions for a channel so the next
// dispatch observes fresh configuration. Used by the control-bus reload path.
func (e *Engine) Invalidate(channelID string) {
	e.cmdMu.Lock()
	delete(e.commands, channelID)
	e.cmdMu.Unlock()
}

func (e *Engine) channelCommands(ctx context.Context, channelID string) (map[string]store.CommandDefinition, error) {
	e.cmdMu.RLock()
	defs, ok := e.commands[channelID]
	e.cmdMu.RUnlock()
	if ok {
		return defs, nil
	}

	list, err := e.src.ListCommands(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defs = make(map[string]store.CommandDefinition, len(list))
	for _, d := range list {
		defs[d.Trigger] = d
	}
	e.cmdMu.Lock()
	e.commands[channelID] = defs
	e.cmdMu.Unlock()
	return defs, nil
}

// cooldownReady reports whether the command may run, without mutating the
// ledger; the ledger is only touched after a successful dispatch.
func (e *Engine) cooldownReady(commandID int64, cooldownSeconds int) bool {
	e.cdMu.Lock()
	defer e.cdMu.Unlock()
	last, ok := e.cooldowns[commandID]
	if !ok {
		return true
	}
	return e.now().Sub(last) >= time.Duration(cooldownSeconds)*time.Second
}

func (e *Engine) markExecuted(commandID int64) {
	e.cdMu.Lock()
	e.cooldowns[commandID] = e.now()
	e.cdMu.Unlock()
}

// checkBannedWords applies the channel's banned-word policy. handled=true
// means the message must not reach command matching; the returned reply is
// non-empty only for the "warn" action.
func (e *Engine) checkBannedWords(req Request, text string) (string, bool) {
	if !req.Channel.Moderation || len(req.Channel.BannedWords) == 0 {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, w := range req.Channel.BannedWords {
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			if req.Channel.BannedWordAction == "warn" {
				return "@" + req.Username + " 금칙어가 포함된 메시지입니다.", true
			}
			return "", true
		}
	}
	return "", false
}
