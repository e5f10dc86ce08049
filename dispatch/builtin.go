package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// builtinFunc handles one reserved trigger. Built-ins query read-only data
// and therefore skip the cooldown ledger.
type builtinFunc func(ctx context.Context, req Request, args []string) (string, error)

// builtinHelp lists the channel's configured command triggers.
func (e *Engine) builtinHelp(ctx context.Context, req Request, _ []string) (string, error) {
	defs, err := e.channelCommands(ctx, req.Channel.ID)
	if err != nil {
		return "", err
	}
	if len(defs) == 0 {
		return "등록된 명령어가 없습니다.", nil
	}
	triggers := make([]string, 0, len(defs))
	for t := range defs {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)
	return "명령어: " + strings.Join(triggers, " "), nil
}

// builtinStats summarizes logged channel activity.
func (e *Engine) builtinStats(ctx context.Context, req Request, _ []string) (string, error) {
	st, err := e.src.ChannelStats(ctx, req.Channel.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("채팅 %d건, 후원 %d건(%d), 구독 %d건", st.ChatMessages, st.Gifts, st.GiftAmount, st.Subscriptions), nil
}

// builtinSearch looks up the media catalog by title or artist.
func (e *Engine) builtinSearch(ctx context.Context, req Request, args []string) (string, error) {
	q := strings.TrimSpace(strings.Join(args, " "))
	if q == "" {
		return "검색어를 입력해 주세요.", nil
	}
	items, err := e.src.SearchCatalog(ctx, q, 5)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "검색 결과가 없습니다: " + q, nil
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.Artist != "" {
			parts = append(parts, it.Title+" - "+it.Artist)
		} else {
			parts = append(parts, it.Title)
		}
	}
	return strings.Join(parts, " | "), nil
}
