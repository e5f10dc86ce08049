// Package auth provides background token refresh scheduling for bot accounts
// whose credentials are persisted in the bot_accounts table. It performs
// jittered checks and refreshes when expiry falls within a configured window.
package auth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/streamhive/chatbot-worker/db"
)

// RefreshFunc performs the provider-specific refresh and returns the new
// token pair and expiry.
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, expiry time.Time, err error)

// AccountLister enumerates the bot accounts eligible for refresh.
type AccountLister interface {
	ListBotAccountIDs(ctx context.Context) ([]string, error)
}

// StartRefresher launches a goroutine that periodically checks each bot
// account's token row and refreshes it when the remaining lifetime falls
// inside the window. Failures are logged and retried on the next cycle.
func StartRefresher(ctx context.Context, dbx *sql.DB, accounts AccountLister, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			ids, err := accounts.ListBotAccountIDs(ctx)
			if err != nil {
				slog.Warn("token refresher: account list failed", slog.Any("err", err))
				continue
			}
			for _, id := range ids {
				refreshAccount(ctx, dbx, id, window, fn)
			}
		}
	}()
}

func refreshAccount(ctx context.Context, dbx *sql.DB, accountID string, window time.Duration, fn RefreshFunc) {
	_, rt, exp, err := db.GetBotCredential(ctx, dbx, accountID)
	if err != nil {
		slog.Warn("token refresher: credential read failed", slog.String("account", accountID), slog.Any("err", err))
		return
	}
	if rt == "" {
		return
	}
	if time.Until(exp) > window {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, err := fn(rctx, rt)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("account", accountID), slog.Any("err", err))
		return
	}
	if newRT == "" {
		newRT = rt
	}
	if err := db.UpsertBotCredential(ctx, dbx, accountID, newAT, newRT, newExp); err != nil {
		slog.Warn("token persist failed", slog.String("account", accountID), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("account", accountID))
}
