// Package store exposes typed read-mostly accessors over the configuration
// database: channel configs, command definitions, bot-account credentials,
// and the best-effort chat/connection event sinks. The dashboard owns the
// data; the worker only reads it (plus the live flag and event tables).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streamhive/chatbot-worker/db"
)

// ErrConfiguration indicates a missing or invalid channel/command configuration.
// Callers log and abort the operation; there is nothing to retry.
var ErrConfiguration = errors.New("configuration error")

// ErrCredential indicates a bot-account credential could not be resolved
// (missing row, decrypt failure, inactive account, or capacity exceeded).
var ErrCredential = errors.New("credential error")

// ChannelConfig is the worker's read-only view of a configured channel.
type ChannelConfig struct {
	ID               string
	DisplayName      string
	BotAccountID     string
	Active           bool
	IsLive           bool
	AutoReply        bool
	Moderation       bool
	DonationAlert    bool
	BannedWords      []string
	BannedWordAction string // "ignore" or "warn"
}

// CommandDefinition is a channel-scoped chat command.
type CommandDefinition struct {
	ID              int64
	ChannelID       string
	Trigger         string
	Response        string
	Permission      string // everyone|subscriber|moderator|streamer
	CooldownSeconds int
	Active          bool
}

// BotCredential is a decrypted bot-account credential plus capacity usage.
// The plaintext tokens must not outlive a single connect attempt.
type BotCredential struct {
	AccountID     string
	Username      string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	Active        bool
	MaxChannels   int
	ChannelsInUse int
}

// CatalogItem is a row of the read-only media catalog searched by the
// built-in search command.
type CatalogItem struct {
	ID     int64
	Title  string
	Artist string
}

// ChannelStats summarizes logged activity for the built-in stats command.
type ChannelStats struct {
	ChatMessages  int64
	Gifts         int64
	GiftAmount    int64
	Subscriptions int64
}

// ChatEventRecord is one processed chat/gift/subscription event forwarded to
// the log sink.
type ChatEventRecord struct {
	ChannelID string
	Kind      string // chat|gift|subscribe|system
	Username  string
	Message   string
	Amount    int64
}

// Store wraps the database handle with typed accessors.
type Store struct {
	DB *sql.DB
}

func New(dbx *sql.DB) *Store { return &Store{DB: dbx} }

// ListActiveChannels returns every channel with the active flag set.
func (s *Store) ListActiveChannels(ctx context.Context) ([]ChannelConfig, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, COALESCE(display_name,''), COALESCE(bot_account_id,''), active, is_live,
		        auto_reply, moderation, donation_alert, COALESCE(banned_words,''), COALESCE(banned_word_action,'ignore')
		 FROM channels WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelConfig
	for rows.Next() {
		cfg, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// GetChannel returns the current configuration for a single channel.
// A missing or inactive channel is a configuration error.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*ChannelConfig, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, COALESCE(display_name,''), COALESCE(bot_account_id,''), active, is_live,
		        auto_reply, moderation, donation_alert, COALESCE(banned_words,''), COALESCE(banned_word_action,'ignore')
		 FROM channels WHERE id = $1`, channelID)
	cfg, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: channel %s not found", ErrConfiguration, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: channel %s is inactive", ErrConfiguration, channelID)
	}
	return cfg, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanChannel(row rowScanner) (*ChannelConfig, error) {
	var cfg ChannelConfig
	var banned string
	if err := row.Scan(&cfg.ID, &cfg.DisplayName, &cfg.BotAccountID, &cfg.Active, &cfg.IsLive,
		&cfg.AutoReply, &cfg.Moderation, &cfg.DonationAlert, &banned, &cfg.BannedWordAction); err != nil {
		return nil, err
	}
	if banned != "" {
		for _, w := range strings.Split(banned, ",") {
			if w = strings.TrimSpace(w); w != "" {
				cfg.BannedWords = append(cfg.BannedWords, w)
			}
		}
	}
	return &cfg, nil
}

// ListCommands returns the active command definitions for a channel.
func (s *Store) ListCommands(ctx context.Context, channelID string) ([]CommandDefinition, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, channel_id, trigger_word, response, permission, cooldown_seconds, active
		 FROM commands WHERE channel_id = $1 AND active = TRUE ORDER BY trigger_word`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list commands for %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []CommandDefinition
	for rows.Next() {
		var c CommandDefinition
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Trigger, &c.Response, &c.Permission, &c.CooldownSeconds, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetBotCredential resolves and decrypts the credential for a bot account and
// counts its current channel usage. The caller must discard the plaintext
// tokens once the connect attempt finishes.
func (s *Store) GetBotCredential(ctx context.Context, accountID string) (*BotCredential, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty bot account id", ErrCredential)
	}

	cred := &BotCredential{AccountID: accountID}
	row := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(username,''), active, max_channels FROM bot_accounts WHERE id = $1`, accountID)
	if err := row.Scan(&cred.Username, &cred.Active, &cred.MaxChannels); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: bot account %s not found", ErrCredential, accountID)
		}
		return nil, fmt.Errorf("bot account %s: %w", accountID, err)
	}

	access, refresh, expiry, err := db.GetBotCredential(ctx, s.DB, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	cred.AccessToken = access
	cred.RefreshToken = refresh
	cred.ExpiresAt = expiry

	row = s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM channels WHERE bot_account_id = $1 AND active = TRUE AND is_live = TRUE`, accountID)
	if err := row.Scan(&cred.ChannelsInUse); err != nil {
		return nil, fmt.Errorf("bot account %s usage: %w", accountID, err)
	}

	return cred, nil
}

// ListBotAccountIDs returns the ids of all active bot accounts (used by the
// token refresher).
func (s *Store) ListBotAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM bot_accounts WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list bot accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateChannelLive persists the observed live flag. Best-effort: callers log
// failures and move on.
func (s *Store) UpdateChannelLive(ctx context.Context, channelID string, live bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE channels SET is_live = $1, updated_at = NOW() WHERE id = $2`, live, channelID)
	return err
}

// InsertChatEvent appends one processed event to the log sink.
func (s *Store) InsertChatEvent(ctx context.Context, rec ChatEventRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_events (channel_id, kind, username, message, amount) VALUES ($1,$2,$3,$4,$5)`,
		rec.ChannelID, rec.Kind, rec.Username, rec.Message, rec.Amount)
	return err
}

// RecordConnectionEvent appends a connect/disconnect lifecycle event for
// operator-facing status reporting.
func (s *Store) RecordConnectionEvent(ctx context.Context, channelID, event, detail string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO connection_events (channel_id, event, detail) VALUES ($1,$2,$3)`,
		channelID, event, detail)
	return err
}

// SearchCatalog looks up catalog items whose title or artist contains q.
func (s *Store) SearchCatalog(ctx context.Context, q string, limit int) ([]CatalogItem, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, title, artist FROM catalog_items
		 WHERE title ILIKE '%' || $1 || '%' OR artist ILIKE '%' || $1 || '%'
		 ORDER BY title LIMIT $2`, q, limit)
	if err != nil {
		return nil, fmt.Errorf("search catalog: %w", err)
	}
	defer rows.Close()

	var out []CatalogItem
	for rows.Next() {
		var it CatalogItem
		if err := rows.Scan(&it.ID, &it.Title, &it.Artist); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ChannelStats aggregates the event log for the built-in stats command.
func (s *Store) ChannelStats(ctx context.Context, channelID string) (*ChannelStats, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE kind = 'chat'),
		   COUNT(*) FILTER (WHERE kind = 'gift'),
		   COALESCE(SUM(amount) FILTER (WHERE kind = 'gift'), 0),
		   COUNT(*) FILTER (WHERE kind = 'subscribe')
		 FROM chat_events WHERE channel_id = $1`, channelID)
	var st ChannelStats
	if err := row.Scan(&st.ChatMessages, &st.Gifts, &st.GiftAmount, &st.Subscriptions); err != nil {
		return nil, fmt.Errorf("channel stats for %s: %w", channelID, err)
	}
	return &st, nil
}
