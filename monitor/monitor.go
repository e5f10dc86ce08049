// Package monitor polls the platform's channel-status endpoint for every
// configured channel and emits edge-triggered live start/end events. It never
// relies on push notifications: its job is to discover newly live channels
// and detect drops for channels it is not already tracking through a live
// connection.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamhive/chatbot-worker/store"
	"github.com/streamhive/chatbot-worker/streamapi"
	"github.com/streamhive/chatbot-worker/telemetry"
)

// ChannelLister re-fetches the active channel list each poll cycle, so a
// dashboard-side change or a recovered store outage is picked up without a
// restart.
type ChannelLister interface {
	ListActiveChannels(ctx context.Context) ([]store.ChannelConfig, error)
	UpdateChannelLive(ctx context.Context, channelID string, live bool) error
}

// StatusQuerier is the platform status query.
type StatusQuerier interface {
	GetChannelStatus(ctx context.Context, channelID string) (*streamapi.ChannelStatus, error)
}

// Monitor detects OFFLINE→LIVE and LIVE→OFFLINE transitions.
type Monitor struct {
	store    ChannelLister
	api      StatusQuerier
	interval time.Duration

	// IsSupervised reports whether a channel already has a live connection;
	// the supervisor is authoritative for those and the monitor skips them.
	IsSupervised func(channelID string) bool
	OnLiveStart  func(ctx context.Context, cfg *store.ChannelConfig)
	OnLiveEnd    func(ctx context.Context, cfg *store.ChannelConfig)

	// previous observed live flag per channel id, seeded from config.
	// Written by the poll loop and reset by MarkOffline, so mu guards it.
	mu       sync.Mutex
	prevLive map[string]bool
}

// New constructs a monitor. Callbacks and IsSupervised must be set before Run.
func New(st ChannelLister, api StatusQuerier, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		store:    st,
		api:      api,
		interval: interval,
		prevLive: make(map[string]bool),
	}
}

// Run polls until the context is cancelled. Poll failures degrade (assume not
// live, or skip the cycle on a store outage) rather than crash the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	slog.Info("live-state monitor started", slog.Duration("interval", m.interval))
	for {
		m.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	telemetry.IncMonitorPollCycles()

	channels, err := m.store.ListActiveChannels(ctx)
	if err != nil {
		slog.Warn("monitor: channel list fetch failed; skipping cycle", slog.Any("err", err))
		return
	}

	listed := make(map[string]bool, len(channels))
	for i := range channels {
		cfg := channels[i]
		listed[cfg.ID] = true
		if m.IsSupervised != nil && m.IsSupervised(cfg.ID) {
			continue
		}

		m.mu.Lock()
		prev, seen := m.prevLive[cfg.ID]
		m.mu.Unlock()
		if !seen {
			// seed from the last known config value
			prev = cfg.IsLive
		}

		live := m.queryLive(ctx, cfg.ID)
		m.mu.Lock()
		m.prevLive[cfg.ID] = live
		m.mu.Unlock()

		switch {
		case !prev && live:
			slog.Info("monitor: channel went live", slog.String("channel", cfg.ID))
			m.persistLive(ctx, cfg.ID, true)
			if m.OnLiveStart != nil {
				m.OnLiveStart(ctx, &cfg)
			}
		case prev && !live:
			slog.Info("monitor: channel went offline", slog.String("channel", cfg.ID))
			m.persistLive(ctx, cfg.ID, false)
			if m.OnLiveEnd != nil {
				m.OnLiveEnd(ctx, &cfg)
			}
		}
	}

	// Drop state for channels no longer in the active config so the map does
	// not grow with deactivated or deleted channels.
	m.mu.Lock()
	for id := range m.prevLive {
		if !listed[id] {
			delete(m.prevLive, id)
		}
	}
	m.mu.Unlock()
}

// MarkOffline resets the remembered live state for a channel so the next poll
// that observes it live re-fires the start edge. The supervisor calls this
// when a connection is torn down after exhausting its reconnect attempts;
// without the reset the channel would read as "already live" and never
// reconnect while the stream stays up. Operator-initiated disconnects do not
// call this, so they stay sticky until the stream ends.
func (m *Monitor) MarkOffline(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prevLive[channelID] = false
}

// queryLive treats any query failure as "not live" so transient network
// issues never crash the poll loop.
func (m *Monitor) queryLive(ctx context.Context, channelID string) bool {
	st, err := m.api.GetChannelStatus(ctx, channelID)
	if err != nil {
		slog.Debug("monitor: status query failed; assuming not live", slog.String("channel", channelID), slog.Any("err", err))
		return false
	}
	return st.IsLive
}

// persistLive writes the observed flag back to the configuration store.
// Best-effort: a failure is logged, not retried.
func (m *Monitor) persistLive(ctx context.Context, channelID string, live bool) {
	if err := m.store.UpdateChannelLive(ctx, channelID, live); err != nil {
		slog.Warn("monitor: live flag persist failed", slog.String("channel", channelID), slog.Any("err", err))
	}
}
