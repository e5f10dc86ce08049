// Package supervisor owns the set of active chat connections. It is the
// single source of truth for which channels have a live protocol client and
// mediates connect/disconnect requests from both the live-state monitor and
// the control bus; both paths converge on the same idempotent operations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamhive/chatbot-worker/dispatch"
	"github.com/streamhive/chatbot-worker/protocol"
	"github.com/streamhive/chatbot-worker/store"
	"github.com/streamhive/chatbot-worker/streamapi"
	"github.com/streamhive/chatbot-worker/telemetry"
)

// ConnectionState is the supervisor's per-channel connection record.
type ConnectionState struct {
	Connected          bool      `json:"connected"`
	ReconnectAttempts  int       `json:"reconnectAttempts"`
	LastConnectedAt    time.Time `json:"lastConnectedAt"`
	LastDisconnectedAt time.Time `json:"lastDisconnectedAt"`
}

type managed struct {
	client *protocol.Client
	cfg    *store.ChannelConfig

	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
}

// Supervisor serializes mutations to the active-connection map; per-channel
// network I/O happens outside the lock so one slow channel never stalls the
// others.
type Supervisor struct {
	ctx         context.Context
	store       *store.Store
	api         *streamapi.Client
	engine      *dispatch.Engine
	hbInterval  time.Duration
	maxAttempts int

	// OnExhausted, when set, is called after reconnect exhaustion removes a
	// channel, so the live-state monitor can forget its live flag and
	// reconnect the channel on the next poll.
	OnExhausted func(channelID string)

	mu     sync.Mutex
	active map[string]*managed
}

// New constructs a supervisor. The context bounds the lifetime of event-sink
// writes and outbound sends triggered by inbound chat.
func New(ctx context.Context, st *store.Store, api *streamapi.Client, engine *dispatch.Engine, hbInterval time.Duration, maxAttempts int) *Supervisor {
	return &Supervisor{
		ctx:         ctx,
		store:       st,
		api:         api,
		engine:      engine,
		hbInterval:  hbInterval,
		maxAttempts: maxAttempts,
		active:      make(map[string]*managed),
	}
}

// ConnectChannel establishes a chat connection for the channel. A channel
// that already has a client is a no-op, including while a concurrent
// ConnectChannel for the same channel is still in flight. Failures leave the
// channel unconnected and are logged; other channels are unaffected.
func (s *Supervisor) ConnectChannel(ctx context.Context, cfg *store.ChannelConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("%w: nil channel config", store.ErrConfiguration)
	}

	// Reserve the slot before any network I/O so concurrent calls for the
	// same channel collapse into the idempotent no-op.
	m := &managed{cfg: cfg}
	s.mu.Lock()
	if _, exists := s.active[cfg.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.active[cfg.ID] = m
	s.mu.Unlock()

	telemetry.IncConnectAttempts()
	if err := s.establish(ctx, m); err != nil {
		s.mu.Lock()
		delete(s.active, cfg.ID)
		s.mu.Unlock()
		telemetry.IncConnectFailures()
		slog.Warn("connect failed", slog.String("channel", cfg.ID), slog.Any("err", err))
		s.recordEvent(cfg.ID, "connect_failed", err.Error())
		return err
	}

	s.mu.Lock()
	m.lastConnectedAt = time.Now().UTC()
	s.mu.Unlock()
	telemetry.SetConnectionsActive(s.activeCount())
	slog.Info("channel connected", slog.String("channel", cfg.ID), slog.String("display_name", cfg.DisplayName))
	s.recordEvent(cfg.ID, "connected", "")
	return nil
}

func (s *Supervisor) establish(ctx context.Context, m *managed) error {
	cfg := m.cfg

	cred, err := s.store.GetBotCredential(ctx, cfg.BotAccountID)
	if err != nil {
		return err
	}
	if !cred.Active {
		return fmt.Errorf("%w: bot account %s is inactive", store.ErrCredential, cred.AccountID)
	}
	if cred.ChannelsInUse >= cred.MaxChannels {
		return fmt.Errorf("%w: bot account %s at capacity (%d/%d)", store.ErrCredential, cred.AccountID, cred.ChannelsInUse, cred.MaxChannels)
	}

	st, err := s.api.GetChannelStatus(ctx, cfg.ID)
	if err != nil {
		return err
	}
	if !st.IsLive {
		return fmt.Errorf("%w: channel %s is not live", store.ErrConfiguration, cfg.ID)
	}

	client, err := protocol.NewClient(protocol.Options{
		ChannelID:            cfg.ID,
		HeartbeatInterval:    s.hbInterval,
		MaxReconnectAttempts: s.maxAttempts,
		// Each attempt re-resolves the credential so plaintext tokens never
		// outlive a single connect attempt.
		Resolve: func(rctx context.Context) (*streamapi.ChatSession, error) {
			c, err := s.store.GetBotCredential(rctx, cfg.BotAccountID)
			if err != nil {
				return nil, err
			}
			return s.api.ResolveChatSession(rctx, cfg.ID, c.AccessToken)
		},
		Send: func(sctx context.Context, accessToken, text string) error {
			return s.api.SendChat(sctx, cfg.ID, accessToken, text)
		},
		OnEvent:              func(ev protocol.Event) { s.handleEvent(m, ev) },
		OnDisconnected:       func(err error) { s.handleDisconnected(m, err) },
		OnReconnectExhausted: func() { s.handleExhausted(m) },
	})
	if err != nil {
		return err
	}

	// The client must be visible to handleEvent before the read loop starts:
	// platforms push system frames right after the handshake, and a reply on
	// a nil client would panic.
	s.mu.Lock()
	m.client = client
	s.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	return nil
}

// DisconnectChannel tears down the channel's client. A channel with no
// active connection is a no-op.
func (s *Supervisor) DisconnectChannel(ctx context.Context, channelID string) {
	s.mu.Lock()
	m, ok := s.active[channelID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, channelID)
	m.lastDisconnectedAt = time.Now().UTC()
	client := m.client
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	telemetry.SetConnectionsActive(s.activeCount())
	slog.Info("channel disconnected", slog.String("channel", channelID))
	s.recordEvent(channelID, "disconnected", "")
}

// IsConnected reports whether the channel currently has a client under
// supervision (including one that is mid-reconnect).
func (s *Supervisor) IsConnected(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[channelID]
	return ok
}

// ListConnectedChannels returns the ids of all supervised channels.
func (s *Supervisor) ListConnectedChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// ConnectionState returns the connection record for a channel, or false when
// the channel is not under supervision.
func (s *Supervisor) ConnectionState(channelID string) (ConnectionState, bool) {
	s.mu.Lock()
	m, ok := s.active[channelID]
	if !ok {
		s.mu.Unlock()
		return ConnectionState{}, false
	}
	st := ConnectionState{
		LastConnectedAt:    m.lastConnectedAt,
		LastDisconnectedAt: m.lastDisconnectedAt,
	}
	client := m.client
	s.mu.Unlock()
	if client != nil {
		st.Connected = client.State() == protocol.StateConnected
		st.ReconnectAttempts = client.ReconnectAttempts()
	}
	return st, true
}

// Shutdown disconnects every active channel, bounded by the context deadline.
// Stragglers are abandoned; the process is exiting anyway.
func (s *Supervisor) Shutdown(ctx context.Context) {
	ids := s.ListConnectedChannels()
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.DisconnectChannel(ctx, id)
			}(id)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timed out with connections remaining", slog.Int("remaining", len(s.ListConnectedChannels())))
	}
}

// handleEvent forwards one decoded protocol event: every event goes to the
// log sink fire-and-forget; chat messages additionally run through the
// dispatch engine, and gifts may trigger the donation alert.
func (s *Supervisor) handleEvent(m *managed, ev protocol.Event) {
	telemetry.IncEventsReceived()
	switch e := ev.(type) {
	case protocol.ChatEvent:
		s.sinkEvent(store.ChatEventRecord{ChannelID: m.cfg.ID, Kind: "chat", Username: e.Username, Message: e.Text})
		reply, ok := s.engine.Dispatch(s.ctx, dispatch.Request{
			Channel:  m.cfg,
			Text:     e.Text,
			Username: e.Username,
			Role:     dispatch.ParseRole(e.Role),
		})
		if ok {
			telemetry.IncCommandsDispatched()
			s.reply(m, reply)
		}
	case protocol.GiftEvent:
		s.sinkEvent(store.ChatEventRecord{ChannelID: m.cfg.ID, Kind: "gift", Username: e.Username, Message: e.Message, Amount: e.Amount})
		if m.cfg.DonationAlert {
			s.reply(m, fmt.Sprintf("%s님, %d 후원 감사합니다!", e.Username, e.Amount))
		}
	case protocol.SubscribeEvent:
		s.sinkEvent(store.ChatEventRecord{ChannelID: m.cfg.ID, Kind: "subscribe", Username: e.Username})
		if m.cfg.AutoReply {
			s.reply(m, fmt.Sprintf("%s님, 구독 감사합니다!", e.Username))
		}
	case protocol.SystemEvent:
		s.sinkEvent(store.ChatEventRecord{ChannelID: m.cfg.ID, Kind: "system", Message: e.Message})
	}
}

func (s *Supervisor) reply(m *managed, text string) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := m.client.Send(ctx, text); err != nil {
		// A dropped bot reply is non-fatal; log and move on.
		slog.Warn("chat send failed", slog.String("channel", m.cfg.ID), slog.Any("err", err))
	}
}

// handleDisconnected records a transport drop. The client reconnects on its
// own; the supervisor only tracks state and leaves the entry in place.
func (s *Supervisor) handleDisconnected(m *managed, err error) {
	telemetry.IncReconnects()
	s.mu.Lock()
	m.lastDisconnectedAt = time.Now().UTC()
	s.mu.Unlock()
	if errors.Is(err, protocol.ErrTransport) {
		slog.Warn("channel transport dropped", slog.String("channel", m.cfg.ID), slog.Any("err", err))
	}
	s.recordEvent(m.cfg.ID, "transport_dropped", err.Error())
}

// handleExhausted treats reconnect exhaustion as a clean disconnect: the
// entry is removed and the monitor is told to forget the channel's live
// state, so the next poll that still sees the stream up reconnects it with a
// fresh attempt counter.
func (s *Supervisor) handleExhausted(m *managed) {
	telemetry.IncReconnectsExhausted()
	slog.Warn("channel reconnect exhausted", slog.String("channel", m.cfg.ID))
	s.DisconnectChannel(s.ctx, m.cfg.ID)
	s.recordEvent(m.cfg.ID, "reconnect_exhausted", "")
	if s.OnExhausted != nil {
		s.OnExhausted(m.cfg.ID)
	}
}

// sinkEvent forwards a log entry to the external sink without blocking
// message processing.
func (s *Supervisor) sinkEvent(rec store.ChatEventRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.store.InsertChatEvent(ctx, rec); err != nil {
			slog.Warn("chat event sink write failed", slog.String("channel", rec.ChannelID), slog.Any("err", err))
		}
	}()
}

func (s *Supervisor) recordEvent(channelID, event, detail string) {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.store.RecordConnectionEvent(ctx, channelID, event, detail); err != nil {
			slog.Debug("connection event write failed", slog.String("channel", channelID), slog.Any("err", err))
		}
	}()
}

func (s *Supervisor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
