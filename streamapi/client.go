package streamapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ErrExternalQuery indicates a status/config query against the platform API
// failed. Callers degrade to a safe default (not live) instead of propagating.
var ErrExternalQuery = errors.New("external query error")

// ChannelStatus is the platform's view of a channel's broadcast state.
type ChannelStatus struct {
	ChannelID   string `json:"channelId"`
	DisplayName string `json:"displayName"`
	IsLive      bool   `json:"isLive"`
	LiveTitle   string `json:"liveTitle"`
}

// ChatSession holds the ephemeral parameters needed to open one streaming
// chat connection. The access token is scoped to the session and expires
// server-side; never persist it.
type ChatSession struct {
	SessionID   string `json:"sessionId"`
	AccessToken string `json:"accessToken"`
	WSURL       string `json:"wsUrl"`
}

// Client provides the REST calls the worker needs.
type Client struct {
	BaseURL        string
	AppTokenSource *TokenSource
	HTTPClient     *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// GetChannelStatus queries the channel-info endpoint. Non-2xx and malformed
// responses surface as ErrExternalQuery; callers treat that as not live.
func (c *Client) GetChannelStatus(ctx context.Context, channelID string) (*ChannelStatus, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: channel id empty", ErrExternalQuery)
	}
	tok, err := c.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalQuery, err)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/channels/"+channelID+"/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalQuery, err)
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status query returned %s", ErrExternalQuery, resp.Status)
	}
	var st ChannelStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", ErrExternalQuery, err)
	}
	return &st, nil
}

// ResolveChatSession obtains the ephemeral chat session id, access token, and
// websocket URL for a channel, authenticating as the bot account.
func (c *Client) ResolveChatSession(ctx context.Context, channelID, botAccessToken string) (*ChatSession, error) {
	if channelID == "" {
		return nil, errors.New("channel id empty")
	}
	if botAccessToken == "" {
		return nil, errors.New("bot access token empty")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/channels/"+channelID+"/chat-session", nil)
	req.Header.Set("Authorization", "Bearer "+botAccessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat session request failed: %s: %s", resp.Status, string(b))
	}
	var sess ChatSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, err
	}
	if sess.SessionID == "" || sess.AccessToken == "" {
		return nil, errors.New("incomplete chat session in platform response")
	}
	return &sess, nil
}

// SendChat delivers an outbound chat message. Failures are the caller's to
// log; a dropped bot reply is non-fatal and never retried.
func (c *Client) SendChat(ctx context.Context, channelID, sessionToken, text string) error {
	if text == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"channelId": channelID, "message": text})
	if err != nil {
		return err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/send", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat send failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
