package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire ops used by the chat streaming protocol. Inbound frames carry an op
// plus an op-specific body; outbound frames are hello (handshake), ping
// (heartbeat), and chat (sends go over REST, not the socket).
const (
	opHello     = "hello"
	opPing      = "ping"
	opPong      = "pong"
	opChat      = "chat"
	opGift      = "gift"
	opSubscribe = "subscribe"
	opSystem    = "system"
)

// frame is the protocol envelope for every websocket message.
type frame struct {
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

// helloBody is the application-level handshake identifying this client as a
// read-capable participant of the chat session.
type helloBody struct {
	SessionID   string `json:"sessionId"`
	AccessToken string `json:"accessToken"`
	Mode        string `json:"mode"`
}

// Event is the closed set of decoded inbound messages. Exactly one of
// ChatEvent, GiftEvent, SubscribeEvent, SystemEvent, PongEvent, or
// UnknownEvent comes out of decodeFrame.
type Event interface{ event() }

// ChatEvent is an ordinary chat message from a participant.
type ChatEvent struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"` // streamer|moderator|subscriber|viewer
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

// GiftEvent is a monetary gift (donation) with an optional attached message.
type GiftEvent struct {
	Username string `json:"username"`
	Amount   int64  `json:"amount"`
	Message  string `json:"message"`
}

// SubscribeEvent is a channel subscription or renewal.
type SubscribeEvent struct {
	Username string `json:"username"`
	Months   int    `json:"months"`
	Tier     string `json:"tier"`
}

// SystemEvent is a server-issued status notice (slow mode, announcements,
// pending closure, and the like).
type SystemEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongEvent acknowledges a heartbeat ping; consumed inside the client.
type PongEvent struct{}

// UnknownEvent preserves a frame whose op this build does not understand.
// Unknown kinds are logged and dropped, never treated as errors.
type UnknownEvent struct {
	Op  string
	Raw json.RawMessage
}

func (ChatEvent) event()      {}
func (GiftEvent) event()      {}
func (SubscribeEvent) event() {}
func (SystemEvent) event()    {}
func (PongEvent) event()      {}
func (UnknownEvent) event()   {}

// decodeFrame parses one inbound websocket payload into its tagged variant.
// An error means the envelope itself was malformed; an unrecognized op is not
// an error.
func decodeFrame(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	switch f.Op {
	case opPong:
		return PongEvent{}, nil
	case opChat:
		var ev ChatEvent
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			return nil, fmt.Errorf("decode chat body: %w", err)
		}
		return ev, nil
	case opGift:
		var ev GiftEvent
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			return nil, fmt.Errorf("decode gift body: %w", err)
		}
		return ev, nil
	case opSubscribe:
		var ev SubscribeEvent
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			return nil, fmt.Errorf("decode subscribe body: %w", err)
		}
		return ev, nil
	case opSystem:
		var ev SystemEvent
		if err := json.Unmarshal(f.Body, &ev); err != nil {
			return nil, fmt.Errorf("decode system body: %w", err)
		}
		return ev, nil
	default:
		return UnknownEvent{Op: f.Op, Raw: f.Body}, nil
	}
}
