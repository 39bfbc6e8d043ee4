// Package protocol defines the wire contract shared by the negotiation
// client and the reference server: the REST body of POST /negotiations and
// the event frames exchanged over the negotiation WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosuda/haggle/internal/domain"
)

// Event names carried in Frame.Event.
const (
	EventJoin      = "join-negotiation"
	EventNegotiate = "negotiate-message"
	EventMessage   = "negotiation-message"
	EventAccepted  = "negotiation-accepted"
	EventRejected  = "negotiation-rejected"
	EventError     = "error"
)

// Bot response statuses returned by POST /negotiations.
const (
	BotStatusCountered = "countered"
	BotStatusAccepted  = "accepted"
	BotStatusRejected  = "rejected"
)

var (
	ErrUnknownEvent = errors.New("protocol: unknown event")
	// ErrServerError is returned for an error frame that does not refuse an
	// offer, such as a failed join or a malformed frame.
	ErrServerError = errors.New("protocol: server error")
)

// Frame is the envelope of every WebSocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	NegotiationID string `json:"negotiationId"`
}

type NegotiatePayload struct {
	NegotiationID string  `json:"negotiationId"`
	Message       string  `json:"message"`
	ProposedPrice float64 `json:"proposedPrice"`
}

type MessagePayload struct {
	NegotiationID string   `json:"negotiationId,omitempty"`
	Message       string   `json:"message"`
	ProposedPrice *float64 `json:"proposedPrice,omitempty"`
}

type AcceptedPayload struct {
	NegotiationID string  `json:"negotiationId,omitempty"`
	FinalPrice    float64 `json:"finalPrice"`
	Message       string  `json:"message,omitempty"`
}

type RejectedPayload struct {
	NegotiationID string `json:"negotiationId,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ErrorPayload reports a client frame the server could not act on. Event
// names the client event that failed.
type ErrorPayload struct {
	NegotiationID string `json:"negotiationId,omitempty"`
	Event         string `json:"event,omitempty"`
	Message       string `json:"message"`
}

// CreateRequest is the body of POST /negotiations.
type CreateRequest struct {
	ProductID     string  `json:"productId"`
	ProposedPrice float64 `json:"proposedPrice"`
}

type NegotiationRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type BotResponse struct {
	Message       string   `json:"message"`
	ProposedPrice *float64 `json:"proposedPrice,omitempty"`
	Status        string   `json:"status"`
}

// CreateResponse is the body returned by POST /negotiations.
type CreateResponse struct {
	Negotiation NegotiationRef `json:"negotiation"`
	BotResponse *BotResponse   `json:"botResponse,omitempty"`
}

// NewFrame marshals payload into a frame for event.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol.NewFrame: %w", err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Encode marshals a frame for event ready to be written to the socket.
func Encode(event string, payload any) ([]byte, error) {
	f, err := NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol.Encode: %w", err)
	}
	return b, nil
}

// DecodeEvent converts a server frame into a domain event. An error frame
// answering a negotiate-message becomes domain.EventRefused; any other
// error frame yields ErrServerError and an unknown name ErrUnknownEvent.
func DecodeEvent(raw []byte) (domain.Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return domain.Event{}, fmt.Errorf("protocol.DecodeEvent: %w", err)
	}

	ev := domain.Event{At: time.Now()}
	switch f.Event {
	case EventMessage:
		var p MessagePayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return domain.Event{}, err
		}
		ev.Kind = domain.EventMessage
		ev.SessionID = p.NegotiationID
		ev.Message = p.Message
		if p.ProposedPrice != nil {
			ev.Amount = *p.ProposedPrice
		}
	case EventAccepted:
		var p AcceptedPayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return domain.Event{}, err
		}
		ev.Kind = domain.EventAccepted
		ev.SessionID = p.NegotiationID
		ev.Amount = p.FinalPrice
		ev.Message = p.Message
	case EventRejected:
		var p RejectedPayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return domain.Event{}, err
		}
		ev.Kind = domain.EventRejected
		ev.SessionID = p.NegotiationID
		ev.Message = p.Message
	case EventError:
		var p ErrorPayload
		if err := unmarshalData(f.Data, &p); err != nil {
			return domain.Event{}, err
		}
		if p.Event != EventNegotiate {
			return domain.Event{}, fmt.Errorf("protocol.DecodeEvent: %s: %q: %w", p.Event, p.Message, ErrServerError)
		}
		ev.Kind = domain.EventRefused
		ev.SessionID = p.NegotiationID
		ev.Message = p.Message
	default:
		return domain.Event{}, fmt.Errorf("protocol.DecodeEvent: %q: %w", f.Event, ErrUnknownEvent)
	}
	return ev, nil
}

// ImmediateEvent maps a bot response onto the event it represents.
// Unrecognised statuses are treated as a plain counterparty message.
func (b *BotResponse) ImmediateEvent(sessionID string) *domain.Event {
	if b == nil {
		return nil
	}
	ev := &domain.Event{
		SessionID: sessionID,
		Message:   b.Message,
		At:        time.Now(),
	}
	if b.ProposedPrice != nil {
		ev.Amount = *b.ProposedPrice
	}
	switch strings.ToLower(b.Status) {
	case "accepted", "accept", "agreement":
		ev.Kind = domain.EventAccepted
	case "rejected", "reject":
		ev.Kind = domain.EventRejected
	default:
		ev.Kind = domain.EventMessage
	}
	return ev
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	return nil
}

// MessageRecord is one stored turn as returned by GET /negotiations/{id}.
type MessageRecord struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	Amount    *float64  `json:"amount,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NegotiationDetail is the body returned by GET /negotiations/{id}.
type NegotiationDetail struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"productId"`
	Status        string          `json:"status"`
	OriginalPrice float64         `json:"originalPrice"`
	FinalPrice    *float64        `json:"finalPrice,omitempty"`
	Messages      []MessageRecord `json:"messages"`
}
