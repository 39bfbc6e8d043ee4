package domain

import (
	"fmt"
	"math"
	"time"
)

type Status string

const (
	StatusUninitiated      Status = "uninitiated"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusCountered        Status = "countered"
	StatusAccepted         Status = "accepted"
	StatusRejected         Status = "rejected"
	StatusErrored          Status = "errored"
)

// Terminal reports whether no further transitions apply.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

type Origin string

const (
	OriginBuyer        Origin = "buyer"
	OriginCounterparty Origin = "counterparty"
)

// Offer is one entry of a negotiation history. Amount is zero when the
// counterparty replied without a price (plain message or rejection).
type Offer struct {
	Origin     Origin    `json:"origin"`
	Amount     float64   `json:"amount,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsTerminal bool      `json:"is_terminal"`
}

// HasAmount reports whether the offer carries a price.
func (o Offer) HasAmount() bool {
	return o.Amount > 0
}

type EventKind string

const (
	EventSubmit   EventKind = "submit"
	EventMessage  EventKind = "message"
	EventAccepted EventKind = "accepted"
	EventRejected EventKind = "rejected"
	// EventRefused reports that the counterparty refused to consider the
	// last buyer offer, for instance because one was already in flight.
	EventRefused EventKind = "refused"
	// EventFailed reports that the transport stopped for good. Err says why.
	EventFailed EventKind = "failed"
)

// Event is either a locally submitted buyer offer or an inbound counterparty
// event. SessionID scopes inbound events; it is empty for local submissions.
type Event struct {
	Kind      EventKind
	SessionID string
	Amount    float64 // buyer amount, proposedPrice or finalPrice depending on Kind
	Message   string
	At        time.Time
	Err       error // EventFailed only
}

// Creation is the outcome of creating a negotiation server-side.
// Immediate is nil when the counterparty has not replied within the same turn.
type Creation struct {
	SessionID string
	Status    string
	Immediate *Event
}

// Session is the client-side projection of one negotiation thread.
// Values are treated as immutable; Apply returns a new Session.
type Session struct {
	ID            string
	ProductID     string
	BuyerID       string
	OriginalPrice float64
	Status        Status
	History       []Offer
	FinalPrice    *float64
	// Notice is the reason the last offer was refused. The next applied
	// offer or reply clears it.
	Notice string
}

// NewSession returns an uninitiated session for a product.
func NewSession(productID, buyerID string, originalPrice float64) Session {
	return Session{
		ProductID:     productID,
		BuyerID:       buyerID,
		OriginalPrice: originalPrice,
		Status:        StatusUninitiated,
	}
}

// ValidateAmount checks that a buyer proposal is a positive finite number.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("amount %v is not a finite number: %w", amount, ErrInvalidOffer)
	}
	if amount <= 0 {
		return fmt.Errorf("amount %v must be positive: %w", amount, ErrInvalidOffer)
	}
	return nil
}

// Apply returns the session that results from ev and whether anything changed.
//
//	uninitiated                 + submit   -> awaiting_response
//	awaiting_response|countered + message  -> countered
//	awaiting_response|countered + accepted -> accepted (finalPrice set)
//	awaiting_response|countered + rejected -> rejected
//	countered                   + submit   -> awaiting_response
//	awaiting_response           + refused  -> status before the submit, offer dropped
//	accepted|rejected           + any      -> unchanged
//
// Every other combination is ignored.
func (s Session) Apply(ev Event) (Session, bool) {
	if s.Status.Terminal() {
		return s, false
	}

	switch ev.Kind {
	case EventSubmit:
		if s.Status != StatusUninitiated && s.Status != StatusCountered {
			return s, false
		}
		if ValidateAmount(ev.Amount) != nil {
			return s, false
		}
		next := s.withOffer(Offer{
			Origin:  OriginBuyer,
			Amount:  ev.Amount,
			Message: ev.Message,
		}, ev.At)
		next.Status = StatusAwaitingResponse
		return next, true

	case EventMessage:
		if !s.awaitingCounterparty() {
			return s, false
		}
		next := s.withOffer(Offer{
			Origin:  OriginCounterparty,
			Amount:  positiveOrZero(ev.Amount),
			Message: ev.Message,
		}, ev.At)
		next.Status = StatusCountered
		return next, true

	case EventAccepted:
		if !s.awaitingCounterparty() {
			return s, false
		}
		final := positiveOrZero(ev.Amount)
		if final == 0 {
			final = s.lastBuyerAmount()
		}
		next := s.withOffer(Offer{
			Origin:     OriginCounterparty,
			Amount:     final,
			Message:    ev.Message,
			IsTerminal: true,
		}, ev.At)
		next.Status = StatusAccepted
		next.FinalPrice = &final
		return next, true

	case EventRejected:
		if !s.awaitingCounterparty() {
			return s, false
		}
		next := s.withOffer(Offer{
			Origin:     OriginCounterparty,
			Message:    ev.Message,
			IsTerminal: true,
		}, ev.At)
		next.Status = StatusRejected
		return next, true

	case EventRefused:
		n := len(s.History)
		if s.Status != StatusAwaitingResponse || n == 0 || s.History[n-1].Origin != OriginBuyer {
			return s, false
		}
		next := s.Clone()
		next.History = next.History[:n-1]
		next.Status = StatusUninitiated
		for _, o := range next.History {
			if o.Origin == OriginCounterparty {
				next.Status = StatusCountered
				break
			}
		}
		next.Notice = ev.Message
		return next, true

	default:
		return s, false
	}
}

func (s Session) awaitingCounterparty() bool {
	return s.Status == StatusAwaitingResponse || s.Status == StatusCountered
}

// withOffer copies the history before appending so earlier Session values
// never observe the new entry.
func (s Session) withOffer(o Offer, at time.Time) Session {
	if at.IsZero() {
		at = time.Now()
	}
	if n := len(s.History); n > 0 && at.Before(s.History[n-1].Timestamp) {
		at = s.History[n-1].Timestamp
	}
	o.Timestamp = at
	s.Notice = ""

	history := make([]Offer, len(s.History), len(s.History)+1)
	copy(history, s.History)
	s.History = append(history, o)
	return s
}

func (s Session) lastBuyerAmount() float64 {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Origin == OriginBuyer {
			return s.History[i].Amount
		}
	}
	return 0
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s Session) Clone() Session {
	if s.History != nil {
		history := make([]Offer, len(s.History))
		copy(history, s.History)
		s.History = history
	}
	if s.FinalPrice != nil {
		final := *s.FinalPrice
		s.FinalPrice = &final
	}
	return s
}

func positiveOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return v
}
