package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NegotiationStatus is the server-side lifecycle of a negotiation record.
type NegotiationStatus string

const (
	NegotiationStatusPending   NegotiationStatus = "pending"
	NegotiationStatusCountered NegotiationStatus = "countered"
	NegotiationStatusAccepted  NegotiationStatus = "accepted"
	NegotiationStatusRejected  NegotiationStatus = "rejected"
)

// ValidTransition checks if a negotiation state transition is allowed.
// Allowed: pending->{countered,accepted,rejected}, countered->{pending,countered,accepted,rejected}.
func (s NegotiationStatus) ValidTransition(to NegotiationStatus) bool {
	switch s {
	case NegotiationStatusPending:
		return to == NegotiationStatusCountered || to == NegotiationStatusAccepted || to == NegotiationStatusRejected
	case NegotiationStatusCountered:
		return to == NegotiationStatusPending || to == NegotiationStatusCountered ||
			to == NegotiationStatusAccepted || to == NegotiationStatusRejected
	default:
		return false
	}
}

// Closed reports whether the negotiation accepts no further offers.
func (s NegotiationStatus) Closed() bool {
	return s == NegotiationStatusAccepted || s == NegotiationStatusRejected
}

type Negotiation struct {
	ID            uuid.UUID         `json:"id"`
	ProductID     uuid.UUID         `json:"product_id"`
	BuyerID       uuid.UUID         `json:"buyer_id"`
	OriginalPrice float64           `json:"original_price"`
	Status        NegotiationStatus `json:"status"`
	FinalPrice    *float64          `json:"final_price,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NegotiationMessage is one stored turn. ID is a ULID so lexical order
// matches insertion order.
type NegotiationMessage struct {
	ID            string    `json:"id"`
	NegotiationID uuid.UUID `json:"negotiation_id"`
	Origin        Origin    `json:"origin"`
	Amount        *float64  `json:"amount,omitempty"`
	Content       string    `json:"content,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Product struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Price float64   `json:"price"`
}

type ProductRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Product, error)
	List(ctx context.Context) ([]*Product, error)
	// Upsert inserts a product or replaces its name and price.
	Upsert(ctx context.Context, p *Product) error
}

type NegotiationRepository interface {
	// Create inserts a negotiation together with its first messages, all or
	// nothing.
	Create(ctx context.Context, n *Negotiation, msgs ...*NegotiationMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*Negotiation, error)
	// UpdateStatus moves a negotiation to status, failing with ErrConflict when
	// the stored status does not permit the transition.
	UpdateStatus(ctx context.Context, id uuid.UUID, status NegotiationStatus, finalPrice *float64) error
	// RecordTurn is UpdateStatus plus appending msgs in a single step. Nothing
	// is written when it fails.
	RecordTurn(ctx context.Context, id uuid.UUID, status NegotiationStatus, finalPrice *float64, msgs ...*NegotiationMessage) error
	AppendMessage(ctx context.Context, m *NegotiationMessage) error
	ListMessages(ctx context.Context, negotiationID uuid.UUID) ([]*NegotiationMessage, error)
}
