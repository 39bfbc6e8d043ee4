package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/seller"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store and *memory.Store satisfy this interface.
type DataStore interface {
	Products() domain.ProductRepository
	Negotiations() domain.NegotiationRepository
}

// NegotiationService abstracts the seller operations for handler testing.
// *seller.Service satisfies this interface.
type NegotiationService interface {
	Open(ctx context.Context, buyerID, productID uuid.UUID, price float64) (*seller.Outcome, error)
	Detail(ctx context.Context, buyerID, negotiationID uuid.UUID) (*domain.Negotiation, []*domain.NegotiationMessage, error)
}
