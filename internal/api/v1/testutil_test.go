package v1_test

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/seller"
	"github.com/gosuda/haggle/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers: inject the buyer into context for DoCtx
// ---------------------------------------------------------------------------

func buyerCtx(buyerID uuid.UUID) context.Context {
	return middleware.WithBuyerID(context.Background(), buyerID)
}

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	products     domain.ProductRepository
	negotiations domain.NegotiationRepository
}

func (m *mockDataStore) Products() domain.ProductRepository         { return m.products }
func (m *mockDataStore) Negotiations() domain.NegotiationRepository { return m.negotiations }

// ---------------------------------------------------------------------------
// Mock ProductRepository
// ---------------------------------------------------------------------------

type mockProductRepo struct {
	getByIDFunc func(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	listFunc    func(ctx context.Context) ([]*domain.Product, error)
	upsertFunc  func(ctx context.Context, p *domain.Product) error
}

func (m *mockProductRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockProductRepo) List(ctx context.Context) ([]*domain.Product, error) {
	return m.listFunc(ctx)
}

func (m *mockProductRepo) Upsert(ctx context.Context, p *domain.Product) error {
	return m.upsertFunc(ctx, p)
}

// ---------------------------------------------------------------------------
// Mock NegotiationService
// ---------------------------------------------------------------------------

type mockNegotiationService struct {
	openFunc   func(ctx context.Context, buyerID, productID uuid.UUID, price float64) (*seller.Outcome, error)
	detailFunc func(ctx context.Context, buyerID, negotiationID uuid.UUID) (*domain.Negotiation, []*domain.NegotiationMessage, error)
}

func (m *mockNegotiationService) Open(ctx context.Context, buyerID, productID uuid.UUID, price float64) (*seller.Outcome, error) {
	return m.openFunc(ctx, buyerID, productID, price)
}

func (m *mockNegotiationService) Detail(ctx context.Context, buyerID, negotiationID uuid.UUID) (*domain.Negotiation, []*domain.NegotiationMessage, error) {
	return m.detailFunc(ctx, buyerID, negotiationID)
}
