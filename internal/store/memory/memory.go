// Package memory is an in-process implementation of the repositories used
// when no database is configured. Data lives for the life of the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/haggle/internal/domain"
)

type Store struct {
	products     *ProductRepo
	negotiations *NegotiationRepo
}

func New() *Store {
	return &Store{
		products:     &ProductRepo{items: make(map[uuid.UUID]domain.Product)},
		negotiations: &NegotiationRepo{items: make(map[uuid.UUID]*negotiationRecord)},
	}
}

func (s *Store) Products() domain.ProductRepository         { return s.products }
func (s *Store) Negotiations() domain.NegotiationRepository { return s.negotiations }

// DemoCatalog is the product list seeded for local development.
func DemoCatalog() []*domain.Product {
	return []*domain.Product{
		{ID: uuid.MustParse("0b6f1c52-8f7e-4f3a-9a51-0d0c6f4b2a01"), Name: "Vintage road bike", Price: 50000},
		{ID: uuid.MustParse("0b6f1c52-8f7e-4f3a-9a51-0d0c6f4b2a02"), Name: "Espresso machine", Price: 12000},
		{ID: uuid.MustParse("0b6f1c52-8f7e-4f3a-9a51-0d0c6f4b2a03"), Name: "Mechanical keyboard", Price: 8500},
	}
}

type ProductRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]domain.Product
}

func (r *ProductRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("memory.ProductRepo.GetByID: %w", domain.ErrNotFound)
	}
	return &p, nil
}

func (r *ProductRepo) List(_ context.Context) ([]*domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Product, 0, len(r.items))
	for _, p := range r.items {
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *ProductRepo) Upsert(_ context.Context, p *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[p.ID] = *p
	return nil
}

type negotiationRecord struct {
	negotiation domain.Negotiation
	messages    []domain.NegotiationMessage
}

type NegotiationRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*negotiationRecord
}

func (r *NegotiationRepo) Create(_ context.Context, n *domain.Negotiation, msgs ...*domain.NegotiationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[n.ID]; exists {
		return fmt.Errorf("memory.NegotiationRepo.Create: %w", domain.ErrConflict)
	}
	rec := &negotiationRecord{negotiation: cloneNegotiation(*n)}
	for _, m := range msgs {
		rec.messages = append(rec.messages, cloneMessage(m))
	}
	r.items[n.ID] = rec
	return nil
}

func (r *NegotiationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Negotiation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("memory.NegotiationRepo.GetByID: %w", domain.ErrNotFound)
	}
	n := cloneNegotiation(rec.negotiation)
	return &n, nil
}

func (r *NegotiationRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.NegotiationStatus, finalPrice *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.setStatusLocked(id, status, finalPrice); err != nil {
		return fmt.Errorf("memory.NegotiationRepo.UpdateStatus: %w", err)
	}
	return nil
}

func (r *NegotiationRepo) RecordTurn(_ context.Context, id uuid.UUID, status domain.NegotiationStatus, finalPrice *float64, msgs ...*domain.NegotiationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.setStatusLocked(id, status, finalPrice); err != nil {
		return fmt.Errorf("memory.NegotiationRepo.RecordTurn: %w", err)
	}
	rec := r.items[id]
	for _, m := range msgs {
		rec.messages = append(rec.messages, cloneMessage(m))
	}
	return nil
}

func (r *NegotiationRepo) setStatusLocked(id uuid.UUID, status domain.NegotiationStatus, finalPrice *float64) error {
	rec, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	current := rec.negotiation.Status
	if !current.ValidTransition(status) {
		return fmt.Errorf("%s -> %s: %w", current, status, domain.ErrConflict)
	}

	rec.negotiation.Status = status
	rec.negotiation.FinalPrice = nil
	if status == domain.NegotiationStatusAccepted && finalPrice != nil {
		v := *finalPrice
		rec.negotiation.FinalPrice = &v
	}
	rec.negotiation.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *NegotiationRepo) AppendMessage(_ context.Context, m *domain.NegotiationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.items[m.NegotiationID]
	if !ok {
		return fmt.Errorf("memory.NegotiationRepo.AppendMessage: %w", domain.ErrNotFound)
	}
	rec.messages = append(rec.messages, cloneMessage(m))
	return nil
}

func (r *NegotiationRepo) ListMessages(_ context.Context, negotiationID uuid.UUID) ([]*domain.NegotiationMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.items[negotiationID]
	if !ok {
		return nil, fmt.Errorf("memory.NegotiationRepo.ListMessages: %w", domain.ErrNotFound)
	}
	out := make([]*domain.NegotiationMessage, len(rec.messages))
	for i := range rec.messages {
		m := rec.messages[i]
		out[i] = &m
	}
	return out, nil
}

func cloneMessage(m *domain.NegotiationMessage) domain.NegotiationMessage {
	msg := *m
	if m.Amount != nil {
		v := *m.Amount
		msg.Amount = &v
	}
	return msg
}

func cloneNegotiation(n domain.Negotiation) domain.Negotiation {
	if n.FinalPrice != nil {
		v := *n.FinalPrice
		n.FinalPrice = &v
	}
	return n
}
