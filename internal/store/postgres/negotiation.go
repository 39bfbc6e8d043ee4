package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/haggle/internal/domain"
)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type NegotiationRepo struct {
	pool *pgxpool.Pool
}

func NewNegotiationRepo(pool *pgxpool.Pool) *NegotiationRepo {
	return &NegotiationRepo{pool: pool}
}

func (r *NegotiationRepo) Create(ctx context.Context, n *domain.Negotiation, msgs ...*domain.NegotiationMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("negotiationRepo.Create: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO negotiations (id, product_id, buyer_id, original_price, status, final_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.ProductID, n.BuyerID, n.OriginalPrice, n.Status, n.FinalPrice,
		n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("negotiationRepo.Create: %w", err)
	}
	for _, m := range msgs {
		if err := insertMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("negotiationRepo.Create: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("negotiationRepo.Create: commit: %w", err)
	}

	return nil
}

func (r *NegotiationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Negotiation, error) {
	var n domain.Negotiation

	err := r.pool.QueryRow(ctx,
		`SELECT id, product_id, buyer_id, original_price::float8, status, final_price::float8, created_at, updated_at
		 FROM negotiations WHERE id = $1`,
		id,
	).Scan(
		&n.ID, &n.ProductID, &n.BuyerID, &n.OriginalPrice, &n.Status, &n.FinalPrice,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("negotiationRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("negotiationRepo.GetByID: %w", err)
	}

	return &n, nil
}

func (r *NegotiationRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.NegotiationStatus, finalPrice *float64) error {
	if err := r.RecordTurn(ctx, id, status, finalPrice); err != nil {
		return fmt.Errorf("negotiationRepo.UpdateStatus: %w", err)
	}
	return nil
}

func (r *NegotiationRepo) RecordTurn(ctx context.Context, id uuid.UUID, status domain.NegotiationStatus, finalPrice *float64, msgs ...*domain.NegotiationMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("negotiationRepo.RecordTurn: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.NegotiationStatus
	err = tx.QueryRow(ctx, `SELECT status FROM negotiations WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("negotiationRepo.RecordTurn: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("negotiationRepo.RecordTurn: %w", err)
	}

	if !current.ValidTransition(status) {
		return fmt.Errorf("negotiationRepo.RecordTurn: %s -> %s: %w", current, status, domain.ErrConflict)
	}

	if status != domain.NegotiationStatusAccepted {
		finalPrice = nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE negotiations SET status = $1, final_price = $2, updated_at = now() WHERE id = $3`,
		status, finalPrice, id,
	)
	if err != nil {
		return fmt.Errorf("negotiationRepo.RecordTurn: %w", err)
	}
	for _, m := range msgs {
		if err := insertMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("negotiationRepo.RecordTurn: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("negotiationRepo.RecordTurn: commit: %w", err)
	}

	return nil
}

func (r *NegotiationRepo) AppendMessage(ctx context.Context, m *domain.NegotiationMessage) error {
	if err := insertMessage(ctx, r.pool, m); err != nil {
		return fmt.Errorf("negotiationRepo.AppendMessage: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, db execer, m *domain.NegotiationMessage) error {
	_, err := db.Exec(ctx,
		`INSERT INTO negotiation_messages (id, negotiation_id, origin, amount, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.NegotiationID, m.Origin, m.Amount, m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

func (r *NegotiationRepo) ListMessages(ctx context.Context, negotiationID uuid.UUID) ([]*domain.NegotiationMessage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, negotiation_id, origin, amount::float8, content, created_at
		 FROM negotiation_messages WHERE negotiation_id = $1
		 ORDER BY id
		 LIMIT 1000`,
		negotiationID,
	)
	if err != nil {
		return nil, fmt.Errorf("negotiationRepo.ListMessages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, "negotiationRepo.ListMessages")
}

func scanMessages(rows pgx.Rows, caller string) ([]*domain.NegotiationMessage, error) {
	var messages []*domain.NegotiationMessage
	for rows.Next() {
		var m domain.NegotiationMessage
		if err := rows.Scan(&m.ID, &m.NegotiationID, &m.Origin, &m.Amount, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return messages, nil
}
