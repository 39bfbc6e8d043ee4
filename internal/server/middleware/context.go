package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const ContextKeyBuyerID contextKey = "buyer_id"

func BuyerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyBuyerID).(uuid.UUID)
	return v, ok && v != uuid.Nil
}

// WithBuyerID returns a copy of ctx carrying an authenticated buyer.
func WithBuyerID(ctx context.Context, buyerID uuid.UUID) context.Context {
	return context.WithValue(ctx, ContextKeyBuyerID, buyerID)
}
