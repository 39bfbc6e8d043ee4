// Package notify tells the seller's team when a negotiation concludes.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/haggle/internal/domain"
)

// Conclusion summarises a negotiation that reached accepted or rejected.
type Conclusion struct {
	NegotiationID uuid.UUID
	ProductName   string
	Status        domain.NegotiationStatus
	ListPrice     float64
	FinalPrice    *float64
}

// Messenger posts a conclusion to a chat platform channel.
type Messenger interface {
	Post(ctx context.Context, channelID string, c Conclusion) error
	Platform() string
}

// Notifier dispatches conclusions to one channel. A nil messenger only logs.
type Notifier struct {
	messenger Messenger
	channelID string
}

func New(messenger Messenger, channelID string) *Notifier {
	return &Notifier{messenger: messenger, channelID: channelID}
}

func (n *Notifier) NegotiationConcluded(ctx context.Context, c Conclusion) error {
	if n.messenger == nil {
		log.Info().Str("negotiation_id", c.NegotiationID.String()).Msg("notify: " + Text(c))
		return nil
	}

	if err := n.messenger.Post(ctx, n.channelID, c); err != nil {
		return fmt.Errorf("notify.Notifier.NegotiationConcluded: %s: %w", n.messenger.Platform(), err)
	}
	return nil
}

// Text renders a conclusion as a single plain line.
func Text(c Conclusion) string {
	name := c.ProductName
	if name == "" {
		name = c.NegotiationID.String()
	}

	if c.Status == domain.NegotiationStatusAccepted && c.FinalPrice != nil {
		return fmt.Sprintf("Deal: %s sold at %s (list %s)", name, price(*c.FinalPrice), price(c.ListPrice))
	}
	return fmt.Sprintf("No deal: %s negotiation %s", name, c.Status)
}

func price(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
