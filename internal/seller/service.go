// Package seller runs the server side of a negotiation: it stores buyer
// offers, asks the responder for a decision and publishes the outcome to
// every socket joined to the negotiation.
package seller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/notify"
	"github.com/gosuda/haggle/internal/protocol"
	"github.com/gosuda/haggle/internal/responder"
	redisstore "github.com/gosuda/haggle/internal/store/redis"
)

const (
	notifyTimeout  = 10 * time.Second
	releaseTimeout = 5 * time.Second
)

// ErrAwaitingReply is returned when an offer arrives while the previous one
// of the same negotiation is still being answered.
var ErrAwaitingReply = errors.New("seller: previous offer still awaiting a reply") //nolint:gochecknoglobals // sentinel error

// PubSubPublisher abstracts the broker publish operation.
type PubSubPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Store is the repository accessor the service needs.
type Store interface {
	Products() domain.ProductRepository
	Negotiations() domain.NegotiationRepository
}

// ConclusionNotifier is told about every negotiation that reaches accepted
// or rejected. *notify.Notifier satisfies this interface.
type ConclusionNotifier interface {
	NegotiationConcluded(ctx context.Context, c notify.Conclusion) error
}

// Outcome is the state of a negotiation after one offer was answered.
type Outcome struct {
	Negotiation *domain.Negotiation
	Reply       responder.Reply
}

type Service struct {
	store     Store
	responder *responder.Responder
	pubsub    PubSubPublisher
	notifier  ConclusionNotifier
	now       func() time.Time
}

type Option func(*Service)

// WithNotifier reports concluded negotiations to n in the background.
func WithNotifier(n ConclusionNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

func NewService(store Store, r *responder.Responder, pubsub PubSubPublisher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		responder: r,
		pubsub:    pubsub,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a negotiation for productID with the buyer's first offer and
// answers it in the same call.
func (s *Service) Open(ctx context.Context, buyerID, productID uuid.UUID, price float64) (*Outcome, error) {
	if err := domain.ValidateAmount(price); err != nil {
		return nil, fmt.Errorf("seller.Service.Open: %w", err)
	}

	product, err := s.store.Products().GetByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("seller.Service.Open: product: %w", err)
	}

	now := s.now().UTC()
	n := &domain.Negotiation{
		ID:            uuid.New(),
		ProductID:     product.ID,
		BuyerID:       buyerID,
		OriginalPrice: product.Price,
		Status:        domain.NegotiationStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// The row is written together with the answered first offer, so a failed
	// insert leaves nothing behind.
	t := s.decide(n, product.Price, price, "")
	n.Status = t.status
	n.FinalPrice = t.finalPrice
	if err := s.store.Negotiations().Create(ctx, n, t.messages...); err != nil {
		return nil, fmt.Errorf("seller.Service.Open: %w", err)
	}
	out := s.conclude(ctx, n, t)

	log.Info().
		Str("negotiation_id", n.ID.String()).
		Str("product_id", product.ID.String()).
		Float64("offer", price).
		Str("decision", string(out.Reply.Decision)).
		Msg("negotiation opened")

	return out, nil
}

// Offer answers a follow-up offer on an existing negotiation and publishes
// the reply frame on the negotiation channel.
func (s *Service) Offer(ctx context.Context, buyerID, negotiationID uuid.UUID, price float64, message string) (*Outcome, error) {
	if err := domain.ValidateAmount(price); err != nil {
		return nil, fmt.Errorf("seller.Service.Offer: %w", err)
	}

	n, err := s.Authorize(ctx, buyerID, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("seller.Service.Offer: %w", err)
	}
	if n.Status.Closed() {
		return nil, fmt.Errorf("seller.Service.Offer: status %s: %w", n.Status, domain.ErrNegotiationClosed)
	}

	messages, err := s.store.Negotiations().ListMessages(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("seller.Service.Offer: %w", err)
	}

	// Claiming pending makes a concurrent offer fail with ErrAwaitingReply.
	repo := s.store.Negotiations()
	if err := repo.UpdateStatus(ctx, n.ID, domain.NegotiationStatusPending, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("seller.Service.Offer: %w", ErrAwaitingReply)
		}
		return nil, fmt.Errorf("seller.Service.Offer: %w", err)
	}
	previous := n.Status
	n.Status = domain.NegotiationStatusPending

	t := s.decide(n, askingPrice(n.OriginalPrice, messages), price, message)
	if err := repo.RecordTurn(ctx, n.ID, t.status, t.finalPrice, t.messages...); err != nil {
		s.release(ctx, n.ID, previous)
		return nil, fmt.Errorf("seller.Service.Offer: %w", err)
	}
	out := s.conclude(ctx, n, t)

	payload, err := ReplyFrame(out)
	if err != nil {
		return nil, fmt.Errorf("seller.Service.Offer: %w", err)
	}
	if err := s.pubsub.Publish(ctx, redisstore.NegotiationChannel(n.ID), payload); err != nil {
		log.Warn().Err(err).Str("negotiation_id", n.ID.String()).Msg("publish reply failed")
	}

	return out, nil
}

// Authorize loads a negotiation and checks that buyerID owns it.
func (s *Service) Authorize(ctx context.Context, buyerID, negotiationID uuid.UUID) (*domain.Negotiation, error) {
	n, err := s.store.Negotiations().GetByID(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if n.BuyerID != buyerID {
		return nil, domain.ErrForbidden
	}
	return n, nil
}

// Detail returns an owned negotiation with its stored messages.
func (s *Service) Detail(ctx context.Context, buyerID, negotiationID uuid.UUID) (*domain.Negotiation, []*domain.NegotiationMessage, error) {
	n, err := s.Authorize(ctx, buyerID, negotiationID)
	if err != nil {
		return nil, nil, fmt.Errorf("seller.Service.Detail: %w", err)
	}
	messages, err := s.store.Negotiations().ListMessages(ctx, n.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("seller.Service.Detail: %w", err)
	}
	return n, messages, nil
}

// turn is an answered buyer offer that has not been stored yet.
type turn struct {
	status     domain.NegotiationStatus
	finalPrice *float64
	messages   []*domain.NegotiationMessage
	reply      responder.Reply
}

// decide answers the buyer offer on n and prepares both messages of the
// turn. It does not touch the store.
func (s *Service) decide(n *domain.Negotiation, asking, price float64, message string) turn {
	amount := price
	buyer := &domain.NegotiationMessage{
		ID:            ulid.Make().String(),
		NegotiationID: n.ID,
		Origin:        domain.OriginBuyer,
		Amount:        &amount,
		Content:       message,
		CreatedAt:     s.now().UTC(),
	}

	reply := s.responder.Respond(n.OriginalPrice, asking, price)

	var (
		status     domain.NegotiationStatus
		finalPrice *float64
		botAmount  *float64
	)
	switch reply.Decision {
	case responder.DecisionAccept:
		status = domain.NegotiationStatusAccepted
		final := reply.Price
		finalPrice, botAmount = &final, &final
	case responder.DecisionReject:
		status = domain.NegotiationStatusRejected
	default:
		status = domain.NegotiationStatusCountered
		counter := reply.Price
		botAmount = &counter
	}

	bot := &domain.NegotiationMessage{
		ID:            ulid.Make().String(),
		NegotiationID: n.ID,
		Origin:        domain.OriginCounterparty,
		Amount:        botAmount,
		Content:       reply.Message,
		CreatedAt:     s.now().UTC(),
	}

	return turn{
		status:     status,
		finalPrice: finalPrice,
		messages:   []*domain.NegotiationMessage{buyer, bot},
		reply:      reply,
	}
}

// conclude builds the outcome of a stored turn and reports a closed
// negotiation to the notifier.
func (s *Service) conclude(ctx context.Context, n *domain.Negotiation, t turn) *Outcome {
	updated := *n
	updated.Status = t.status
	updated.FinalPrice = t.finalPrice
	updated.UpdatedAt = s.now().UTC()

	if t.status.Closed() && s.notifier != nil {
		go s.notifyConcluded(context.WithoutCancel(ctx), updated)
	}

	return &Outcome{Negotiation: &updated, Reply: t.reply}
}

// release hands a claimed negotiation back to status after its turn could
// not be stored. It runs even when ctx is already done.
func (s *Service) release(ctx context.Context, id uuid.UUID, status domain.NegotiationStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := s.store.Negotiations().UpdateStatus(ctx, id, status, nil); err != nil {
		log.Error().Err(err).Str("negotiation_id", id.String()).Str("status", string(status)).Msg("release negotiation failed")
		return
	}
	log.Warn().Str("negotiation_id", id.String()).Msg("offer not stored, negotiation released")
}

func (s *Service) notifyConcluded(ctx context.Context, n domain.Negotiation) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	c := notify.Conclusion{
		NegotiationID: n.ID,
		Status:        n.Status,
		ListPrice:     n.OriginalPrice,
		FinalPrice:    n.FinalPrice,
	}
	if p, err := s.store.Products().GetByID(ctx, n.ProductID); err == nil {
		c.ProductName = p.Name
	}

	if err := s.notifier.NegotiationConcluded(ctx, c); err != nil {
		log.Warn().Err(err).Str("negotiation_id", n.ID.String()).Msg("conclusion notification failed")
	}
}

// askingPrice is the seller's last counter, or the list price when no
// counter has been made yet.
func askingPrice(listPrice float64, messages []*domain.NegotiationMessage) float64 {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Origin == domain.OriginCounterparty && m.Amount != nil {
			return *m.Amount
		}
	}
	return listPrice
}

// BotResponse renders an outcome as the inline reply of POST /negotiations.
func BotResponse(out *Outcome) *protocol.BotResponse {
	resp := &protocol.BotResponse{Message: out.Reply.Message}
	switch out.Reply.Decision {
	case responder.DecisionAccept:
		resp.Status = protocol.BotStatusAccepted
	case responder.DecisionReject:
		resp.Status = protocol.BotStatusRejected
		return resp
	default:
		resp.Status = protocol.BotStatusCountered
	}
	price := out.Reply.Price
	resp.ProposedPrice = &price
	return resp
}

// ReplyFrame encodes an outcome as the socket frame sent to joined buyers.
func ReplyFrame(out *Outcome) ([]byte, error) {
	id := out.Negotiation.ID.String()
	switch out.Reply.Decision {
	case responder.DecisionAccept:
		return protocol.Encode(protocol.EventAccepted, protocol.AcceptedPayload{
			NegotiationID: id,
			FinalPrice:    out.Reply.Price,
			Message:       out.Reply.Message,
		})
	case responder.DecisionReject:
		return protocol.Encode(protocol.EventRejected, protocol.RejectedPayload{
			NegotiationID: id,
			Message:       out.Reply.Message,
		})
	default:
		price := out.Reply.Price
		return protocol.Encode(protocol.EventMessage, protocol.MessagePayload{
			NegotiationID: id,
			Message:       out.Reply.Message,
			ProposedPrice: &price,
		})
	}
}
