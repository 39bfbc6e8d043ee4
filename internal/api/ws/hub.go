package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/protocol"
	"github.com/gosuda/haggle/internal/seller"
	"github.com/gosuda/haggle/internal/server/middleware"
	redisstore "github.com/gosuda/haggle/internal/store/redis"
)

const readLimit = 64 << 10

// PubSub abstracts the broker subscription used to fan replies out to sockets.
type PubSub interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Negotiator abstracts the seller operations reachable over the socket.
// *seller.Service satisfies this interface.
type Negotiator interface {
	Authorize(ctx context.Context, buyerID, negotiationID uuid.UUID) (*domain.Negotiation, error)
	Offer(ctx context.Context, buyerID, negotiationID uuid.UUID, price float64, message string) (*seller.Outcome, error)
}

// Hub manages negotiation WebSocket connections backed by pub/sub.
type Hub struct {
	pubsub         PubSub
	negotiator     Negotiator
	originPatterns []string
}

// NewHub creates a new WebSocket hub. originPatterns lists the browser
// origins allowed besides the request host.
func NewHub(pubsub PubSub, negotiator Negotiator, originPatterns []string) *Hub {
	return &Hub{pubsub: pubsub, negotiator: negotiator, originPatterns: originPatterns}
}

// ServeNegotiations handles a buyer socket. The buyer joins negotiations
// with join-negotiation, sends offers with negotiate-message and receives
// the seller replies of every joined negotiation.
func (h *Hub) ServeNegotiations(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := middleware.BuyerIDFromContext(r.Context())
	if !ok {
		http.Error(w, "missing buyer", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	g, ctx := errgroup.WithContext(r.Context())
	s := &socket{
		hub:     h,
		conn:    conn,
		buyerID: buyerID,
		group:   g,
		joined:  make(map[uuid.UUID]struct{}),
	}

	g.Go(func() error { return s.readLoop(ctx) })

	if err := g.Wait(); err != nil && !isClosure(err) {
		log.Debug().Err(err).Str("buyer_id", buyerID.String()).Msg("websocket session ended")
	}
	_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// socket is the per-connection state of ServeNegotiations.
type socket struct {
	hub     *Hub
	conn    *websocket.Conn
	buyerID uuid.UUID
	group   *errgroup.Group

	mu     sync.Mutex
	joined map[uuid.UUID]struct{}
}

func (s *socket) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError(ctx, "", "", "malformed frame")
			continue
		}

		switch f.Event {
		case protocol.EventJoin:
			var p protocol.JoinPayload
			if err := json.Unmarshal(f.Data, &p); err != nil {
				s.sendError(ctx, f.Event, "", "malformed join payload")
				continue
			}
			if err := s.join(ctx, p.NegotiationID); err != nil {
				s.sendError(ctx, f.Event, p.NegotiationID, errorMessage(err))
			}

		case protocol.EventNegotiate:
			var p protocol.NegotiatePayload
			if err := json.Unmarshal(f.Data, &p); err != nil {
				s.sendError(ctx, f.Event, "", "malformed negotiate payload")
				continue
			}
			if err := s.negotiate(ctx, p); err != nil {
				s.sendError(ctx, f.Event, p.NegotiationID, errorMessage(err))
			}

		default:
			s.sendError(ctx, f.Event, "", "unknown event "+f.Event)
		}
	}
}

// join subscribes the socket to a negotiation it owns. Joining twice is a
// no-op.
func (s *socket) join(ctx context.Context, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return domain.ErrNotFound
	}

	s.mu.Lock()
	_, already := s.joined[id]
	s.mu.Unlock()
	if already {
		return nil
	}

	if _, err := s.hub.negotiator.Authorize(ctx, s.buyerID, id); err != nil {
		return err
	}

	messages, cleanup, err := s.hub.pubsub.Subscribe(ctx, redisstore.NegotiationChannel(id))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.joined[id] = struct{}{}
	s.mu.Unlock()

	s.group.Go(func() error {
		defer cleanup()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return nil
				}
				if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
					return err
				}
			}
		}
	})

	log.Debug().Str("buyer_id", s.buyerID.String()).Str("negotiation_id", id.String()).Msg("joined negotiation")
	return nil
}

// negotiate joins the negotiation if needed so the reply reaches this
// socket, then submits the offer.
func (s *socket) negotiate(ctx context.Context, p protocol.NegotiatePayload) error {
	if err := s.join(ctx, p.NegotiationID); err != nil {
		return err
	}
	id := uuid.MustParse(p.NegotiationID)
	_, err := s.hub.negotiator.Offer(ctx, s.buyerID, id, p.ProposedPrice, p.Message)
	return err
}

// sendError answers a client frame of kind event that could not be handled.
func (s *socket) sendError(ctx context.Context, event, negotiationID, message string) {
	b, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		NegotiationID: negotiationID,
		Event:         event,
		Message:       message,
	})
	if err != nil {
		return
	}
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		log.Debug().Err(err).Msg("websocket write error frame")
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidOffer):
		return "proposed price must be a positive number"
	case errors.Is(err, domain.ErrNegotiationClosed):
		return "negotiation is closed"
	case errors.Is(err, seller.ErrAwaitingReply):
		return "previous offer is still awaiting a reply"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		return "negotiation not found"
	default:
		log.Error().Err(err).Msg("negotiation socket")
		return "internal error"
	}
}

func isClosure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
