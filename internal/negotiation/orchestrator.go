// Package negotiation drives a single negotiation widget: it turns buyer
// proposals and counterparty events into one coherent domain.Session,
// hiding the asymmetry between the one-shot creation call and the streamed
// channel turns that follow it.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/gosuda/haggle/internal/domain"
)

var (
	ErrNotOpen          = errors.New("negotiation: no negotiation open")
	ErrAwaitingResponse = errors.New("negotiation: awaiting counterparty response")
	ErrSessionTerminal  = errors.New("negotiation: negotiation already concluded")
	ErrSessionReplaced  = errors.New("negotiation: negotiation closed or replaced")
	ErrInvalidProduct   = errors.New("negotiation: invalid product")
)

// ErrSessionErrored is returned once the channel credential was refused.
// Reopening the negotiation with a fresh credential recovers.
var ErrSessionErrored = fmt.Errorf("negotiation: session errored: %w", domain.ErrAuthentication)

// Notices recorded on the session when a buyer offer is taken back.
const (
	noticeNotDelivered = "offer not delivered, try again"
	noticeChannelLost  = "connection lost before the offer was answered"
)

// OrchestratorError wraps a failure of the session-creation path. The
// session is left uninitiated when it is returned.
type OrchestratorError struct {
	ProductID string
	Err       error
}

func (e *OrchestratorError) Error() string {
	return "negotiation: create negotiation for product " + e.ProductID + ": " + e.Err.Error()
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// Channel is the persistent offer transport. Implementations deliver events
// to the registered handler one at a time in arrival order.
type Channel interface {
	JoinSession(ctx context.Context, sessionID string) error
	SendOffer(ctx context.Context, sessionID string, amount float64, message string) error
	OnEvent(handler func(domain.Event))
	Close() error
}

// Dialer opens a Channel authenticated with authToken.
type Dialer interface {
	Open(ctx context.Context, authToken string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, authToken string) (Channel, error)

func (f DialerFunc) Open(ctx context.Context, authToken string) (Channel, error) {
	return f(ctx, authToken)
}

// Initiator creates the server-side negotiation record for a first offer.
type Initiator interface {
	Create(ctx context.Context, productID string, proposedPrice float64) (*domain.Creation, error)
}

// Snapshot is a read-only copy of the orchestrator state for rendering.
type Snapshot struct {
	Open bool
	domain.Session
}

// Pending reports whether the UI should show a waiting indicator.
func (s Snapshot) Pending() bool {
	return s.Open && s.Status == domain.StatusAwaitingResponse
}

// Orchestrator owns at most one active negotiation and its channel.
// Proposals are serialized; channel events are applied in arrival order
// between them. Listeners registered with OnStateChange run with the
// orchestrator lock held and must not call back into it.
type Orchestrator struct {
	initiator Initiator
	dialer    Dialer
	tokens    oauth2.TokenSource
	buyerID   string

	// opMu serializes ProposePrice calls so history order follows submission order.
	opMu sync.Mutex

	mu        sync.Mutex
	open      bool
	gen       uint64
	session   domain.Session
	channel   Channel
	cancel    context.CancelFunc
	sessCtx   context.Context //nolint:containedctx // lifetime of the open widget
	listeners map[int]func(Snapshot)
	nextID    int
}

// New creates a closed Orchestrator. tokens supplies the bearer credential
// for the channel; buyerID is recorded on sessions for display only.
func New(initiator Initiator, dialer Dialer, tokens oauth2.TokenSource, buyerID string) *Orchestrator {
	return &Orchestrator{
		initiator: initiator,
		dialer:    dialer,
		tokens:    tokens,
		buyerID:   buyerID,
		listeners: make(map[int]func(Snapshot)),
	}
}

// OpenFor starts a fresh negotiation for a product, closing any previous
// one and its channel first. A channel that cannot be opened is not fatal;
// it is retried when the negotiation next needs it.
func (o *Orchestrator) OpenFor(ctx context.Context, productID string, originalPrice float64) error {
	if productID == "" {
		return fmt.Errorf("negotiation.Orchestrator.OpenFor: empty product id: %w", ErrInvalidProduct)
	}
	if err := domain.ValidateAmount(originalPrice); err != nil {
		return fmt.Errorf("negotiation.Orchestrator.OpenFor: original price: %w", ErrInvalidProduct)
	}

	o.mu.Lock()
	old := o.teardownLocked()
	o.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Msg("negotiation.OpenFor: failed to close previous channel")
		}
	}

	o.mu.Lock()
	sessCtx, cancel := context.WithCancel(context.Background())
	o.open = true
	o.gen++
	o.session = domain.NewSession(productID, o.buyerID, originalPrice)
	o.sessCtx = sessCtx
	o.cancel = cancel
	gen := o.gen
	o.notifyLocked()
	o.mu.Unlock()

	log.Debug().Str("product_id", productID).Float64("original_price", originalPrice).Msg("negotiation opened")

	_, _ = o.ensureChannel(ctx, gen)
	return nil
}

// ProposePrice submits a buyer offer. The first offer creates the
// negotiation through the Initiator and waits for it; later offers are
// appended to history immediately and sent over the channel without
// waiting for the reply. A later offer that cannot be handed to the channel
// is taken back and the call fails with domain.ErrServiceUnavailable, or
// with domain.ErrAuthentication after which the session is errored.
func (o *Orchestrator) ProposePrice(ctx context.Context, amount float64) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", err)
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if !o.open {
		o.mu.Unlock()
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", ErrNotOpen)
	}
	s := o.session
	gen := o.gen
	sessCtx := o.sessCtx

	switch {
	case s.Status.Terminal():
		o.mu.Unlock()
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", ErrSessionTerminal)
	case s.Status == domain.StatusErrored:
		o.mu.Unlock()
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", ErrSessionErrored)
	case s.ID == "":
		o.mu.Unlock()
		return o.proposeFirst(ctx, sessCtx, gen, s.ProductID, amount)
	}

	msg := OfferMessage(amount)
	next, changed := s.Apply(domain.Event{Kind: domain.EventSubmit, Amount: amount, Message: msg})
	if !changed {
		o.mu.Unlock()
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: status %s: %w", s.Status, ErrAwaitingResponse)
	}
	o.session = next
	o.notifyLocked()
	o.mu.Unlock()

	ch, err := o.ensureChannel(ctx, gen)
	if ch == nil && err == nil {
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", ErrSessionReplaced)
	}
	if ch == nil {
		log.Warn().Err(err).Str("negotiation_id", s.ID).Msg("negotiation.ProposePrice: channel unavailable, offer withdrawn")
		auth := errors.Is(err, domain.ErrAuthentication)
		o.withdraw(gen, next, auth)
		if auth {
			return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", err)
		}
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: channel unavailable: %w", domain.ErrServiceUnavailable)
	}

	if err := ch.SendOffer(ctx, s.ID, amount, msg); err != nil {
		log.Warn().Err(err).Str("negotiation_id", s.ID).Msg("negotiation.ProposePrice: send failed, offer withdrawn")
		if errors.Is(err, domain.ErrAuthentication) {
			o.withdraw(gen, next, true)
			return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", err)
		}
		if ctx.Err() == nil {
			o.dropChannel(gen, ch)
		}
		o.withdraw(gen, next, false)
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w: %w", domain.ErrServiceUnavailable, err)
	}
	return nil
}

func (o *Orchestrator) proposeFirst(ctx, sessCtx context.Context, gen uint64, productID string, amount float64) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessCtx, cancel)
	defer stop()

	creation, err := o.initiator.Create(callCtx, productID, amount)

	o.mu.Lock()
	if !o.open || o.gen != gen {
		o.mu.Unlock()
		return fmt.Errorf("negotiation.Orchestrator.ProposePrice: %w", ErrSessionReplaced)
	}
	if err != nil {
		o.mu.Unlock()
		return &OrchestratorError{ProductID: productID, Err: err}
	}

	next, _ := o.session.Apply(domain.Event{Kind: domain.EventSubmit, Amount: amount, Message: OfferMessage(amount)})
	next.ID = creation.SessionID
	if creation.Immediate != nil {
		ev := *creation.Immediate
		ev.SessionID = next.ID
		next, _ = next.Apply(ev)
	}
	o.session = next
	o.notifyLocked()
	o.mu.Unlock()

	log.Info().
		Str("negotiation_id", next.ID).
		Str("status", string(next.Status)).
		Bool("immediate", creation.Immediate != nil).
		Msg("negotiation created")

	if next.Status.Terminal() {
		return nil
	}

	if ch, _ := o.ensureChannel(ctx, gen); ch != nil {
		if joinErr := ch.JoinSession(ctx, next.ID); joinErr != nil {
			log.Warn().Err(joinErr).Str("negotiation_id", next.ID).Msg("negotiation.ProposePrice: join failed")
		}
	}
	return nil
}

// HandleEvent applies an inbound channel event to the open session. Events
// are dropped when nothing is open, when they belong to another negotiation
// or when the session already concluded.
func (o *Orchestrator) HandleEvent(ev domain.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.applyLocked(ev)
}

func (o *Orchestrator) handleChannelEvent(gen uint64, ch Channel, ev domain.Event) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		log.Debug().Str("negotiation_id", ev.SessionID).Msg("negotiation: dropping event from discarded channel")
		return
	}
	if ev.Kind != domain.EventFailed {
		o.applyLocked(ev)
		o.mu.Unlock()
		return
	}

	// The transport gave up. Forget it so the next proposal redials, and
	// take back an offer nobody will answer.
	if o.channel != ch {
		o.mu.Unlock()
		return
	}
	o.channel = nil
	log.Warn().Err(ev.Err).Str("negotiation_id", o.session.ID).Msg("negotiation: channel failed")
	auth := errors.Is(ev.Err, domain.ErrAuthentication)
	if o.withdrawLocked(len(o.session.History), noticeChannelLost, auth) {
		o.notifyLocked()
	}
	o.mu.Unlock()

	if err := ch.Close(); err != nil {
		log.Debug().Err(err).Msg("negotiation: close failed channel")
	}
}

func (o *Orchestrator) applyLocked(ev domain.Event) {
	if !o.open || o.session.ID == "" {
		return
	}
	if ev.Kind == domain.EventSubmit {
		return
	}
	if ev.SessionID != "" && ev.SessionID != o.session.ID {
		log.Debug().Str("negotiation_id", ev.SessionID).Str("active_id", o.session.ID).Msg("negotiation: dropping event for other negotiation")
		return
	}

	next, changed := o.session.Apply(ev)
	if !changed {
		log.Debug().Str("negotiation_id", o.session.ID).Str("kind", string(ev.Kind)).Str("status", string(o.session.Status)).Msg("negotiation: event absorbed")
		return
	}
	o.session = next
	o.notifyLocked()
}

// Close discards the session and its channel. Events arriving afterwards
// are dropped. Safe to call repeatedly.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	wasOpen := o.open
	ch := o.teardownLocked()
	if wasOpen {
		o.notifyLocked()
	}
	o.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			return fmt.Errorf("negotiation.Orchestrator.Close: %w", err)
		}
	}
	return nil
}

// CurrentState returns a copy of the current state.
func (o *Orchestrator) CurrentState() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.snapshotLocked()
}

// OnStateChange registers fn to be called after every transition, including
// open and close. The returned function unregisters it.
func (o *Orchestrator) OnStateChange(fn func(Snapshot)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	o.listeners[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

// ensureChannel returns the open channel, dialing one when none is open.
// A freshly dialed channel joins the current negotiation, if any. A nil
// channel comes with the reason, or with a nil error when the negotiation
// was replaced meanwhile.
func (o *Orchestrator) ensureChannel(ctx context.Context, gen uint64) (Channel, error) {
	o.mu.Lock()
	if o.gen != gen || !o.open {
		o.mu.Unlock()
		return nil, nil
	}
	if o.channel != nil {
		ch := o.channel
		o.mu.Unlock()
		return ch, nil
	}
	o.mu.Unlock()

	if o.dialer == nil {
		return nil, fmt.Errorf("no channel dialer: %w", domain.ErrServiceUnavailable)
	}

	token, err := o.authToken()
	if err != nil {
		log.Warn().Err(err).Msg("negotiation: no credential for channel")
		return nil, err
	}

	ch, err := o.dialer.Open(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("negotiation: channel open failed, will retry lazily")
		return nil, err
	}

	o.mu.Lock()
	if o.gen != gen || !o.open || o.channel != nil {
		existing := o.channel
		stale := o.gen != gen || !o.open
		o.mu.Unlock()
		if closeErr := ch.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("negotiation: close redundant channel")
		}
		if stale {
			return nil, nil
		}
		return existing, nil
	}
	o.channel = ch
	sessionID := o.session.ID
	o.mu.Unlock()

	ch.OnEvent(func(ev domain.Event) {
		o.handleChannelEvent(gen, ch, ev)
	})

	if sessionID != "" {
		if joinErr := ch.JoinSession(ctx, sessionID); joinErr != nil {
			log.Warn().Err(joinErr).Str("negotiation_id", sessionID).Msg("negotiation: join after open failed")
		}
	}
	return ch, nil
}

// dropChannel forgets ch, if still current, and closes it so the next
// proposal dials afresh.
func (o *Orchestrator) dropChannel(gen uint64, ch Channel) {
	o.mu.Lock()
	if o.gen == gen && o.channel == ch {
		o.channel = nil
	}
	o.mu.Unlock()

	if err := ch.Close(); err != nil {
		log.Debug().Err(err).Msg("negotiation: close dropped channel")
	}
}

func (o *Orchestrator) authToken() (string, error) {
	if o.tokens == nil {
		return "", domain.ErrAuthentication
	}
	tok, err := o.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	return tok.AccessToken, nil
}

// withdraw takes back the offer appended to submitted when it never reached
// the channel. With errored set the session then moves to errored.
func (o *Orchestrator) withdraw(gen uint64, submitted domain.Session, errored bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gen != gen || !o.open {
		return
	}
	if o.withdrawLocked(len(submitted.History), noticeNotDelivered, errored) {
		o.notifyLocked()
	}
}

// withdrawLocked drops the trailing buyer offer while the history still has
// n entries, that is while nothing has been applied since it was appended.
func (o *Orchestrator) withdrawLocked(n int, notice string, errored bool) bool {
	changed := false
	if len(o.session.History) == n {
		if next, ok := o.session.Apply(domain.Event{Kind: domain.EventRefused, SessionID: o.session.ID, Message: notice}); ok {
			o.session = next
			changed = true
		}
	}
	if errored && o.session.ID != "" && !o.session.Status.Terminal() && o.session.Status != domain.StatusErrored {
		o.session.Status = domain.StatusErrored
		changed = true
	}
	return changed
}

// teardownLocked closes the current negotiation and hands back its channel
// for the caller to close outside the lock.
func (o *Orchestrator) teardownLocked() Channel {
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	ch := o.channel
	o.channel = nil
	o.open = false
	o.session = domain.Session{}
	o.sessCtx = nil
	return ch
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{Open: o.open, Session: o.session.Clone()}
}

func (o *Orchestrator) notifyLocked() {
	if len(o.listeners) == 0 {
		return
	}
	snap := o.snapshotLocked()
	for _, fn := range o.listeners {
		fn(snap)
	}
}

// OfferMessage is the text sent alongside a buyer offer.
func OfferMessage(amount float64) string {
	return "I offer " + strconv.FormatFloat(amount, 'f', -1, 64)
}
