// Package channel is the WebSocket side of the negotiation client. A
// Channel keeps one authenticated connection to the negotiation stream,
// replays its joined sessions after a reconnect and delivers inbound events
// to a single handler in arrival order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/protocol"
)

var ErrClosed = errors.New("channel: closed")

const (
	defaultReconnectInterval = 2 * time.Second
	writeTimeout             = 10 * time.Second
	maxOutbox                = 64
	readLimit                = 1 << 20
)

// Dialer opens Channels against a negotiation stream URL such as
// "ws://localhost:8080/ws/negotiations".
type Dialer struct {
	URL               string
	ReconnectInterval time.Duration
	HTTPClient        *http.Client
}

// Channel is one persistent negotiation stream connection.
type Channel struct {
	dialer  *Dialer
	token   string
	limiter *rate.Limiter

	ctx    context.Context //nolint:containedctx // connection lifetime
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	joined  []string
	outbox  [][]byte
	handler func(domain.Event)
	closed  bool
	// failed is set once reconnecting gave up; writes return it from then on.
	failed error

	// deliverMu keeps handler invocations strictly sequential.
	deliverMu sync.Mutex
}

// Open dials the stream with a bearer token. An empty token or a handshake
// refused with 401/403 fails with domain.ErrAuthentication; any other
// failure wraps domain.ErrServiceUnavailable. Later connection losses are
// repaired in the background.
func (d *Dialer) Open(ctx context.Context, token string) (*Channel, error) {
	if token == "" {
		return nil, fmt.Errorf("channel.Dialer.Open: missing credential: %w", domain.ErrAuthentication)
	}

	conn, err := d.dial(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("channel.Dialer.Open: %w", err)
	}

	interval := d.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		dialer:  d,
		token:   token,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		ctx:     runCtx,
		cancel:  cancel,
		conn:    conn,
	}
	// The first dial already spent the burst.
	c.limiter.Allow()

	go c.run(conn)
	return c, nil
}

func (d *Dialer) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	opts := &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	}

	conn, resp, err := websocket.Dial(ctx, d.URL, opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake refused (HTTP %d): %w", resp.StatusCode, domain.ErrAuthentication)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// JoinSession scopes the channel to a negotiation. Joining an empty id or
// an id already joined is a no-op. Joined sessions are replayed after every
// reconnect.
func (c *Channel) JoinSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return fmt.Errorf("channel.Channel.JoinSession: %w", err)
	}
	for _, id := range c.joined {
		if id == sessionID {
			c.mu.Unlock()
			return nil
		}
	}
	c.joined = append(c.joined, sessionID)
	c.mu.Unlock()

	frame, err := protocol.Encode(protocol.EventJoin, protocol.JoinPayload{NegotiationID: sessionID})
	if err != nil {
		return fmt.Errorf("channel.Channel.JoinSession: %w", err)
	}
	return c.write(ctx, frame, false)
}

// SendOffer emits a negotiate-message. Offers sent while the connection is
// down are queued and flushed after the next successful reconnect.
func (c *Channel) SendOffer(ctx context.Context, sessionID string, amount float64, message string) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return fmt.Errorf("channel.Channel.SendOffer: %w", err)
	}
	frame, err := protocol.Encode(protocol.EventNegotiate, protocol.NegotiatePayload{
		NegotiationID: sessionID,
		Message:       message,
		ProposedPrice: amount,
	})
	if err != nil {
		return fmt.Errorf("channel.Channel.SendOffer: %w", err)
	}
	return c.write(ctx, frame, true)
}

// OnEvent registers the handler for inbound events, replacing any previous
// one. Events that arrive while no handler is set are dropped.
func (c *Channel) OnEvent(handler func(domain.Event)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Close releases the connection. It is idempotent and safe on a nil Channel.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.handler = nil
	c.outbox = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		if err := conn.CloseNow(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("channel: close connection")
		}
	}
	return nil
}

// write sends frame on the current connection. When the connection is down
// a frame marked queue is kept for the next reconnect; joins are not queued
// since they are replayed from the joined list.
func (c *Channel) write(ctx context.Context, frame []byte, queue bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return err
	}
	conn := c.conn
	if conn == nil {
		if queue {
			c.enqueueLocked(frame)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Err(err).Msg("channel: write failed, frame queued for reconnect")
		if queue {
			c.mu.Lock()
			if !c.closed {
				c.enqueueLocked(frame)
			}
			c.mu.Unlock()
		}
		return nil
	}
	return nil
}

func (c *Channel) enqueueLocked(frame []byte) {
	if len(c.outbox) >= maxOutbox {
		log.Warn().Int("outbox", len(c.outbox)).Msg("channel: outbox full, dropping oldest frame")
		c.outbox = c.outbox[1:]
	}
	c.outbox = append(c.outbox, frame)
}

// run reads from conn until it fails, then reconnects until the channel is
// closed or the credential is refused. A refusal is reported to the handler
// as a domain.EventFailed.
func (c *Channel) run(conn *websocket.Conn) {
	for {
		c.readLoop(conn)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.CloseNow()

		next, err := c.reconnect()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("channel: giving up reconnecting")
				c.fail(err)
			}
			return
		}
		conn = next
	}
}

func (c *Channel) reconnect() (*websocket.Conn, error) {
	for {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return nil, context.Canceled
		}

		conn, err := c.dialer.dial(c.ctx, c.token)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil, context.Canceled
			}
			if errors.Is(err, domain.ErrAuthentication) {
				return nil, err
			}
			log.Debug().Err(err).Msg("channel: reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.CloseNow()
			return nil, context.Canceled
		}
		joined := append([]string(nil), c.joined...)
		pending := c.outbox
		c.outbox = nil
		c.conn = conn
		c.mu.Unlock()

		if err := c.resume(conn, joined, pending); err != nil {
			log.Debug().Err(err).Msg("channel: resume after reconnect failed")
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			for _, f := range pending {
				c.enqueueLocked(f)
			}
			c.mu.Unlock()
			_ = conn.CloseNow()
			continue
		}

		log.Info().Int("joined", len(joined)).Int("flushed", len(pending)).Msg("channel: reconnected")
		return conn, nil
	}
}

func (c *Channel) resume(conn *websocket.Conn, joined []string, pending [][]byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	for _, id := range joined {
		frame, err := protocol.Encode(protocol.EventJoin, protocol.JoinPayload{NegotiationID: id})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("rejoin %s: %w", id, err)
		}
	}
	for _, frame := range pending {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return fmt.Errorf("flush outbox: %w", err)
		}
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				log.Debug().Err(err).Msg("channel: read failed")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrServerError):
			log.Warn().Err(err).Msg("channel: server reported an error")
		case errors.Is(err, protocol.ErrUnknownEvent):
			log.Warn().RawJSON("frame", data).Msg("channel: server frame ignored")
		default:
			log.Warn().Err(err).Msg("channel: malformed frame")
		}
		return
	}
	c.deliver(ev)
}

// fail stops the channel for good after err and tells the handler.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.closed || c.failed != nil {
		c.mu.Unlock()
		return
	}
	c.failed = fmt.Errorf("channel: reconnect: %w", err)
	c.conn = nil
	if len(c.outbox) > 0 {
		log.Warn().Int("outbox", len(c.outbox)).Msg("channel: dropping queued frames")
	}
	c.outbox = nil
	failed := c.failed
	c.mu.Unlock()

	c.deliver(domain.Event{Kind: domain.EventFailed, Err: failed})
}

func (c *Channel) deliver(ev domain.Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	if ev.SessionID == "" && len(c.joined) > 0 {
		ev.SessionID = c.joined[len(c.joined)-1]
	}
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	handler(ev)
}
