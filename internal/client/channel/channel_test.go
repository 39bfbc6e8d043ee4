package channel_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/haggle/internal/client/channel"
	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/protocol"
)

// streamServer accepts WebSocket connections and hands the server side of
// each one to the test.
type streamServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	done  chan struct{}

	mu    sync.Mutex
	token string
}

func newStreamServer(t *testing.T, token string) *streamServer {
	t.Helper()

	s := &streamServer{
		conns: make(chan *websocket.Conn, 8),
		token: token,
		done:  make(chan struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.token
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		<-s.done
	}))
	t.Cleanup(func() {
		close(s.done)
		s.srv.Close()
	})
	return s
}

// revoke makes the server refuse the current credential from now on.
func (s *streamServer) revoke() {
	s.mu.Lock()
	s.token = "rotated"
	s.mu.Unlock()
}

func (s *streamServer) dialer() *channel.Dialer {
	return &channel.Dialer{
		URL:               "ws" + strings.TrimPrefix(s.srv.URL, "http"),
		ReconnectInterval: 10 * time.Millisecond,
	}
}

func (s *streamServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var f protocol.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()

	b, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, b))
}

type eventSink struct {
	ch chan domain.Event
}

func newSink() *eventSink {
	return &eventSink{ch: make(chan domain.Event, 16)}
}

func (s *eventSink) handle(ev domain.Event) {
	s.ch <- ev
}

func (s *eventSink) next(t *testing.T) domain.Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
		return domain.Event{}
	}
}

func price(v float64) *float64 { return &v }

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen_MissingToken(t *testing.T) {
	t.Parallel()

	s := newStreamServer(t, "secret")
	ch, err := s.dialer().Open(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Nil(t, ch)
}

func TestOpen_RefusedCredential(t *testing.T) {
	t.Parallel()

	s := newStreamServer(t, "secret")
	_, err := s.dialer().Open(context.Background(), "wrong")
	require.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestOpen_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	d := &channel.Dialer{URL: url}
	_, err := d.Open(context.Background(), "secret")
	require.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

// ---------------------------------------------------------------------------
// Join, send and receive
// ---------------------------------------------------------------------------

func TestChannel_JoinSendReceive(t *testing.T) {
	t.Parallel()

	s := newStreamServer(t, "secret")
	ch, err := s.dialer().Open(context.Background(), "secret")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	sink := newSink()
	ch.OnEvent(sink.handle)

	server := s.accept(t)
	ctx := context.Background()

	require.NoError(t, ch.JoinSession(ctx, "s1"))
	require.NoError(t, ch.JoinSession(ctx, "s1"), "second join is a no-op")
	require.NoError(t, ch.JoinSession(ctx, ""), "empty id is a no-op")

	join := readFrame(t, server)
	assert.Equal(t, protocol.EventJoin, join.Event)
	assert.JSONEq(t, `{"negotiationId":"s1"}`, string(join.Data))

	require.NoError(t, ch.SendOffer(ctx, "s1", 42000, "I offer 42000"))
	offer := readFrame(t, server)
	assert.Equal(t, protocol.EventNegotiate, offer.Event)
	assert.JSONEq(t, `{"negotiationId":"s1","message":"I offer 42000","proposedPrice":42000}`, string(offer.Data))

	writeFrame(t, server, protocol.EventMessage, protocol.MessagePayload{Message: "45000?", ProposedPrice: price(45000)})
	writeFrame(t, server, protocol.EventError, protocol.ErrorPayload{Message: "ignored"})
	writeFrame(t, server, protocol.EventAccepted, protocol.AcceptedPayload{NegotiationID: "s1", FinalPrice: 44000})

	first := sink.next(t)
	assert.Equal(t, domain.EventMessage, first.Kind)
	assert.Equal(t, "s1", first.SessionID, "untagged events carry the joined session")
	assert.InDelta(t, 45000, first.Amount, 0.0001)

	second := sink.next(t)
	assert.Equal(t, domain.EventAccepted, second.Kind)
	assert.InDelta(t, 44000, second.Amount, 0.0001)
}

func TestChannel_SendOffer_InvalidAmount(t *testing.T) {
	t.Parallel()

	s := newStreamServer(t, "secret")
	ch, err := s.dialer().Open(context.Background(), "secret")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	require.ErrorIs(t, ch.SendOffer(context.Background(), "s1", 0, ""), domain.ErrInvalidOffer)
	require.ErrorIs(t, ch.SendOffer(context.Background(), "s1", -1, ""), domain.ErrInvalidOffer)
}

func TestChannel_ServerErrorFrames(t *testing.T) {
	t.Parallel()

	s := newStreamServer(t, "secret")
	ch, err := s.dialer().Open(context.Background(), "secret")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	sink := newSink()
	ch.OnEvent(sink.handle)
	server := s.accept(t)

	require.NoError(t, ch.JoinSession(context.Background(), "s1"))
	readFrame(t, server)

	// Errors about joins or unparseable frames are only logged.
	writeFrame(t, server, protocol.EventError, protocol.ErrorPayload{Event: protocol.EventJoin, NegotiationID: "s1", Message: "negotiation not found"})
	writeFrame(t, server, protocol.EventError, protocol.ErrorPayload{Message: "malformed frame"})
	// A refused offer reaches the handler.
	writeFrame(t, server, protocol.EventError, protocol.ErrorPayload{Event: protocol.EventNegotiate, Message: "previous offer is still awaiting a reply"})

	ev := sink.next(t)
	assert.Equal(t, domain.EventRefused, ev.Kind)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "previous offer is still awaiting a reply", ev.Message)
}

// ---------------------------------------------------------------------------
// Reconnect
// ---------------------------------------------------------------------------

func TestChannel_ReconnectReplaysJoins(t *testing.T) {
	t.Parallel()

	s := newStreamServer(t, "secret")
	ch, err := s.dialer().Open(context.Background(), "secret")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	sink := newSink()
	ch.OnEvent(sink.handle)

	first := s.accept(t)
	require.NoError(t, ch.JoinSession(context.Background(), "s1"))
	assert.Equal(t, protocol.EventJoin, readFrame(t, first).Event)

	_ = first.CloseNow()

	second := s.accept(t)
	rejoin := readFrame(t, second)
	assert.Equal(t, protocol.EventJoin, rejoin.Event)
	assert.JSONEq(t, `{"negotiationId":"s1"}`, string(rejoin.Data))

	writeFrame(t, second, protocol.EventRejected, protocol.RejectedPayload{NegotiationID: "s1"})
	ev := sink.next(t)
	assert.Equal(t, domain.EventRejected, ev.Kind)
	assert.Equal(t, "s1", ev.SessionID)
}

func TestChannel_ReconnectRefusedCredentialFails(t *testing.T) {
	t.Parallel()

	s := newStreamServer(t, "secret")
	ch, err := s.dialer().Open(context.Background(), "secret")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	sink := newSink()
	ch.OnEvent(sink.handle)

	first := s.accept(t)
	require.NoError(t, ch.JoinSession(context.Background(), "s1"))
	readFrame(t, first)

	s.revoke()
	_ = first.CloseNow()

	ev := sink.next(t)
	assert.Equal(t, domain.EventFailed, ev.Kind)
	assert.Equal(t, "s1", ev.SessionID)
	require.ErrorIs(t, ev.Err, domain.ErrAuthentication)

	require.ErrorIs(t, ch.SendOffer(context.Background(), "s1", 42000, ""), domain.ErrAuthentication)
	require.ErrorIs(t, ch.JoinSession(context.Background(), "s2"), domain.ErrAuthentication)
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestChannel_Close(t *testing.T) {
	t.Parallel()

	var nilCh *channel.Channel
	require.NoError(t, nilCh.Close())

	s := newStreamServer(t, "secret")
	ch, err := s.dialer().Open(context.Background(), "secret")
	require.NoError(t, err)

	sink := newSink()
	ch.OnEvent(sink.handle)
	server := s.accept(t)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	require.ErrorIs(t, ch.JoinSession(context.Background(), "s1"), channel.ErrClosed)
	require.ErrorIs(t, ch.SendOffer(context.Background(), "s1", 10, ""), channel.ErrClosed)

	// The server sees the close and nothing is delivered afterwards.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = server.Read(ctx)
	require.Error(t, err)

	select {
	case ev := <-sink.ch:
		t.Fatalf("unexpected event after close: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
