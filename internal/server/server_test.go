package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/gosuda/haggle/internal/auth"
	"github.com/gosuda/haggle/internal/client/channel"
	"github.com/gosuda/haggle/internal/client/rest"
	"github.com/gosuda/haggle/internal/config"
	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/negotiation"
	"github.com/gosuda/haggle/internal/server"
	"github.com/gosuda/haggle/internal/store/memory"
)

const testSecret = "end-to-end-secret-at-least-32-characters"

var bikeID = memory.DemoCatalog()[0].ID

func testConfig() *config.Config {
	return &config.Config{
		JWT:       config.JWTConfig{Secret: testSecret, AccessTTL: time.Hour},
		Server:    config.ServerConfig{CORSOrigins: []string{"http://localhost:5173"}},
		RateLimit: config.RateLimitConfig{RPS: 100, Burst: 100},
		Responder: config.ResponderConfig{AcceptRatio: 0.9, FloorRatio: 0.5},
	}
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memory.New()
	for _, p := range memory.DemoCatalog() {
		require.NoError(t, store.Products().Upsert(ctx, p))
	}

	srv := httptest.NewServer(server.New(ctx, testConfig(), store, memory.NewPubSub()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, buyerID uuid.UUID) string {
	t.Helper()

	tok, err := auth.IssueAccessToken(testSecret, buyerID, time.Hour)
	require.NoError(t, err)
	return tok
}

// ---------------------------------------------------------------------------
// HTTP surface
// ---------------------------------------------------------------------------

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv := startServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_RequiresBearer(t *testing.T) {
	t.Parallel()

	srv := startServer(t)

	for _, path := range []string{"/api/v1/products", "/ws/negotiations"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestServer_ListProducts(t *testing.T) {
	t.Parallel()

	srv := startServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/products", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, uuid.New()))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var products []domain.Product
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&products))
	assert.Len(t, products, len(memory.DemoCatalog()))
}

// ---------------------------------------------------------------------------
// End to end: REST initiator, WebSocket channel and orchestrator
// ---------------------------------------------------------------------------

func TestEndToEnd_NegotiateToAgreement(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	buyerID := uuid.New()
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token(t, buyerID)})

	initiator := rest.New(srv.URL+"/api/v1", tokens)
	dialer := &channel.Dialer{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/negotiations",
		ReconnectInterval: 50 * time.Millisecond,
	}
	orch := negotiation.New(initiator, negotiation.DialerFunc(func(ctx context.Context, tok string) (negotiation.Channel, error) {
		ch, err := dialer.Open(ctx, tok)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}), tokens, buyerID.String())
	t.Cleanup(func() { _ = orch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, orch.OpenFor(ctx, bikeID.String(), 50000))

	// First offer goes through POST /negotiations and is countered inline.
	require.NoError(t, orch.ProposePrice(ctx, 40000))
	state := orch.CurrentState()
	require.Equal(t, domain.StatusCountered, state.Status)
	require.NotEmpty(t, state.ID)
	require.Len(t, state.History, 2)
	assert.InDelta(t, 45000.0, state.History[1].Amount, 0)

	// Follow-up travels over the socket; the reply arrives as an event.
	require.NoError(t, orch.ProposePrice(ctx, 43000))
	assert.Equal(t, domain.StatusAwaitingResponse, orch.CurrentState().Status)

	require.Eventually(t, func() bool {
		return orch.CurrentState().Status == domain.StatusCountered
	}, 3*time.Second, 10*time.Millisecond)
	state = orch.CurrentState()
	require.Len(t, state.History, 4)
	assert.InDelta(t, 44000.0, state.History[3].Amount, 0)

	require.NoError(t, orch.ProposePrice(ctx, 44000))
	require.Eventually(t, func() bool {
		return orch.CurrentState().Status == domain.StatusAccepted
	}, 3*time.Second, 10*time.Millisecond)

	state = orch.CurrentState()
	require.NotNil(t, state.FinalPrice)
	assert.InDelta(t, 44000.0, *state.FinalPrice, 0)

	err := orch.ProposePrice(ctx, 45000)
	require.ErrorIs(t, err, negotiation.ErrSessionTerminal)

	// The server-side record agrees with the client projection.
	detail, err := initiator.Get(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", detail.Status)
	require.NotNil(t, detail.FinalPrice)
	assert.InDelta(t, 44000.0, *detail.FinalPrice, 0)
	assert.Len(t, detail.Messages, 6)
}

func TestEndToEnd_UnknownProduct(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token(t, uuid.New())})
	initiator := rest.New(srv.URL+"/api/v1", tokens)

	_, err := initiator.Create(context.Background(), uuid.NewString(), 100)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = initiator.Create(context.Background(), bikeID.String(), 0)
	require.Error(t, err)
}

func TestEndToEnd_OtherBuyerCannotRead(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	owner := rest.New(srv.URL+"/api/v1", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token(t, uuid.New())}))
	other := rest.New(srv.URL+"/api/v1", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token(t, uuid.New())}))

	created, err := owner.Create(context.Background(), bikeID.String(), 40000)
	require.NoError(t, err)

	_, err = other.Get(context.Background(), created.SessionID)
	require.ErrorIs(t, err, domain.ErrForbidden)
}
