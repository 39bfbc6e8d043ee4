// Package rest is the HTTP side of the negotiation client: it creates
// negotiations through POST /negotiations and reads them back.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/gosuda/haggle/internal/domain"
	"github.com/gosuda/haggle/internal/protocol"
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx response. It unwraps to the domain error that
// matches its status code.
type APIError struct {
	StatusCode int
	Detail     string
	kind       error
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s (HTTP %d)", e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.kind, e.StatusCode, e.Detail)
}

func (e *APIError) Unwrap() error { return e.kind }

// Client calls the negotiation REST API with a bearer credential.
type Client struct {
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryDelay sets the pause before the single retry of a transient failure.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New creates a Client for the API rooted at baseURL (for example
// "http://localhost:8080/api/v1").
func New(baseURL string, tokens oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create creates a negotiation for productID with a first offer. A
// transient failure is retried once; authentication and validation
// failures are returned immediately.
func (c *Client) Create(ctx context.Context, productID string, proposedPrice float64) (*domain.Creation, error) {
	body := protocol.CreateRequest{ProductID: productID, ProposedPrice: proposedPrice}

	var resp protocol.CreateResponse
	err := c.do(ctx, http.MethodPost, "/negotiations", body, &resp)
	if errors.Is(err, domain.ErrServiceUnavailable) && ctx.Err() == nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("rest.Create: transient failure, retrying once")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rest.Client.Create: %w", ctx.Err())
		case <-time.After(c.retryDelay):
		}
		err = c.do(ctx, http.MethodPost, "/negotiations", body, &resp)
	}
	if err != nil {
		return nil, fmt.Errorf("rest.Client.Create: %w", err)
	}

	if resp.Negotiation.ID == "" {
		return nil, fmt.Errorf("rest.Client.Create: response without negotiation id: %w", domain.ErrServiceUnavailable)
	}

	return &domain.Creation{
		SessionID: resp.Negotiation.ID,
		Status:    resp.Negotiation.Status,
		Immediate: resp.BotResponse.ImmediateEvent(resp.Negotiation.ID),
	}, nil
}

// Get fetches a negotiation with its stored messages.
func (c *Client) Get(ctx context.Context, negotiationID string) (*protocol.NegotiationDetail, error) {
	var detail protocol.NegotiationDetail
	if err := c.do(ctx, http.MethodGet, "/negotiations/"+url.PathEscape(negotiationID), nil, &detail); err != nil {
		return nil, fmt.Errorf("rest.Client.Get: %w", err)
	}
	return &detail, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.tokens == nil {
		return domain.ErrAuthentication
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	if tok.AccessToken == "" {
		return domain.ErrAuthentication
	}

	var reqBody io.Reader
	if in != nil {
		b, marshalErr := json.Marshal(in)
		if marshalErr != nil {
			return fmt.Errorf("marshal request: %w", marshalErr)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrServiceUnavailable, err)
	}
	return nil
}

// problem is the RFC 9457 body returned by the API.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message  string `json:"message"`
		Location string `json:"location"`
	} `json:"errors"`
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var p problem
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &p) == nil {
		detail = p.Detail
		if detail == "" {
			detail = p.Title
		}
		for _, e := range p.Errors {
			if e.Location != "" {
				detail += "; " + e.Location + ": " + e.Message
			} else {
				detail += "; " + e.Message
			}
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Detail:     detail,
		kind:       classify(resp.StatusCode),
	}
}

func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return domain.ErrAuthentication
	case status == http.StatusForbidden:
		return domain.ErrForbidden
	case status == http.StatusNotFound:
		return domain.ErrNotFound
	case status == http.StatusConflict:
		return domain.ErrNegotiationClosed
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.ErrServiceUnavailable
	default:
		return domain.ErrValidation
	}
}
