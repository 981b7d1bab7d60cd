package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medbridge/voice-bridge/internal/observability"
	"github.com/medbridge/voice-bridge/internal/resilience"
	"github.com/rs/zerolog"
)

// DefaultAPIBaseURL is the Twilio REST API base URL.
const DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// ConfigError reports missing provider configuration. It never reaches
// the WebSocket layer; the REST handler maps it to 503.
type ConfigError struct {
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("telephony provider not configured: missing %s", e.Missing)
}

// APIError is a non-2xx response from the provider API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio API returned status %d: %s", e.StatusCode, e.Body)
}

// CallStatus describes one call as reported by the provider.
type CallStatus struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	Direction string `json:"direction,omitempty"`
	Duration  string `json:"duration,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
}

// Client is a thin Twilio REST API client for call control. Requests
// pass through a circuit breaker so a failing provider API does not get
// hammered.
type Client struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker overrides the circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a Twilio REST client. Empty credentials are
// allowed; calls will fail with ConfigError until they are set.
func NewClient(accountSID, authToken, fromNumber string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    DefaultAPIBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    resilience.NewCircuitBreaker("twilio", 5, 30*time.Second),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConfigured reports whether provider credentials are present.
func (c *Client) IsConfigured() bool {
	return c.accountSID != "" && c.authToken != ""
}

// FromNumber returns the configured caller ID, if any.
func (c *Client) FromNumber() string {
	return c.fromNumber
}

// CreateCall places an outbound call that fetches callbackURL for its
// instructions. Returns the provider-assigned call SID.
func (c *Client) CreateCall(ctx context.Context, to, from, callbackURL string) (string, error) {
	if !c.IsConfigured() {
		return "", &ConfigError{Missing: "TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN"}
	}
	if from == "" {
		from = c.fromNumber
	}
	if from == "" {
		return "", &ConfigError{Missing: "TWILIO_NUMBER or from_number"}
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Url", callbackURL)

	var status CallStatus
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	if err := c.do(ctx, http.MethodPost, endpoint, form, &status); err != nil {
		return "", err
	}

	c.logger.Info().
		Str("call_sid", status.Sid).
		Str("to", to).
		Str("status", status.Status).
		Msg("Outbound call created")
	return status.Sid, nil
}

// CallStatus fetches the current state of a call.
func (c *Client) CallStatus(ctx context.Context, callSid string) (*CallStatus, error) {
	if !c.IsConfigured() {
		return nil, &ConfigError{Missing: "TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN"}
	}

	var status CallStatus
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSid)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// HangupCall ends an in-progress call.
func (c *Client) HangupCall(ctx context.Context, callSid string) error {
	if !c.IsConfigured() {
		return &ConfigError{Missing: "TWILIO_ACCOUNT_SID/TWILIO_AUTH_TOKEN"}
	}

	form := url.Values{}
	form.Set("Status", "completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSid)
	if err := c.do(ctx, http.MethodPost, endpoint, form, nil); err != nil {
		return err
	}

	c.logger.Info().Str("call_sid", callSid).Msg("Call hung up")
	return nil
}

// do executes one API request inside the circuit breaker and decodes
// the JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out interface{}) error {
	call := func() error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("twilio API request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode twilio response: %w", err)
			}
		}
		return nil
	}

	err := c.breaker.Call(call)
	observability.UpdateCircuitBreakerState("twilio", int(c.breaker.GetState()))
	return err
}
