package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CallDetails is the carrier's view of a call, returned by FetchCall.
type CallDetails struct {
	CallID   string
	From     string
	To       string
	Status   string
	Duration int
}

// Carrier is the outbound half of the carrier integration: placing calls
// and querying or ending them via the carrier's REST API.
type Carrier interface {
	// PlaceCall starts an outbound call to the given number. The carrier
	// posts answer events to voiceURL and lifecycle events to statusURL.
	// Returns the carrier call id.
	PlaceCall(ctx context.Context, to, voiceURL, statusURL string) (string, error)

	// FetchCall returns the carrier's current view of the call.
	FetchCall(ctx context.Context, callID string) (CallDetails, error)

	// UpdateStatus asks the carrier to move the call to a new status,
	// e.g. "completed" to hang up.
	UpdateStatus(ctx context.Context, callID, status string) error
}

// RESTCarrier talks to a Twilio-compatible calls API.
type RESTCarrier struct {
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
	client     *http.Client
}

var _ Carrier = (*RESTCarrier)(nil)

// RESTCarrierConfig configures a [RESTCarrier].
type RESTCarrierConfig struct {
	// BaseURL defaults to the Twilio API host.
	BaseURL    string
	AccountSID string
	AuthToken  string
	// FromNumber is the caller id for outbound calls, E.164.
	FromNumber string
	Timeout    time.Duration
}

// NewRESTCarrier builds the carrier client.
func NewRESTCarrier(cfg RESTCarrierConfig) (*RESTCarrier, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("telephony: carrier credentials required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &RESTCarrier{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// callResource mirrors the carrier's call JSON.
type callResource struct {
	SID      string `json:"sid"`
	From     string `json:"from"`
	To       string `json:"to"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
}

func (c *RESTCarrier) callsURL(suffix string) string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls%s", c.baseURL, c.accountSID, suffix)
}

func (c *RESTCarrier) do(ctx context.Context, method, rawURL string, form url.Values) (*callResource, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("telephony: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: carrier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("telephony: carrier returned %d: %s", resp.StatusCode, payload)
	}

	var res callResource
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("telephony: decode carrier response: %w", err)
	}
	return &res, nil
}

// Ping verifies credentials and connectivity by fetching the account
// resource. Used by the readiness probe.
func (c *RESTCarrier) Ping(ctx context.Context) error {
	accountURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", c.baseURL, c.accountSID)
	_, err := c.do(ctx, http.MethodGet, accountURL, nil)
	return err
}

func (c *RESTCarrier) PlaceCall(ctx context.Context, to, voiceURL, statusURL string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.fromNumber)
	form.Set("Url", voiceURL)
	form.Set("StatusCallback", statusURL)
	form.Set("StatusCallbackMethod", "POST")

	res, err := c.do(ctx, http.MethodPost, c.callsURL(".json"), form)
	if err != nil {
		return "", err
	}
	return res.SID, nil
}

func (c *RESTCarrier) FetchCall(ctx context.Context, callID string) (CallDetails, error) {
	res, err := c.do(ctx, http.MethodGet, c.callsURL("/"+url.PathEscape(callID)+".json"), nil)
	if err != nil {
		return CallDetails{}, err
	}
	duration, _ := strconv.Atoi(res.Duration)
	return CallDetails{
		CallID:   res.SID,
		From:     res.From,
		To:       res.To,
		Status:   res.Status,
		Duration: duration,
	}, nil
}

func (c *RESTCarrier) UpdateStatus(ctx context.Context, callID, status string) error {
	form := url.Values{}
	form.Set("Status", status)
	_, err := c.do(ctx, http.MethodPost, c.callsURL("/"+url.PathEscape(callID)+".json"), form)
	return err
}
