package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wb-go/wbf/retry"
)

const (
	DefaultBaseURL = "https://sandbox.safaricom.co.ke"

	defaultTimeout = 8 * time.Second

	// Refresh the cached token slightly before the provider expires it.
	tokenExpirySlack = 30 * time.Second

	countryPrefix = "254"
)

var (
	ErrNotConfigured = errors.New("mpesa: credentials not configured")
	ErrAuth          = errors.New("mpesa: failed to obtain access token")
	ErrTimeout       = errors.New("mpesa: gateway timed out")
)

// RejectedError is returned when the provider explicitly declines an
// STK push request.
type RejectedError struct {
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mpesa: stk push rejected (code=%s): %s", e.Code, e.Description)
}

type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	PartyB         string
	CallbackURL    string
	BaseURL        string
	Timeout        time.Duration
}

type STKPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type Client struct {
	cfg    Config
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PartyB == "" {
		cfg.PartyB = cfg.Shortcode
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

// Configured reports whether every credential needed for an STK push is
// present. Checked before any network call.
func (c *Client) Configured() error {
	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" ||
		c.cfg.Shortcode == "" || c.cfg.Passkey == "" || c.cfg.CallbackURL == "" {
		return ErrNotConfigured
	}
	return nil
}

// NormalizePhone converts a subscriber number to the international
// format the provider requires: no plus sign, 254 country prefix.
func NormalizePhone(phone string) string {
	p := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	switch {
	case strings.HasPrefix(p, "0"):
		return countryPrefix + p[1:]
	case strings.HasPrefix(p, countryPrefix):
		return p
	default:
		return countryPrefix + p
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenExpirySlack)) {
		return c.token, nil
	}

	var tr tokenResponse
	err := retry.Do(func() error {
		return c.fetchToken(ctx, &tr)
	}, retry.Strategy{Attempts: 3, Delay: 500 * time.Millisecond, Backoff: 2})
	if err != nil {
		return "", err
	}

	ttl := time.Hour
	if secs, convErr := strconv.Atoi(tr.ExpiresIn); convErr == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	c.token = tr.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.token, nil
}

func (c *Client) fetchToken(ctx context.Context, out *tokenResponse) error {
	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s: %s", ErrAuth, resp.Status, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrAuth)
	}
	return nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPush asks the provider to prompt the payer's device for the given
// amount. The request password embeds the call timestamp, so it is
// regenerated per call. Returns the provider's correlation identifiers
// on acceptance.
func (c *Client) STKPush(ctx context.Context, phone string, amount int, accountReference, description string) (*STKPushResult, error) {
	if err := c.Configured(); err != nil {
		return nil, err
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
	msisdn := NormalizePhone(phone)

	payload := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            msisdn,
		PartyB:            c.cfg.PartyB,
		PhoneNumber:       msisdn,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountReference,
		TransactionDesc:   description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mpesa: failed to marshal stk push request: %w", err)
	}

	url := c.cfg.BaseURL + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mpesa: failed to build stk push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("mpesa: stk push request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mpesa: failed to read stk push response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr stkPushError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.ErrorMessage != "" {
			return nil, &RejectedError{Code: apiErr.ErrorCode, Description: apiErr.ErrorMessage}
		}
		return nil, &RejectedError{Code: strconv.Itoa(resp.StatusCode), Description: strings.TrimSpace(string(respBody))}
	}

	var result STKPushResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("mpesa: failed to decode stk push response: %w", err)
	}
	if result.ResponseCode != "0" {
		return nil, &RejectedError{Code: result.ResponseCode, Description: result.ResponseDescription}
	}

	return &result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
