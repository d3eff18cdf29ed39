// Package yookassa is a small client for the YooKassa v3 payments API.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.yookassa.ru/v3"

// ErrNotFound is returned when the provider does not know the payment.
var ErrNotFound = errors.New("yookassa: payment not found")

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// NewAmount formats a price the way the API expects it ("250.00").
func NewAmount(price float64, currency string) Amount {
	return Amount{Value: fmt.Sprintf("%.2f", price), Currency: currency}
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type CancellationDetails struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

type Payment struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Paid                bool                 `json:"paid"`
	Amount              Amount               `json:"amount"`
	Description         string               `json:"description,omitempty"`
	Confirmation        *Confirmation        `json:"confirmation,omitempty"`
	CancellationDetails *CancellationDetails `json:"cancellation_details,omitempty"`
	Metadata            map[string]string    `json:"metadata,omitempty"`
}

type CreateRequest struct {
	Amount       Amount            `json:"amount"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Capture      bool              `json:"capture"`
}

// Notification is the body YooKassa posts to the webhook URL.
type Notification struct {
	Type   string  `json:"type"`
	Event  string  `json:"event"`
	Object Payment `json:"object"`
}

type Client struct {
	shopID     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

func NewClient(shopID, secretKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		shopID:     shopID,
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	p, err := c.do(ctx, http.MethodPost, "/payments", req, true)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if p.ID == "" || p.Confirmation == nil || p.Confirmation.ConfirmationURL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if p.Status == "" {
		p.Status = "pending"
	}
	return p, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	p, err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, nil, false)
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	return p, nil
}

func (c *Client) CapturePayment(ctx context.Context, paymentID string, amount Amount) (*Payment, error) {
	body := map[string]Amount{"amount": amount}
	p, err := c.do(ctx, http.MethodPost, "/payments/"+paymentID+"/capture", body, true)
	if err != nil {
		return nil, fmt.Errorf("capture payment %s: %w", paymentID, err)
	}
	return p, nil
}

// ParseNotification decodes a webhook body.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}
	if n.Object.ID == "" {
		return nil, fmt.Errorf("webhook missing payment id")
	}
	return &n, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, idempotent bool) (*Payment, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotent {
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}
	req.SetBasicAuth(c.shopID, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read yookassa response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("yookassa error: status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}

	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	return &p, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
