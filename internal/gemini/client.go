// Package gemini calls the Gemini generateContent endpoint to turn one source
// image into one generated image.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel   = "gemini-2.0-flash-preview-image-generation"
)

var (
	// ErrNotSent means the request never reached the provider, so it must not
	// be charged against the key's quota.
	ErrNotSent             = errors.New("gemini: request not sent")
	ErrRateLimited         = errors.New("gemini: rate limited")
	ErrAuthFailed          = errors.New("gemini: authentication failed")
	ErrInvalidRequest      = errors.New("gemini: invalid request")
	ErrProviderUnavailable = errors.New("gemini: provider unavailable")
)

// BlockedError is returned when the provider's safety filter refused the
// request.
type BlockedError struct {
	Reason  string
	Message string
}

func (e *BlockedError) Error() string {
	if e.Message == "" {
		return "gemini: generation blocked: " + e.Reason
	}
	return fmt.Sprintf("gemini: generation blocked: %s - %s", e.Reason, e.Message)
}

// blockedFinishReasons are candidate finish reasons that mean the output was
// withheld by a safety filter.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"IMAGE_SAFETY":       true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
}

type Image struct {
	Data     []byte
	MimeType string
}

type Client struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	log         *slog.Logger
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		model:       DefaultModel,
		temperature: 0.6,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature        float64  `json:"temperature"`
	CandidateCount     int      `json:"candidateCount"`
	ResponseModalities []string `json:"responseModalities"`
}

type response struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason        string `json:"blockReason"`
		BlockReasonMessage string `json:"blockReasonMessage"`
	} `json:"promptFeedback"`
}

// GenerateOne sends the prompt and the source image using apiKey. It returns
// a nil image and nil error when the response carried no image.
func (c *Client) GenerateOne(ctx context.Context, apiKey, prompt string, src Image) (*Image, error) {
	body, err := json.Marshal(request{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: src.MimeType, Data: base64.StdEncoding.EncodeToString(src.Data)}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:        c.temperature,
			CandidateCount:     1,
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrNotSent, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)

	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrNotSent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if !wrote.Load() {
			return nil, fmt.Errorf("%w: %v", ErrNotSent, err)
		}
		return nil, fmt.Errorf("post gemini: %w", err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}
	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w (body=%s)", err, truncateBody(raw))
	}

	if fb := parsed.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return nil, &BlockedError{Reason: fb.BlockReason, Message: fb.BlockReasonMessage}
	}
	if len(parsed.Candidates) == 0 {
		return nil, nil
	}
	cand := parsed.Candidates[0]
	for _, p := range cand.Content.Parts {
		if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "image/") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("decode inline image: %w", err)
		}
		return &Image{Data: data, MimeType: p.InlineData.MimeType}, nil
	}
	if blockedFinishReasons[cand.FinishReason] {
		return nil, &BlockedError{Reason: cand.FinishReason}
	}
	if c.log != nil {
		c.log.Warn("gemini response without image", "finish_reason", cand.FinishReason)
	}
	return nil, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, truncateBody(body))
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, truncateBody(body))
	default:
		return fmt.Errorf("%w: status=%d body=%s", ErrProviderUnavailable, resp.StatusCode, truncateBody(body))
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
