package yookassa

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("shop", "secret", srv.URL, time.Second)
}

func TestCreatePayment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotence-Key"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "shop", user)
		assert.Equal(t, "secret", pass)

		var req CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "250.00", req.Amount.Value)
		assert.True(t, req.Capture)
		assert.Equal(t, "7", req.Metadata["chat_id"])

		_, _ = io.WriteString(w, `{"id":"pay-1","status":"pending","confirmation":{"type":"redirect","confirmation_url":"https://yoomoney.ru/checkout/pay-1"}}`)
	})

	p, err := client.CreatePayment(context.Background(), CreateRequest{
		Amount:       NewAmount(250, "RUB"),
		Confirmation: Confirmation{Type: "redirect", ReturnURL: "https://t.me/bot"},
		Metadata:     map[string]string{"chat_id": "7"},
		Capture:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pay-1", p.ID)
	assert.Equal(t, "https://yoomoney.ru/checkout/pay-1", p.Confirmation.ConfirmationURL)
}

func TestCreatePayment_MissingConfirmation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"pay-1","status":"pending"}`)
	})

	_, err := client.CreatePayment(context.Background(), CreateRequest{Amount: NewAmount(1, "RUB")})
	require.Error(t, err)
}

func TestGetPayment_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Idempotence-Key"))
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"type":"error","code":"not_found"}`)
	})

	_, err := client.GetPayment(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPayment_Canceled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/pay-2", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"pay-2","status":"canceled","cancellation_details":{"party":"yoo_money","reason":"expired_on_confirmation"}}`)
	})

	p, err := client.GetPayment(context.Background(), "pay-2")
	require.NoError(t, err)
	assert.Equal(t, "canceled", p.Status)
	assert.Equal(t, "expired_on_confirmation", p.CancellationDetails.Reason)
}

func TestCapturePayment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/pay-3/capture", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotence-Key"))
		_, _ = io.WriteString(w, `{"id":"pay-3","status":"succeeded"}`)
	})

	p, err := client.CapturePayment(context.Background(), "pay-3", NewAmount(99.9, "RUB"))
	require.NoError(t, err)
	assert.Equal(t, "succeeded", p.Status)
}

func TestServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetPayment(context.Background(), "pay-4")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestParseNotification(t *testing.T) {
	n, err := ParseNotification([]byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded"}}`))
	require.NoError(t, err)
	assert.Equal(t, "payment.succeeded", n.Event)
	assert.Equal(t, "pay-1", n.Object.ID)

	_, err = ParseNotification([]byte(`{"object":{}}`))
	require.Error(t, err)
	_, err = ParseNotification([]byte(`nope`))
	require.Error(t, err)
}
