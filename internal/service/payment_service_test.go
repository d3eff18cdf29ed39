package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsuppartem/telegram-image2life/internal/config"
	"github.com/itsuppartem/telegram-image2life/internal/models"
	"github.com/itsuppartem/telegram-image2life/internal/telegram"
	"github.com/itsuppartem/telegram-image2life/internal/yookassa"
)

// paymentStore keeps payments next to an accounts store so crediting is
// observable on the user's balance.
type paymentStore struct {
	mu       sync.Mutex
	accounts *accounts
	payments map[string]*models.Payment
}

func newPaymentStore(a *accounts, payments ...models.Payment) *paymentStore {
	s := &paymentStore{accounts: a, payments: make(map[string]*models.Payment)}
	for i := range payments {
		p := payments[i]
		s.payments[p.PaymentID] = &p
	}
	return s
}

func (s *paymentStore) get(id string) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payments[id]
}

func (s *paymentStore) Create(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.PaymentID] = &cp
	return nil
}

func (s *paymentStore) FindByID(_ context.Context, id string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *paymentStore) ListUnsettled(_ context.Context, limit int) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.payments {
		if !p.GenerationsAdded && p.Status != models.PaymentCanceled && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *paymentStore) UpdateStatus(_ context.Context, id string, status models.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[id].Status = status
	return nil
}

func (s *paymentStore) ApplySucceeded(ctx context.Context, id string) (*models.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, false, models.ErrPaymentNotFound
	}
	if p.GenerationsAdded {
		return p, false, nil
	}
	if p.Quantity > 0 {
		if err := s.accounts.AddBalance(ctx, p.ChatID, p.Quantity); err != nil {
			return nil, false, err
		}
	}
	p.Status = models.PaymentSucceeded
	p.GenerationsAdded = true
	cp := *p
	return &cp, true, nil
}

func (s *paymentStore) MarkCanceled(_ context.Context, id, reason, party string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payments[id]
	if p.GenerationsAdded {
		return false, nil
	}
	p.Status = models.PaymentCanceled
	p.CancellationReason = reason
	p.CancellationParty = party
	p.GenerationsAdded = true
	return true, nil
}

type fakeProvider struct {
	created  []yookassa.CreateRequest
	remote   map[string]*yookassa.Payment
	captured []string
	getErr   error
}

func (p *fakeProvider) CreatePayment(_ context.Context, req yookassa.CreateRequest) (*yookassa.Payment, error) {
	p.created = append(p.created, req)
	id := fmt.Sprintf("pay-%d", len(p.created))
	return &yookassa.Payment{
		ID:           id,
		Status:       "pending",
		Confirmation: &yookassa.Confirmation{Type: "redirect", ConfirmationURL: "https://yoomoney.ru/checkout/" + id},
	}, nil
}

func (p *fakeProvider) GetPayment(_ context.Context, id string) (*yookassa.Payment, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	remote, ok := p.remote[id]
	if !ok {
		return nil, fmt.Errorf("get payment %s: %w", id, yookassa.ErrNotFound)
	}
	return remote, nil
}

func (p *fakeProvider) CapturePayment(_ context.Context, id string, amount yookassa.Amount) (*yookassa.Payment, error) {
	p.captured = append(p.captured, id)
	return &yookassa.Payment{ID: id, Status: "succeeded", Amount: amount}, nil
}

type sentMessage struct {
	chatID  int64
	text    string
	buttons []telegram.Button
}

type fakeNotifier struct {
	mu    sync.Mutex
	user  []sentMessage
	admin []string
}

func (n *fakeNotifier) NotifyUser(_ context.Context, chatID int64, text string, buttons ...telegram.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.user = append(n.user, sentMessage{chatID: chatID, text: text, buttons: buttons})
	return nil
}

func (n *fakeNotifier) NotifyAdmin(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, text)
	return nil
}

type paymentHarness struct {
	svc      *PaymentService
	accounts *accounts
	store    *paymentStore
	provider *fakeProvider
	notifier *fakeNotifier
}

func newPaymentHarness(payments ...models.Payment) *paymentHarness {
	acc := newAccounts(models.User{ChatID: 1, Balance: 0})
	h := &paymentHarness{
		accounts: acc,
		store:    newPaymentStore(acc, payments...),
		provider: &fakeProvider{remote: map[string]*yookassa.Payment{}},
		notifier: &fakeNotifier{},
	}
	cfg := config.Config{BotUsername: "ozhivi_bot", PaymentCurrency: "RUB"}
	h.svc = NewPaymentService(cfg, discardLogger(), h.store, &userStore{accounts: acc}, h.provider, h.notifier)
	return h
}

func pendingPayment(id string, quantity int) models.Payment {
	return models.Payment{PaymentID: id, ChatID: 1, ItemName: "10 оживашек", Quantity: quantity, Price: 200, Status: models.PaymentPending}
}

func TestCreatePayment(t *testing.T) {
	h := newPaymentHarness()

	link, err := h.svc.CreatePayment(context.Background(), 1, PaymentRequest{ItemName: "10 оживашек", Quantity: 10, Price: 200})
	require.NoError(t, err)
	assert.Equal(t, "pay-1", link.PaymentID)
	assert.Equal(t, "https://yoomoney.ru/checkout/pay-1", link.PaymentURL)

	require.Len(t, h.provider.created, 1)
	req := h.provider.created[0]
	assert.Equal(t, yookassa.Amount{Value: "200.00", Currency: "RUB"}, req.Amount)
	assert.Equal(t, "https://t.me/ozhivi_bot", req.Confirmation.ReturnURL)
	assert.True(t, req.Capture)
	assert.Equal(t, "10 оживашек для Оживи Рисунок (user 1)", req.Description)
	assert.Equal(t, "10", req.Metadata["quantity"])

	stored := h.store.get("pay-1")
	assert.Equal(t, models.PaymentPending, stored.Status)
	assert.False(t, stored.GenerationsAdded)
}

func TestCreatePayment_Validation(t *testing.T) {
	h := newPaymentHarness()

	_, err := h.svc.CreatePayment(context.Background(), 1, PaymentRequest{ItemName: "x", Quantity: 0, Price: 10})
	require.ErrorIs(t, err, ErrInvalidPayment)
	_, err = h.svc.CreatePayment(context.Background(), 42, PaymentRequest{ItemName: "x", Quantity: 1, Price: 10})
	require.ErrorIs(t, err, models.ErrUserNotFound)
	assert.Empty(t, h.provider.created)
}

func TestSyncPending_SucceededCreditsOnce(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 10))
	h.provider.remote["p1"] = &yookassa.Payment{ID: "p1", Status: "succeeded"}

	n, err := h.svc.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, h.accounts.get(1).Balance)
	assert.True(t, h.store.get("p1").GenerationsAdded)

	require.Len(t, h.notifier.user, 1)
	assert.Contains(t, h.notifier.user[0].text, "<b>10 оживашек</b>")
	assert.Equal(t, "generate_drawing", h.notifier.user[0].buttons[0].CallbackData)
	require.Len(t, h.notifier.admin, 1)

	// Replays from both the poller and the webhook are no-ops.
	n, err = h.svc.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, h.svc.HandleWebhook(context.Background(),
		[]byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"p1","status":"succeeded"}}`)))
	assert.Equal(t, 10, h.accounts.get(1).Balance)
	assert.Len(t, h.notifier.user, 1)
}

func TestHandleWebhook_Succeeded(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 3))
	h.provider.remote["p1"] = &yookassa.Payment{ID: "p1", Status: "succeeded"}

	require.NoError(t, h.svc.HandleWebhook(context.Background(),
		[]byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"p1","status":"succeeded"}}`)))
	assert.Equal(t, 3, h.accounts.get(1).Balance)
	assert.Contains(t, h.notifier.user[0].text, "3 оживашки")
}

func TestHandleWebhook_DoesNotTrustBody(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 3))
	h.provider.remote["p1"] = &yookassa.Payment{ID: "p1", Status: "pending"}

	require.NoError(t, h.svc.HandleWebhook(context.Background(),
		[]byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"p1","status":"succeeded"}}`)))
	assert.Equal(t, 0, h.accounts.get(1).Balance)
	assert.False(t, h.store.get("p1").GenerationsAdded)
}

func TestHandleWebhook_Errors(t *testing.T) {
	h := newPaymentHarness()

	err := h.svc.HandleWebhook(context.Background(), []byte(`{`))
	require.ErrorIs(t, err, ErrInvalidPayment)

	err = h.svc.HandleWebhook(context.Background(), []byte(`{"object":{"id":"missing"}}`))
	require.ErrorIs(t, err, models.ErrPaymentNotFound)
}

func TestSyncPending_Canceled(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 10))
	h.provider.remote["p1"] = &yookassa.Payment{ID: "p1", Status: "canceled",
		CancellationDetails: &yookassa.CancellationDetails{Party: "yoo_money", Reason: "expired_on_confirmation"}}

	_, err := h.svc.SyncPending(context.Background())
	require.NoError(t, err)

	p := h.store.get("p1")
	assert.Equal(t, models.PaymentCanceled, p.Status)
	assert.Equal(t, "expired_on_confirmation", p.CancellationReason)
	assert.True(t, p.GenerationsAdded)
	assert.Equal(t, 0, h.accounts.get(1).Balance)
	require.Len(t, h.notifier.user, 1)
	assert.True(t, strings.HasPrefix(h.notifier.user[0].text, "😔"))
	assert.Contains(t, h.notifier.admin[0], "expired_on_confirmation (yoo_money)")
}

func TestSyncPending_NotFoundAtProvider(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 10))

	_, err := h.svc.SyncPending(context.Background())
	require.NoError(t, err)

	p := h.store.get("p1")
	assert.Equal(t, models.PaymentCanceled, p.Status)
	assert.Equal(t, "not_found_in_yookassa", p.CancellationReason)
	assert.Empty(t, h.notifier.user)
}

func TestSyncPending_CapturesAndCredits(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 10))
	h.provider.remote["p1"] = &yookassa.Payment{ID: "p1", Status: "waiting_for_capture",
		Amount: yookassa.Amount{Value: "200.00", Currency: "RUB"}}

	_, err := h.svc.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, h.provider.captured)
	assert.Equal(t, 10, h.accounts.get(1).Balance)
	assert.Len(t, h.notifier.admin, 2)
}

func TestSyncPending_ZeroQuantity(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 0))
	h.provider.remote["p1"] = &yookassa.Payment{ID: "p1", Status: "succeeded"}

	_, err := h.svc.SyncPending(context.Background())
	require.NoError(t, err)
	assert.True(t, h.store.get("p1").GenerationsAdded)
	assert.Equal(t, 0, h.accounts.get(1).Balance)
	assert.Empty(t, h.notifier.user)
	require.Len(t, h.notifier.admin, 1)
	assert.Contains(t, h.notifier.admin[0], "Некорректное кол-во (0)")
}

func TestSyncPending_PendingStatusUpdates(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 1))
	h.provider.remote["p1"] = &yookassa.Payment{ID: "p1", Status: "pending"}

	_, err := h.svc.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, h.store.get("p1").Status)
	assert.Empty(t, h.notifier.admin)
}

func TestSyncPending_ProviderErrorsDoNotStopBatch(t *testing.T) {
	h := newPaymentHarness(pendingPayment("p1", 1), pendingPayment("p2", 1))
	h.provider.getErr = errors.New("connection reset")

	n, err := h.svc.SyncPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, h.store.get("p1").GenerationsAdded)
}
