package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"grepud/internal/errs"
	"grepud/internal/gateway"
	"grepud/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrStaleCache wraps the refresh failure that follows a successful create
// or pay: the mutation went through but the cached list was not updated.
var ErrStaleCache = errors.New("order list could not be refreshed")

var paymentKeySpace = uuid.MustParse("6f1d3c8e-52a4-4c8b-9a57-0d7b6e2f41a9")

// PaymentKey is the idempotency key for paying orderID. It is stable so a
// retried payment is recognised by the server.
func PaymentKey(orderID string) string {
	return uuid.NewSHA1(paymentKeySpace, []byte(orderID)).String()
}

type OrderOption func(*OrderWorkflow)

// WithUnauthorizedHook runs fn whenever the gateway refuses the credential.
func WithUnauthorizedHook(fn func(ctx context.Context)) OrderOption {
	return func(w *OrderWorkflow) {
		w.onUnauthorized = fn
	}
}

// OrderWorkflow keeps a client-side copy of the user's orders. The copy is
// only ever replaced by a fresh server snapshot, never patched locally.
type OrderWorkflow struct {
	api            *gateway.Client
	logger         zerolog.Logger
	onUnauthorized func(ctx context.Context)

	mu     sync.RWMutex
	orders []models.Order
	loaded bool

	creating atomic.Bool
	paying   atomic.Bool
}

func NewOrderWorkflow(api *gateway.Client, logger zerolog.Logger, opts ...OrderOption) *OrderWorkflow {
	w := &OrderWorkflow{
		api:    api,
		logger: logger,
		orders: []models.Order{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ListOrders fetches the full list and replaces the cache with it. A
// response that arrives after ctx is done is dropped.
func (w *OrderWorkflow) ListOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	if err := w.api.Do(ctx, http.MethodGet, "/order/list", nil, &orders); err != nil {
		w.rejected(ctx, err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		w.logger.Debug().Msg("Order list arrived after cancellation, discarded")
		return nil, fmt.Errorf("order list discarded: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}

	w.mu.Lock()
	w.warnRegressions(orders)
	w.orders = orders
	w.loaded = true
	w.mu.Unlock()

	return cloneOrders(orders), nil
}

// CreateOrder asks the server to create an order and then reloads the list.
// Nothing is inserted into the cache until the server lists it.
func (w *OrderWorkflow) CreateOrder(ctx context.Context, item string, price int64) error {
	item = strings.TrimSpace(item)
	if item == "" {
		return errs.NewInvalid("item is required")
	}
	if price < 0 {
		return errs.NewInvalid("price must not be negative")
	}

	if !w.creating.CompareAndSwap(false, true) {
		return errs.WrapInvalid(fmt.Errorf("create order: %w", ErrBusy))
	}
	defer w.creating.Store(false)

	key := uuid.NewString()
	err := w.api.Do(ctx, http.MethodPost, "/order/create",
		models.CreateOrderRequest{Item: item, Price: price}, nil,
		gateway.WithIdempotencyKey(key),
	)
	if err != nil {
		w.rejected(ctx, err)
		w.logger.Warn().Err(err).Str("item", item).Int64("price", price).Msg("Create order failed")
		return err
	}

	w.logger.Info().Str("item", item).Int64("price", price).Str("idempotency_key", key).Msg("Order created")
	if _, err := w.ListOrders(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStaleCache, err)
	}
	return nil
}

// PayOrder pays orderID. The caller must pass the cached price of the order
// as amount; it is forwarded unchecked. On success the list is reloaded to
// observe the new status instead of flipping it locally.
func (w *OrderWorkflow) PayOrder(ctx context.Context, orderID string, amount int64) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errs.NewInvalid("order id is required")
	}
	if amount < 0 {
		return errs.NewInvalid("amount must not be negative")
	}

	if !w.paying.CompareAndSwap(false, true) {
		return errs.WrapInvalid(fmt.Errorf("pay order: %w", ErrBusy))
	}
	defer w.paying.Store(false)

	var resp models.PaymentResponse
	err := w.api.Do(ctx, http.MethodPost, "/payment/pay",
		models.PaymentRequest{OrderID: orderID, Amount: amount}, &resp,
		gateway.WithIdempotencyKey(PaymentKey(orderID)),
	)
	if err != nil {
		w.rejected(ctx, err)
		w.logger.Warn().Err(err).Str("order_id", orderID).Int64("amount", amount).Msg("Payment failed")
		return err
	}

	w.logger.Info().Str("order_id", orderID).Int64("amount", amount).Msg("Payment accepted")
	if _, err := w.ListOrders(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStaleCache, err)
	}
	return nil
}

// Orders returns a copy of the cached list.
func (w *OrderWorkflow) Orders() []models.Order {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneOrders(w.orders)
}

func (w *OrderWorkflow) Find(orderID string) (models.Order, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, o := range w.orders {
		if o.ID == orderID {
			return o, true
		}
	}
	return models.Order{}, false
}

// Loaded reports whether at least one snapshot has been applied.
func (w *OrderWorkflow) Loaded() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loaded
}

func (w *OrderWorkflow) Creating() bool {
	return w.creating.Load()
}

func (w *OrderWorkflow) Paying() bool {
	return w.paying.Load()
}

func (w *OrderWorkflow) rejected(ctx context.Context, err error) {
	if w.onUnauthorized != nil && errs.IsUnauthorized(err) {
		w.onUnauthorized(context.WithoutCancel(ctx))
	}
}

// warnRegressions logs paid orders that come back pending. Caller holds mu.
func (w *OrderWorkflow) warnRegressions(next []models.Order) {
	prev := make(map[string]models.OrderStatus, len(w.orders))
	for _, o := range w.orders {
		prev[o.ID] = o.Status
	}
	for _, o := range next {
		if prev[o.ID] == models.OrderStatusPaid && o.Status != models.OrderStatusPaid {
			w.logger.Warn().Str("order_id", o.ID).Str("status", string(o.Status)).Msg("Server reports paid order as unpaid")
		}
	}
}

func cloneOrders(orders []models.Order) []models.Order {
	out := make([]models.Order, len(orders))
	copy(out, orders)
	return out
}
