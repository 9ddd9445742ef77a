// Package orders is the store service: it owns order and payment records and
// drives each order through payment and delivery by reacting to the bank's and
// the delivery company's messages.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/idempotency"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
	"github.com/imrishuroy/go-fulfillment-saga/internal/validation"
)

const (
	casAttempts = 5

	alertRefundFailed = "RefundFailed"
)

// Alerter raises an operational alert.
type Alerter interface {
	Alert(ctx context.Context, name, orderID string) error
}

type Options struct {
	// StoreAccount is the bank account that receives payments and funds refunds.
	StoreAccount string
	Alerts       Alerter
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Orchestrator struct {
	store    *Store
	guards   *idempotency.Store
	pub      transport.Publisher
	opts     Options
	log      *slog.Logger
	validate *validatorv10.Validate

	nowFunc func() time.Time
	newID   func() string
}

// NewOrchestrator wires the order saga. guards may be nil when orders are never
// created with an idempotency key.
func NewOrchestrator(store *Store, guards *idempotency.Store, pub transport.Publisher, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		guards:   guards,
		pub:      pub,
		opts:     opts,
		log:      log,
		validate: validation.New(),
		nowFunc:  time.Now,
		newID:    uuid.NewString,
	}
}

// PlaceOrder records a new order and dispatches its payment request. With a
// non-empty idempotencyKey the order is written together with an IN_PROGRESS
// guard; a reused key yields ErrDuplicateRequest and no order.
//
// The order is returned even when the payment request could not be published,
// together with the error; it then stays CREATED until Pay is called.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req validation.CreateOrderRequest, idempotencyKey string) (*Order, error) {
	order := Order{
		OrderID:         o.newID(),
		UserID:          req.UserID,
		ItemID:          req.ItemID,
		ItemName:        req.ItemName,
		Quantity:        req.Quantity,
		UnitPrice:       aws.NewDecimal(req.UnitPrice),
		Amount:          aws.NewDecimal(req.Amount),
		CustomerAccount: req.CustomerAccount,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		DeliveryAddress: req.DeliveryAddress,
		Status:          StatusCreated,
	}

	var (
		created *Order
		err     error
	)
	if idempotencyKey != "" && o.guards != nil {
		guard, gerr := o.guards.TransactCreate(idempotencyKey, order.OrderID, idempotency.StatusInProgress, "")
		if gerr != nil {
			return nil, gerr
		}
		created, err = o.store.CreateWithIdempotencyTransaction(ctx, guard, order)
	} else {
		created, err = o.store.Create(ctx, order)
	}
	if err != nil {
		return nil, err
	}
	o.log.Info("order created", "order_id", created.OrderID, "amount", created.Amount.String())

	if err := o.requestPayment(ctx, created); err != nil {
		return created, err
	}
	return created, nil
}

// Pay re-dispatches the payment request of an order that has not been paid
// yet. The bank keys payments by order, so a repeat never charges twice.
func (o *Orchestrator) Pay(ctx context.Context, orderID string) (*Order, error) {
	order, err := o.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusCreated && order.Status != StatusPaymentPending {
		return nil, fmt.Errorf("pay order %s in %s: %w", orderID, order.Status, ErrInvalidTransition)
	}
	if err := o.requestPayment(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (o *Orchestrator) requestPayment(ctx context.Context, order *Order) error {
	if _, err := o.store.CreatePayment(ctx, Payment{
		OrderID: order.OrderID,
		Kind:    KindPayment,
		Status:  PaymentPending,
		Amount:  order.Amount,
	}); err != nil {
		return err
	}
	if err := o.store.IncrementAttempts(ctx, order.OrderID); err != nil {
		return err
	}
	req := contracts.PaymentRequest{
		OrderID:     order.OrderID,
		FromAccount: order.CustomerAccount,
		ToAccount:   o.opts.StoreAccount,
		Amount:      order.Amount.Decimal,
	}
	if err := o.pub.Publish(ctx, contracts.PaymentRequestKey, req); err != nil {
		return fmt.Errorf("dispatch payment for order %s: %w", order.OrderID, err)
	}
	o.log.Info("payment requested", "order_id", order.OrderID, "from", req.FromAccount, "amount", req.Amount.String())

	if order.Status == StatusCreated {
		// a fast response may already have advanced the order
		if err := o.advance(ctx, order.OrderID, StatusCreated, StatusPaymentPending); err != nil && !errors.Is(err, ErrStatusMismatch) {
			return err
		}
		order.Status = StatusPaymentPending
	}
	return nil
}

// Cancel cancels an order before its delivery has been requested. A paid order
// is refunded.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (*Order, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := o.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch order.Status {
		case StatusCancelled:
			return order, nil
		case StatusCreated, StatusPaymentPending:
			err = o.advance(ctx, orderID, order.Status, StatusCancelled)
		case StatusPaid:
			if order.DeliveryRequested {
				return nil, fmt.Errorf("cancel order %s: delivery already requested: %w", orderID, ErrInvalidTransition)
			}
			err = o.store.CancelUndelivered(ctx, orderID)
			if err == nil {
				o.countTransition(StatusPaid, StatusCancelled)
			}
		default:
			return nil, fmt.Errorf("cancel order %s in %s: %w", orderID, order.Status, ErrInvalidTransition)
		}
		if errors.Is(err, ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		o.log.Info("order cancelled", "order_id", orderID, "from", order.Status)
		order.Status = StatusCancelled
		if err := o.refund(ctx, order, "order cancelled"); err != nil {
			return order, err
		}
		return order, nil
	}
	return nil, fmt.Errorf("cancel order %s: %w", orderID, ErrStatusMismatch)
}

// HandlePaymentResponse consumes payment.response. Refund outcomes share the
// channel and only ever update the refund record.
func (o *Orchestrator) HandlePaymentResponse(ctx context.Context, msg transport.Message) error {
	var resp contracts.PaymentResponse
	if err := msg.Decode(&resp); err != nil {
		return err
	}
	if resp.OrderID == "" {
		return transport.Permanent(errors.New("payment response without orderId"))
	}
	if resp.Status != contracts.PaymentSuccess && resp.Status != contracts.PaymentFailed {
		return transport.Permanent(fmt.Errorf("payment response for order %s: unknown status %q", resp.OrderID, resp.Status))
	}
	log := o.log.With("order_id", resp.OrderID, "routing_key", msg.RoutingKey, "status", string(resp.Status))

	if resp.IsRefund() {
		return o.onRefundResponse(ctx, resp, log)
	}
	o.completePayment(ctx, KindPayment, resp, log)
	if resp.Status == contracts.PaymentFailed {
		return o.onPaymentFailed(ctx, resp, log)
	}
	return o.onPaymentSucceeded(ctx, resp, log)
}

// completePayment closes the PENDING payment record. A record that is already
// closed means this response is a redelivery.
func (o *Orchestrator) completePayment(ctx context.Context, kind string, resp contracts.PaymentResponse, log *slog.Logger) bool {
	status := PaymentSuccess
	if resp.Status == contracts.PaymentFailed {
		status = PaymentFailed
	}
	err := o.store.CompletePayment(ctx, PaymentID(resp.OrderID, kind), status, resp.TransactionID, resp.Message)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrStatusMismatch) && kind == KindPayment && status == PaymentSuccess:
		// a retried request settled after an earlier one failed
		rerr := o.store.ReviseFailedPayment(ctx, PaymentID(resp.OrderID, kind), resp.TransactionID, resp.Message)
		if rerr == nil {
			log.Warn("failed payment record revised to success", "transaction_id", resp.TransactionID)
			return true
		}
		if !errors.Is(rerr, ErrStatusMismatch) {
			log.Error("revise payment record", "error", rerr)
		} else {
			log.Info("payment record already completed", "kind", kind)
		}
	case errors.Is(err, ErrStatusMismatch):
		log.Info("payment record already completed", "kind", kind)
	default:
		log.Error("complete payment record", "kind", kind, "error", err)
	}
	return false
}

func (o *Orchestrator) onPaymentSucceeded(ctx context.Context, resp contracts.PaymentResponse, log *slog.Logger) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := o.load(ctx, resp.OrderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case StatusCreated:
			err = o.advance(ctx, order.OrderID, StatusCreated, StatusPaymentPending)
			if err != nil && !errors.Is(err, ErrStatusMismatch) {
				return err
			}
			continue
		case StatusPaymentPending:
			err = o.store.MarkPaid(ctx, order.OrderID, resp.TransactionID)
			if errors.Is(err, ErrStatusMismatch) {
				continue
			}
			if err != nil {
				return err
			}
			o.countTransition(StatusPaymentPending, StatusPaid)
			log.Info("order paid", "transaction_id", resp.TransactionID)
			order.Status = StatusPaid
			order.PaymentTransactionID = resp.TransactionID
			return o.requestDelivery(ctx, order, log)
		case StatusPaid:
			return o.requestDelivery(ctx, order, log)
		case StatusCancelled, StatusPaymentFailed:
			// an earlier attempt failed or the order was cancelled, yet the bank
			// took the money: hand it back
			if order.PaymentTransactionID == "" {
				recorded, err := o.store.RecordLatePayment(ctx, order.OrderID, order.Status, resp.TransactionID)
				if err != nil {
					return err
				}
				if !recorded {
					continue
				}
				order.PaymentTransactionID = resp.TransactionID
			}
			reason := "payment arrived after cancellation"
			if order.Status == StatusPaymentFailed {
				reason = "payment succeeded after a failed attempt"
			}
			log.Warn(reason, "transaction_id", resp.TransactionID)
			return o.refund(ctx, order, reason)
		default:
			log.Info("payment success ignored", "order_status", order.Status)
			return nil
		}
	}
	return fmt.Errorf("payment success for order %s: %w", resp.OrderID, ErrStatusMismatch)
}

func (o *Orchestrator) onPaymentFailed(ctx context.Context, resp contracts.PaymentResponse, log *slog.Logger) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := o.load(ctx, resp.OrderID)
		if err != nil {
			return err
		}
		if order.Status != StatusCreated && order.Status != StatusPaymentPending {
			log.Info("payment failure ignored", "order_status", order.Status)
			return nil
		}
		if order.Status == StatusCreated {
			err = o.advance(ctx, order.OrderID, StatusCreated, StatusPaymentPending)
		} else {
			err = o.advance(ctx, order.OrderID, StatusPaymentPending, StatusPaymentFailed)
			if err == nil {
				log.Warn("order payment failed", "reason", resp.Message)
				return nil
			}
		}
		if err != nil && !errors.Is(err, ErrStatusMismatch) {
			return err
		}
	}
	return fmt.Errorf("payment failure for order %s: %w", resp.OrderID, ErrStatusMismatch)
}

// requestDelivery publishes the delivery request of a PAID order at most once:
// the delivery-requested flag is claimed first and released if publishing fails.
func (o *Orchestrator) requestDelivery(ctx context.Context, order *Order, log *slog.Logger) error {
	claimed, err := o.store.ClaimDelivery(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("delivery already requested")
		return nil
	}

	req := contracts.DeliveryRequest{
		OrderID:         order.OrderID,
		DeliveryAddress: order.DeliveryAddress,
		CustomerEmail:   order.CustomerEmail,
		CustomerName:    order.CustomerName,
		ItemName:        order.ItemName,
		Quantity:        order.Quantity,
		Timestamp:       contracts.Millis(o.nowFunc()),
	}
	if err := o.pub.Publish(ctx, contracts.DeliveryRequestKey, req); err != nil {
		if _, rerr := o.store.ReleaseDelivery(context.WithoutCancel(ctx), order.OrderID); rerr != nil {
			log.Error("release delivery claim", "error", rerr)
		}
		return fmt.Errorf("dispatch delivery for order %s: %w", order.OrderID, err)
	}
	log.Info("delivery requested")

	err = o.advance(ctx, order.OrderID, StatusPaid, StatusDeliveryRequested)
	if errors.Is(err, ErrStatusMismatch) {
		// a delivery event or a cancellation got there first
		log.Info("order moved on before delivery was marked requested")
		return nil
	}
	return err
}

// HandleDeliveryStatus consumes delivery.status.
func (o *Orchestrator) HandleDeliveryStatus(ctx context.Context, msg transport.Message) error {
	var ev contracts.DeliveryStatusEvent
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	if err := o.validate.Struct(ev); err != nil {
		return transport.Permanent(fmt.Errorf("invalid delivery status for order %q: %w", ev.OrderID, err))
	}
	log := o.log.With("order_id", ev.OrderID, "routing_key", msg.RoutingKey, "delivery_status", string(ev.Status), "tracking_id", ev.TrackingID)

	switch ev.Status {
	case contracts.DeliveryDelivered:
		return o.complete(ctx, ev.OrderID, log)
	case contracts.DeliveryLost, contracts.DeliveryCancelled:
		return o.compensate(ctx, ev, log)
	default:
		log.Debug("delivery progress")
		return nil
	}
}

func (o *Orchestrator) complete(ctx context.Context, orderID string, log *slog.Logger) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := o.load(ctx, orderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case StatusPaid, StatusDeliveryRequested:
			err = o.advance(ctx, orderID, order.Status, StatusCompleted)
			if errors.Is(err, ErrStatusMismatch) {
				continue
			}
			if err == nil {
				log.Info("order completed")
			}
			return err
		case StatusCompleted:
			return nil
		default:
			log.Warn("delivered event ignored", "order_status", order.Status)
			return nil
		}
	}
	return fmt.Errorf("complete order %s: %w", orderID, ErrStatusMismatch)
}

// compensate cancels an order whose delivery was lost or cancelled and refunds
// the customer. The cancellation is final whatever the refund's outcome.
func (o *Orchestrator) compensate(ctx context.Context, ev contracts.DeliveryStatusEvent, log *slog.Logger) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		order, err := o.load(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case StatusPaid, StatusDeliveryRequested:
			err = o.advance(ctx, ev.OrderID, order.Status, StatusCancelled)
			if errors.Is(err, ErrStatusMismatch) {
				continue
			}
			if err != nil {
				return err
			}
			log.Warn("order cancelled after delivery failure", "reason", ev.Message)
			order.Status = StatusCancelled
			return o.refund(ctx, order, "delivery "+string(ev.Status))
		case StatusCancelled:
			return o.refund(ctx, order, "delivery "+string(ev.Status))
		default:
			log.Warn("delivery failure ignored", "order_status", order.Status)
			return nil
		}
	}
	return fmt.Errorf("compensate order %s: %w", ev.OrderID, ErrStatusMismatch)
}

// refund sends money back from the store to the customer for a CANCELLED or
// PAYMENT_FAILED order that was paid. The refund-requested flag makes it happen once.
func (o *Orchestrator) refund(ctx context.Context, order *Order, reason string) error {
	log := o.log.With("order_id", order.OrderID)
	if order.PaymentTransactionID == "" {
		log.Info("nothing to refund", "reason", reason)
		return nil
	}
	claimed, err := o.store.ClaimRefund(ctx, order.OrderID, order.Status)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("refund already requested")
		return nil
	}
	if _, err := o.store.CreatePayment(ctx, Payment{
		OrderID: order.OrderID,
		Kind:    KindRefund,
		Status:  PaymentPending,
		Amount:  order.Amount,
	}); err != nil {
		o.releaseRefund(ctx, order, log)
		return err
	}

	req := contracts.RefundRequest{
		OrderID:       order.OrderID,
		FromAccount:   o.opts.StoreAccount,
		ToAccount:     order.CustomerAccount,
		Amount:        order.Amount.Decimal,
		TransactionID: order.PaymentTransactionID,
	}
	if err := o.pub.Publish(ctx, contracts.RefundRequestKey, req); err != nil {
		o.releaseRefund(ctx, order, log)
		return fmt.Errorf("dispatch refund for order %s: %w", order.OrderID, err)
	}
	log.Info("refund requested", "reason", reason, "transaction_id", order.PaymentTransactionID, "amount", req.Amount.String())
	return nil
}

func (o *Orchestrator) releaseRefund(ctx context.Context, order *Order, log *slog.Logger) {
	if _, err := o.store.ReleaseRefund(context.WithoutCancel(ctx), order.OrderID, order.Status); err != nil {
		log.Error("release refund claim", "error", err)
	}
}

func (o *Orchestrator) onRefundResponse(ctx context.Context, resp contracts.PaymentResponse, log *slog.Logger) error {
	if !o.completePayment(ctx, KindRefund, resp, log) {
		return nil
	}
	if resp.Status == contracts.PaymentSuccess {
		log.Info("refund completed", "transaction_id", resp.TransactionID)
		return nil
	}

	log.Error("refund failed", "reason", resp.Message)
	if o.opts.Metrics != nil {
		o.opts.Metrics.RefundFailures.Inc()
	}
	if o.opts.Alerts != nil {
		if err := o.opts.Alerts.Alert(ctx, alertRefundFailed, resp.OrderID); err != nil {
			log.Error("raise refund alert", "error", err)
		}
	}
	return nil
}

// Get returns an order or ErrOrderNotFound.
func (o *Orchestrator) Get(ctx context.Context, orderID string) (*Order, error) {
	order, err := o.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	return order, nil
}

func (o *Orchestrator) List(ctx context.Context) ([]Order, error) {
	return o.store.List(ctx)
}

// Payments returns an order's payment and refund records.
func (o *Orchestrator) Payments(ctx context.Context, orderID string) ([]Payment, error) {
	if _, err := o.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return o.store.Payments(ctx, orderID)
}

// load is Get for message handlers: an unknown order will never appear, so
// the message is dropped rather than retried.
func (o *Orchestrator) load(ctx context.Context, orderID string) (*Order, error) {
	order, err := o.Get(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, transport.Permanent(err)
	}
	return order, err
}

// advance applies one checked transition of the order state machine.
func (o *Orchestrator) advance(ctx context.Context, orderID, from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	if err := o.store.UpdateStatus(ctx, orderID, from, to); err != nil {
		return err
	}
	o.countTransition(from, to)
	return nil
}

func (o *Orchestrator) countTransition(from, to string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.OrderTransitions.WithLabelValues(from, to).Inc()
	}
}
