package ledger

import (
	"context"
	"fmt"
	"log/slog"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
	"github.com/imrishuroy/go-fulfillment-saga/internal/validation"
)

// Listener answers payment and refund requests. Every request that can be tied
// to an order gets exactly one response: infrastructure faults are retried
// through redelivery and, on the last allowed attempt, answered with FAILED.
type Listener struct {
	svc         *Service
	pub         transport.Publisher
	validate    *validatorv10.Validate
	log         *slog.Logger
	maxAttempts int
}

func NewListener(svc *Service, pub transport.Publisher, log *slog.Logger, maxAttempts int) *Listener {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Listener{svc: svc, pub: pub, validate: validation.New(), log: log, maxAttempts: maxAttempts}
}

func (l *Listener) HandlePayment(ctx context.Context, msg transport.Message) error {
	var req contracts.PaymentRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	return l.serve(ctx, msg, req.OrderID, contracts.KindPayment, req, func(ctx context.Context) (contracts.PaymentResponse, error) {
		return l.svc.Pay(ctx, req)
	})
}

func (l *Listener) HandleRefund(ctx context.Context, msg transport.Message) error {
	var req contracts.RefundRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	return l.serve(ctx, msg, req.OrderID, contracts.KindRefund, req, func(ctx context.Context) (contracts.PaymentResponse, error) {
		return l.svc.Refund(ctx, req)
	})
}

func (l *Listener) serve(ctx context.Context, msg transport.Message, orderID string, kind contracts.PaymentKind, req any, settle func(context.Context) (contracts.PaymentResponse, error)) error {
	if orderID == "" {
		return transport.Permanent(fmt.Errorf("%s request %s has no order id", kind, msg.ID))
	}

	var resp contracts.PaymentResponse
	if err := l.validate.Struct(req); err != nil {
		resp = Failed(orderID, kind, fmt.Sprintf("invalid request: %v", validation.Fields(err)))
	} else {
		var err error
		resp, err = l.settleSafely(ctx, settle)
		if err != nil {
			if msg.ReceiveCount < l.maxAttempts {
				return fmt.Errorf("settle %s for order %s: %w", kind, orderID, err)
			}
			l.log.Error("giving up on request", "order_id", orderID, "kind", kind, "attempts", msg.ReceiveCount, "error", err)
			resp = Failed(orderID, kind, "internal error: "+err.Error())
		}
	}

	if err := l.pub.Publish(ctx, contracts.PaymentResponseKey, resp); err != nil {
		return fmt.Errorf("publish %s response for order %s: %w", kind, orderID, err)
	}
	l.log.Info("response published", "order_id", orderID, "kind", kind, "status", resp.Status, "transaction_id", resp.TransactionID)
	return nil
}

func (l *Listener) settleSafely(ctx context.Context, settle func(context.Context) (contracts.PaymentResponse, error)) (resp contracts.PaymentResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return settle(ctx)
}
