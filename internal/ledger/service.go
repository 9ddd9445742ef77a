// Package ledger is the bank: accounts, balance movements and the append-only
// transaction log, plus the message listener that serves payment and refund
// requests from the order saga.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
)

type Service struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, log: log, metrics: m}
}

func (s *Service) CreateAccount(ctx context.Context, number string, initial decimal.Decimal) (*Account, error) {
	if initial.IsNegative() {
		return nil, fmt.Errorf("initial balance %s: %w", initial, ErrInvalidAmount)
	}
	acct, err := s.store.CreateAccount(ctx, number, initial)
	if err != nil {
		return nil, err
	}
	s.log.Info("account created", "account", number, "balance", initial.String())
	return acct, nil
}

func (s *Service) GetAccount(ctx context.Context, number string) (*Account, error) {
	return s.store.GetAccount(ctx, number)
}

func (s *Service) TopUp(ctx context.Context, number string, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("top up %s: %w", amount, ErrInvalidAmount)
	}
	return s.store.Adjust(ctx, number, amount)
}

func (s *Service) Deduct(ctx context.Context, number string, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deduct %s: %w", amount, ErrInvalidAmount)
	}
	return s.store.Adjust(ctx, number, amount.Neg())
}

// Transfer moves amount between two accounts atomically. A repeated request key
// returns the original transaction with Replayed set.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (*Transaction, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("transfer %s: %w", in.Amount, ErrInvalidAmount)
	}
	if in.FromAccount == in.ToAccount {
		return nil, ErrSameAccount
	}
	if in.Kind == "" {
		in.Kind = KindTransfer
	}

	txn, err := s.store.Transfer(ctx, in)
	if errors.Is(err, ErrDuplicateRequest) {
		id, rerr := s.store.Replay(ctx, in.RequestKey)
		if rerr != nil {
			return nil, rerr
		}
		s.log.Info("transfer replayed", "request_key", in.RequestKey, "transaction_id", id, "order_id", in.OrderID)
		return &Transaction{
			TransactionID: id,
			FromAccount:   in.FromAccount,
			ToAccount:     in.ToAccount,
			Amount:        aws.NewDecimal(in.Amount),
			Status:        StatusCompleted,
			Kind:          in.Kind,
			OrderID:       in.OrderID,
			Replayed:      true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("transfer completed",
		"transaction_id", txn.TransactionID,
		"order_id", in.OrderID,
		"kind", in.Kind,
		"from", in.FromAccount,
		"to", in.ToAccount,
		"amount", in.Amount.String(),
	)
	return txn, nil
}

// Pay settles a payment request. Business failures come back as a FAILED
// response; the error is reserved for faults worth retrying.
func (s *Service) Pay(ctx context.Context, req contracts.PaymentRequest) (contracts.PaymentResponse, error) {
	return s.settle(ctx, contracts.KindPayment, TransferInput{
		FromAccount: req.FromAccount,
		ToAccount:   req.ToAccount,
		Amount:      req.Amount,
		OrderID:     req.OrderID,
		Kind:        KindPayment,
		RequestKey:  RequestKey(contracts.KindPayment, req.OrderID),
	})
}

// Refund settles a compensating refund, at most once per order.
func (s *Service) Refund(ctx context.Context, req contracts.RefundRequest) (contracts.PaymentResponse, error) {
	return s.settle(ctx, contracts.KindRefund, TransferInput{
		FromAccount: req.FromAccount,
		ToAccount:   req.ToAccount,
		Amount:      req.Amount,
		OrderID:     req.OrderID,
		Kind:        KindRefund,
		RequestKey:  RequestKey(contracts.KindRefund, req.OrderID),
	})
}

// RequestKey is the idempotency key for an asynchronous request.
func RequestKey(kind contracts.PaymentKind, orderID string) string {
	return string(kind) + ":" + orderID
}

func (s *Service) settle(ctx context.Context, kind contracts.PaymentKind, in TransferInput) (contracts.PaymentResponse, error) {
	txn, err := s.Transfer(ctx, in)
	if err != nil {
		if !IsBusiness(err) {
			return contracts.PaymentResponse{}, err
		}
		s.log.Warn("transfer rejected", "order_id", in.OrderID, "kind", kind, "error", err)
		s.count(kind, contracts.PaymentFailed)
		return Failed(in.OrderID, kind, err.Error()), nil
	}

	s.count(kind, contracts.PaymentSuccess)
	msg := "Payment processed successfully"
	if kind == contracts.KindRefund {
		msg = "Refund processed successfully"
	}
	if txn.Replayed {
		msg += " (already processed)"
	}
	return contracts.PaymentResponse{
		OrderID:       in.OrderID,
		Status:        contracts.PaymentSuccess,
		Kind:          kind,
		TransactionID: txn.TransactionID,
		Message:       msg,
	}, nil
}

// Failed builds a FAILED response.
func Failed(orderID string, kind contracts.PaymentKind, message string) contracts.PaymentResponse {
	return contracts.PaymentResponse{
		OrderID: orderID,
		Status:  contracts.PaymentFailed,
		Kind:    kind,
		Message: message,
	}
}

func (s *Service) Transactions(ctx context.Context, orderID string) ([]Transaction, error) {
	return s.store.Transactions(ctx, orderID)
}

func (s *Service) count(kind contracts.PaymentKind, status contracts.PaymentStatus) {
	if s.metrics != nil {
		s.metrics.Transfers.WithLabelValues(string(kind), string(status)).Inc()
	}
}
