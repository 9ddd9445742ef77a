package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
)

const orderIndex = "order_id-index"

// ErrStatusMismatch is returned when a conditional status update finds the
// order (or payment) in a different state than expected.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Store encapsulates operations on the orders and payments tables.
type Store struct {
	client   aws.DynamoDBAPI
	orders   string
	payments string
	nowFunc  func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, ordersTable, paymentsTable string) *Store {
	return &Store{
		client:   client,
		orders:   ordersTable,
		payments: paymentsTable,
		nowFunc:  time.Now,
	}
}

func (s *Store) stamp(order *Order) {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
}

func (s *Store) put(order Order) (*types.Put, error) {
	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order item: %w", err)
	}
	return &types.Put{
		TableName:           &s.orders,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(order_id)"),
	}, nil
}

// Create stores a new order. order.OrderID must be set by caller.
func (s *Store) Create(ctx context.Context, order Order) (*Order, error) {
	s.stamp(&order)
	put, err := s.put(order)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           put.TableName,
		Item:                put.Item,
		ConditionExpression: put.ConditionExpression,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return nil, fmt.Errorf("order %s already exists: %w", order.OrderID, ErrStatusMismatch)
		}
		return nil, fmt.Errorf("put order: %w", err)
	}
	return &order, nil
}

// CreateWithIdempotencyTransaction atomically creates the idempotency guard and
// the order record. guard is a conditional Put built by the idempotency store;
// if its condition fails the key was already used and ErrDuplicateRequest is
// returned.
func (s *Store) CreateWithIdempotencyTransaction(ctx context.Context, guard types.TransactWriteItem, order Order) (*Order, error) {
	s.stamp(&order)
	put, err := s.put(order)
	if err != nil {
		return nil, err
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{guard, {Put: put}},
	})
	if err != nil {
		if failed, ok := aws.CancelledItems(err); ok {
			if slices.Contains(failed, 0) {
				return nil, ErrDuplicateRequest
			}
			return nil, fmt.Errorf("order %s already exists: %w", order.OrderID, ErrStatusMismatch)
		}
		return nil, fmt.Errorf("transact write: %w", err)
	}
	return &order, nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.orders,
		Key:            map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// List returns every order.
func (s *Store) List(ctx context.Context) ([]Order, error) {
	var (
		out   []Order
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{TableName: &s.orders, ExclusiveStartKey: start})
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	return s.transition(ctx, orderID, expectedStatus, newStatus, "", "", nil)
}

// MarkPaid moves PAYMENT_PENDING -> PAID and records the bank transaction.
func (s *Store) MarkPaid(ctx context.Context, orderID, transactionID string) error {
	return s.transition(ctx, orderID, StatusPaymentPending, StatusPaid,
		"payment_transaction_id = :tx", "",
		map[string]types.AttributeValue{":tx": aws.S(transactionID)})
}

// CancelUndelivered moves PAID -> CANCELLED as long as no delivery has been
// claimed for the order.
func (s *Store) CancelUndelivered(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, StatusPaid, StatusCancelled,
		"", "delivery_requested = :f",
		map[string]types.AttributeValue{":f": aws.Bool(false)})
}

func (s *Store) transition(ctx context.Context, orderID, expected, newStatus, extraSet, extraCond string, extraValues map[string]types.AttributeValue) error {
	now := s.nowFunc().UTC()
	update := "SET #s = :new, updated_at = :ua"
	if extraSet != "" {
		update += ", " + extraSet
	}
	cond := "#s = :expected"
	if extraCond != "" {
		cond += " AND " + extraCond
	}
	values := map[string]types.AttributeValue{
		":new":      aws.S(newStatus),
		":expected": aws.S(expected),
		":ua":       aws.S(now.Format(time.RFC3339Nano)),
	}
	for k, v := range extraValues {
		values[k] = v
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.orders,
		Key:                       map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		UpdateExpression:          &update,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// ClaimDelivery sets the delivery-requested flag on a PAID order. It reports
// false when the flag was already set or the order has moved on.
func (s *Store) ClaimDelivery(ctx context.Context, orderID string) (bool, error) {
	return s.setFlag(ctx, orderID, "delivery_requested", StatusPaid, true)
}

// ReleaseDelivery clears a delivery claim whose request could not be published.
func (s *Store) ReleaseDelivery(ctx context.Context, orderID string) (bool, error) {
	return s.setFlag(ctx, orderID, "delivery_requested", StatusPaid, false)
}

// ClaimRefund sets the refund-requested flag on an order that is still in
// status. Only CANCELLED and PAYMENT_FAILED orders can be refunded.
func (s *Store) ClaimRefund(ctx context.Context, orderID, status string) (bool, error) {
	if !refundable(status) {
		return false, fmt.Errorf("refund order %s in %s: %w", orderID, status, ErrInvalidTransition)
	}
	return s.setFlag(ctx, orderID, "refund_requested", status, true)
}

// ReleaseRefund clears a refund claim whose request could not be published.
func (s *Store) ReleaseRefund(ctx context.Context, orderID, status string) (bool, error) {
	return s.setFlag(ctx, orderID, "refund_requested", status, false)
}

func refundable(status string) bool {
	return status == StatusCancelled || status == StatusPaymentFailed
}

func (s *Store) setFlag(ctx context.Context, orderID, flag, status string, value bool) (bool, error) {
	now := s.nowFunc().UTC()
	update := "SET " + flag + " = :to, updated_at = :ua"
	cond := "#s = :status AND " + flag + " = :from"
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.orders,
		Key:                      map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		UpdateExpression:         &update,
		ConditionExpression:      &cond,
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":     aws.Bool(value),
			":from":   aws.Bool(!value),
			":status": aws.S(status),
			":ua":     aws.S(now.Format(time.RFC3339Nano)),
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("set %s on order %s: %w", flag, orderID, err)
	}
	return true, nil
}

// RecordLatePayment stores the bank transaction of a payment that succeeded
// after the order was cancelled or marked PAYMENT_FAILED, so the refund can
// reference it. It reports false if the order already carries a transaction
// or is no longer in status.
func (s *Store) RecordLatePayment(ctx context.Context, orderID, status, transactionID string) (bool, error) {
	if !refundable(status) {
		return false, fmt.Errorf("record late payment on order %s in %s: %w", orderID, status, ErrInvalidTransition)
	}
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.orders,
		Key:                      map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		UpdateExpression:         aws.String("SET payment_transaction_id = :tx, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :status AND attribute_not_exists(payment_transaction_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tx":     aws.S(transactionID),
			":status": aws.S(status),
			":ua":     aws.S(now.Format(time.RFC3339Nano)),
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("record late payment: %w", err)
	}
	return true, nil
}

// IncrementAttempts increases the payment dispatch counter by 1.
func (s *Store) IncrementAttempts(ctx context.Context, orderID string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName:           &s.orders,
		Key:                 map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		UpdateExpression:    aws.String("SET attempts = attempts + :inc, updated_at = :ua"),
		ConditionExpression: aws.String("attribute_exists(order_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc": &types.AttributeValueMemberN{Value: "1"},
			":ua":  aws.S(now.Format(time.RFC3339Nano)),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	return nil
}

// CreatePayment stores a PENDING payment record. It reports false when the
// record already exists.
func (s *Store) CreatePayment(ctx context.Context, p Payment) (bool, error) {
	if p.PaymentID == "" {
		p.PaymentID = PaymentID(p.OrderID, p.Kind)
	}
	if p.RequestedAt.IsZero() {
		p.RequestedAt = s.nowFunc().UTC()
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return false, fmt.Errorf("marshal payment: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.payments,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(payment_id)"),
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put payment: %w", err)
	}
	return true, nil
}

// CompletePayment moves a PENDING payment record to status. A record that is
// missing or already completed yields ErrStatusMismatch.
func (s *Store) CompletePayment(ctx context.Context, paymentID, status, transactionID, message string) error {
	now := s.nowFunc().UTC()
	update := "SET #s = :new, completed_at = :ca, #m = :msg"
	values := map[string]types.AttributeValue{
		":new":     aws.S(status),
		":pending": aws.S(PaymentPending),
		":ca":      aws.S(now.Format(time.RFC3339Nano)),
		":msg":     aws.S(message),
	}
	if transactionID != "" {
		update += ", bank_transaction_id = :tx"
		values[":tx"] = aws.S(transactionID)
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.payments,
		Key:                       map[string]types.AttributeValue{"payment_id": aws.S(paymentID)},
		UpdateExpression:          &update,
		ConditionExpression:       aws.String("#s = :pending"),
		ExpressionAttributeNames:  map[string]string{"#s": "status", "#m": "message"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("complete payment %s: %w", paymentID, err)
	}
	return nil
}

// ReviseFailedPayment turns a FAILED payment record into SUCCESS when the bank
// later settles a retried request. Any other record yields ErrStatusMismatch.
func (s *Store) ReviseFailedPayment(ctx context.Context, paymentID, transactionID, message string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.payments,
		Key:                      map[string]types.AttributeValue{"payment_id": aws.S(paymentID)},
		UpdateExpression:         aws.String("SET #s = :success, completed_at = :ca, #m = :msg, bank_transaction_id = :tx"),
		ConditionExpression:      aws.String("#s = :failed"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#m": "message"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":success": aws.S(PaymentSuccess),
			":failed":  aws.S(PaymentFailed),
			":ca":      aws.S(now.Format(time.RFC3339Nano)),
			":msg":     aws.S(message),
			":tx":      aws.S(transactionID),
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("revise payment %s: %w", paymentID, err)
	}
	return nil
}

// Payments returns the payment records of an order.
func (s *Store) Payments(ctx context.Context, orderID string) ([]Payment, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:                 &s.payments,
		IndexName:                 aws.String(orderIndex),
		KeyConditionExpression:    aws.String("order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":oid": aws.S(orderID)},
	})
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	payments := make([]Payment, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &payments); err != nil {
		return nil, fmt.Errorf("unmarshal payments: %w", err)
	}
	return payments, nil
}
