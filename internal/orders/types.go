package orders

import (
	"errors"
	"slices"
	"time"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
)

// Order statuses
const (
	StatusCreated           = "CREATED"
	StatusPaymentPending    = "PAYMENT_PENDING"
	StatusPaid              = "PAID"
	StatusDeliveryRequested = "DELIVERY_REQUESTED"
	StatusCompleted         = "COMPLETED"
	StatusPaymentFailed     = "PAYMENT_FAILED"
	StatusCancelled         = "CANCELLED"
)

// Payment record statuses
const (
	PaymentPending = "PENDING"
	PaymentSuccess = "SUCCESS"
	PaymentFailed  = "FAILED"
)

// Payment record kinds
const (
	KindPayment = "PAYMENT"
	KindRefund  = "REFUND"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrDuplicateRequest  = errors.New("idempotency key already used")
)

var transitions = map[string][]string{
	StatusCreated:           {StatusPaymentPending, StatusCancelled},
	StatusPaymentPending:    {StatusPaid, StatusPaymentFailed, StatusCancelled},
	StatusPaid:              {StatusDeliveryRequested, StatusCompleted, StatusCancelled},
	StatusDeliveryRequested: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the order state machine allows from -> to.
func CanTransition(from, to string) bool {
	return slices.Contains(transitions[from], to)
}

// IsTerminal reports whether an order in status s can never change again.
func IsTerminal(s string) bool {
	return len(transitions[s]) == 0
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID         string      `dynamodbav:"order_id" json:"orderId"` // PK
	UserID          string      `dynamodbav:"user_id" json:"userId"`
	ItemID          string      `dynamodbav:"item_id" json:"itemId"`
	ItemName        string      `dynamodbav:"item_name" json:"itemName"`
	Quantity        int         `dynamodbav:"quantity" json:"quantity"`
	UnitPrice       aws.Decimal `dynamodbav:"unit_price" json:"unitPrice"`
	Amount          aws.Decimal `dynamodbav:"amount" json:"amount"`
	CustomerAccount string      `dynamodbav:"customer_account" json:"customerAccount"`
	CustomerName    string      `dynamodbav:"customer_name" json:"customerName"`
	CustomerEmail   string      `dynamodbav:"customer_email" json:"customerEmail"`
	DeliveryAddress string      `dynamodbav:"delivery_address" json:"deliveryAddress"`
	Status          string      `dynamodbav:"status" json:"status"`

	// DeliveryRequested and RefundRequested are claimed with a conditional
	// write before the matching request is published, and released again if
	// the publish fails.
	DeliveryRequested bool `dynamodbav:"delivery_requested" json:"deliveryRequested"`
	RefundRequested   bool `dynamodbav:"refund_requested" json:"refundRequested"`

	PaymentTransactionID string    `dynamodbav:"payment_transaction_id,omitempty" json:"paymentTransactionId,omitempty"`
	Attempts             int       `dynamodbav:"attempts" json:"attempts"` // payment dispatches
	CreatedAt            time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt            time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// Payment is one payment or refund attempt against the bank, stored in the
// payments table under "<orderId>#<KIND>".
type Payment struct {
	PaymentID         string      `dynamodbav:"payment_id" json:"paymentId"` // PK
	OrderID           string      `dynamodbav:"order_id" json:"orderId"`     // GSI order_id-index
	Kind              string      `dynamodbav:"kind" json:"kind"`
	Status            string      `dynamodbav:"status" json:"status"`
	Amount            aws.Decimal `dynamodbav:"amount" json:"amount"`
	BankTransactionID string      `dynamodbav:"bank_transaction_id,omitempty" json:"bankTransactionId,omitempty"`
	Message           string      `dynamodbav:"message,omitempty" json:"message,omitempty"`
	RequestedAt       time.Time   `dynamodbav:"requested_at" json:"requestedAt"`
	CompletedAt       *time.Time  `dynamodbav:"completed_at,omitempty" json:"completedAt,omitempty"`
}

// PaymentID is the payments table key for an order's payment of kind.
func PaymentID(orderID, kind string) string {
	return orderID + "#" + kind
}
