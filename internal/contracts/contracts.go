// Package contracts holds the message schema shared by every saga service:
// routing keys, the queue topology and the payloads carried on each channel.
package contracts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
)

const (
	BankExchange     = "bank.exchange"
	DeliveryExchange = "delivery.exchange"
	EmailExchange    = "email.exchange"
)

const (
	PaymentRequestKey  = "payment.request"
	PaymentResponseKey = "payment.response"
	RefundRequestKey   = "refund.request"
	DeliveryRequestKey = "delivery.request"
	DeliveryStatusKey  = "delivery.status"
	EmailRequestKey    = "email.request"
)

const (
	PaymentRequestQueue  = "payment.request.queue"
	PaymentResponseQueue = "payment.response.queue"
	RefundRequestQueue   = "refund.request.queue"
	DeliveryRequestQueue = "delivery.request.queue"
	DeliveryStatusQueue  = "delivery.status.queue"
	EmailRequestQueue    = "email.request.queue"
)

// Topology is the full set of bindings. Every service declares all of it so
// start order does not matter.
func Topology() []transport.Binding {
	return []transport.Binding{
		{Exchange: BankExchange, RoutingKey: PaymentRequestKey, Queue: PaymentRequestQueue},
		{Exchange: BankExchange, RoutingKey: PaymentResponseKey, Queue: PaymentResponseQueue},
		{Exchange: BankExchange, RoutingKey: RefundRequestKey, Queue: RefundRequestQueue},
		{Exchange: DeliveryExchange, RoutingKey: DeliveryRequestKey, Queue: DeliveryRequestQueue},
		{Exchange: DeliveryExchange, RoutingKey: DeliveryStatusKey, Queue: DeliveryStatusQueue},
		{Exchange: EmailExchange, RoutingKey: EmailRequestKey, Queue: EmailRequestQueue},
	}
}

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// PaymentKind tells payment and refund outcomes apart on the shared response channel.
type PaymentKind string

const (
	KindPayment PaymentKind = "PAYMENT"
	KindRefund  PaymentKind = "REFUND"
)

type PaymentRequest struct {
	OrderID     string          `json:"orderId" validate:"required"`
	FromAccount string          `json:"fromAccount" validate:"required"`
	ToAccount   string          `json:"toAccount" validate:"required,nefield=FromAccount"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
}

type RefundRequest struct {
	OrderID       string          `json:"orderId" validate:"required"`
	FromAccount   string          `json:"fromAccount" validate:"required"`
	ToAccount     string          `json:"toAccount" validate:"required,nefield=FromAccount"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0"`
	TransactionID string          `json:"transactionId"`
}

type PaymentResponse struct {
	OrderID       string        `json:"orderId"`
	Status        PaymentStatus `json:"status"`
	Kind          PaymentKind   `json:"kind,omitempty"`
	TransactionID string        `json:"transactionId,omitempty"`
	Message       string        `json:"message"`
}

// IsRefund treats a missing kind as a payment, which is what older producers sent.
func (r PaymentResponse) IsRefund() bool {
	return r.Kind == KindRefund
}

type DeliveryRequest struct {
	OrderID         string `json:"orderId" validate:"required"`
	DeliveryAddress string `json:"deliveryAddress" validate:"required"`
	CustomerEmail   string `json:"customerEmail" validate:"required,email"`
	CustomerName    string `json:"customerName" validate:"required"`
	ItemName        string `json:"itemName" validate:"required"`
	Quantity        int    `json:"quantity" validate:"min=1"`
	Timestamp       int64  `json:"timestamp"`
}

// DeliveryStatus is the lowercase form used on the wire.
type DeliveryStatus string

const (
	DeliveryReceived  DeliveryStatus = "received"
	DeliveryPickedUp  DeliveryStatus = "picked_up"
	DeliveryInTransit DeliveryStatus = "in_transit"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryLost      DeliveryStatus = "lost"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

type DeliveryStatusEvent struct {
	OrderID    string         `json:"orderId" validate:"required"`
	Status     DeliveryStatus `json:"status" validate:"oneof=received picked_up in_transit delivered lost cancelled"`
	Message    string         `json:"message"`
	Timestamp  int64          `json:"timestamp"`
	TrackingID string         `json:"trackingId"`
}

type NotificationRequest struct {
	ToAddress string `json:"toAddress" validate:"required,email"`
	Subject   string `json:"subject" validate:"required"`
	Body      string `json:"body"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
}

// Millis converts t to the epoch-millisecond timestamps carried on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
