package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
)

// Transaction statuses. Only COMPLETED rows are ever written: a failed transfer
// leaves no trace in the log.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Transaction kinds.
const (
	KindTransfer = "TRANSFER"
	KindPayment  = "PAYMENT"
	KindRefund   = "REFUND"
)

// Account is an item in the accounts table.
type Account struct {
	AccountNumber string      `dynamodbav:"account_number" json:"accountNumber"` // PK
	ID            string      `dynamodbav:"id" json:"id"`
	Balance       aws.Decimal `dynamodbav:"balance" json:"balance"`
	CreatedAt     time.Time   `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt     time.Time   `dynamodbav:"updated_at" json:"updatedAt"`
}

// Transaction is an append-only ledger row.
type Transaction struct {
	TransactionID string      `dynamodbav:"transaction_id" json:"transactionId"` // PK
	FromAccount   string      `dynamodbav:"from_account" json:"fromAccount"`
	ToAccount     string      `dynamodbav:"to_account" json:"toAccount"`
	Amount        aws.Decimal `dynamodbav:"amount" json:"amount"`
	Status        string      `dynamodbav:"status" json:"status"`
	Kind          string      `dynamodbav:"kind" json:"kind"`
	OrderID       string      `dynamodbav:"order_id,omitempty" json:"orderId,omitempty"` // GSI order_id-index
	CreatedAt     time.Time   `dynamodbav:"created_at" json:"createdAt"`

	// Replayed is set when the request key had already been used and this is
	// the earlier outcome rather than a new movement.
	Replayed bool `dynamodbav:"-" json:"-"`
}

// TransferInput describes one balance movement. RequestKey, when set, makes
// the transfer happen at most once per key.
type TransferInput struct {
	FromAccount string
	ToAccount   string
	Amount      decimal.Decimal
	OrderID     string
	Kind        string
	RequestKey  string
}
