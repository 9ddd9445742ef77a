package validation

import "github.com/shopspring/decimal"

// CreateAccountRequest is the payload for POST /accounts
type CreateAccountRequest struct {
	AccountNumber  string          `json:"accountNumber" validate:"required,max=64"`
	InitialBalance decimal.Decimal `json:"initialBalance" validate:"gte=0"`
}

// AmountRequest is the payload for top-up and deduct.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	UserID          string          `json:"userId" validate:"required"`
	ItemID          string          `json:"itemId" validate:"required"`
	ItemName        string          `json:"itemName" validate:"required"`
	Quantity        int             `json:"quantity" validate:"required,min=1"`
	UnitPrice       decimal.Decimal `json:"unitPrice" validate:"gt=0"`
	Amount          decimal.Decimal `json:"amount" validate:"gt=0"` // total the client claims
	CustomerAccount string          `json:"customerAccount" validate:"required"`
	CustomerName    string          `json:"customerName" validate:"required"`
	CustomerEmail   string          `json:"customerEmail" validate:"required,email"`
	DeliveryAddress string          `json:"deliveryAddress" validate:"required"`
}
