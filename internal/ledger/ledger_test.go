package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-fulfillment-saga/internal/idempotency"
	"github.com/imrishuroy/go-fulfillment-saga/internal/logger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
)

const (
	accountsTable     = "accounts"
	transactionsTable = "ledger_transactions"
	idempotencyTable  = "idempotency"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFakeDynamo() *awstest.FakeDynamo {
	return awstest.NewFakeDynamo().
		AddTable(accountsTable, "account_number").
		AddTable(transactionsTable, "transaction_id").
		AddIndex(transactionsTable, orderIndex, "order_id").
		AddTable(idempotencyTable, "idempotency_key")
}

func newTestStore(fake *awstest.FakeDynamo) *DynamoStore {
	guards := idempotency.NewStore(fake, idempotencyTable, time.Hour)
	return NewDynamoStore(fake, accountsTable, transactionsTable, guards)
}

func newTestService(t *testing.T) (*Service, *awstest.FakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	return NewService(newTestStore(fake), logger.Discard(), metrics.New("bank")), fake
}

func seed(t *testing.T, svc *Service, balances map[string]string) {
	t.Helper()
	for number, bal := range balances {
		_, err := svc.CreateAccount(context.Background(), number, dec(bal))
		require.NoError(t, err)
	}
}

func balance(t *testing.T, svc *Service, number string) decimal.Decimal {
	t.Helper()
	acct, err := svc.GetAccount(context.Background(), number)
	require.NoError(t, err)
	return acct.Balance.Decimal
}
