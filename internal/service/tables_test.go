package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-fulfillment-saga/internal/fulfillment"
	"github.com/imrishuroy/go-fulfillment-saga/internal/idempotency"
	"github.com/imrishuroy/go-fulfillment-saga/internal/ledger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/logger"
)

func TestCreateTables_Idempotent(t *testing.T) {
	fake := awstest.NewFakeDynamo()
	tables := testConfig("sagactl").Tables

	created, err := CreateTables(context.Background(), fake, tables)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"accounts", "ledger_transactions", "idempotency", "orders", "payments", "deliveries"}, created)

	again, err := CreateTables(context.Background(), fake, tables)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, fake.Tables(), 6)
}

func TestCreateTables_IndexesServeStores(t *testing.T) {
	fake := awstest.NewFakeDynamo()
	tables := testConfig("sagactl").Tables
	_, err := CreateTables(context.Background(), fake, tables)
	require.NoError(t, err)

	guards := idempotency.NewStore(fake, tables.Idempotency, time.Hour)
	store := ledger.NewDynamoStore(fake, tables.Accounts, tables.Transactions, guards)
	bank := ledger.NewService(store, logger.Discard(), nil)
	_, err = bank.CreateAccount(context.Background(), "A", decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = bank.CreateAccount(context.Background(), "B", decimal.Zero)
	require.NoError(t, err)
	_, err = bank.Transfer(context.Background(), ledger.TransferInput{
		FromAccount: "A", ToAccount: "B", Amount: decimal.NewFromInt(4), OrderID: "o-1", Kind: ledger.KindPayment,
	})
	require.NoError(t, err)

	txns, err := bank.Transactions(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	_, err = fulfillment.NewDynamoStore(fake, tables.Deliveries).GetByTracking(context.Background(), "TRK_NOPE")
	assert.ErrorIs(t, err, fulfillment.ErrDeliveryNotFound)
}

func TestCreateTables_PropagatesErrors(t *testing.T) {
	fake := awstest.NewFakeDynamo()
	boom := errors.New("throttled")
	fake.FailNext("CreateTable", boom)

	created, err := CreateTables(context.Background(), fake, testConfig("sagactl").Tables)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, created)
}
