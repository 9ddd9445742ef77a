package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/logger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport/transporttest"
)

func message(t *testing.T, key string, payload any, receiveCount int) transport.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return transport.Message{ID: "m-" + key, RoutingKey: key, Body: body, ReceiveCount: receiveCount}
}

func responses(t *testing.T, rec *transporttest.Recorder) []contracts.PaymentResponse {
	t.Helper()
	var out []contracts.PaymentResponse
	for _, p := range rec.On(contracts.PaymentResponseKey) {
		var r contracts.PaymentResponse
		require.NoError(t, p.Decode(&r))
		out = append(out, r)
	}
	return out
}

func TestListener_PaymentPublishesResponse(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, map[string]string{"A1": "100", "A2": "0"})
	rec := transporttest.NewRecorder()
	l := NewListener(svc, rec, logger.Discard(), 3)

	req := contracts.PaymentRequest{OrderID: "1", FromAccount: "A1", ToAccount: "A2", Amount: dec("40")}
	require.NoError(t, l.HandlePayment(context.Background(), message(t, contracts.PaymentRequestKey, req, 1)))
	// redelivered request: replay, no second movement
	require.NoError(t, l.HandlePayment(context.Background(), message(t, contracts.PaymentRequestKey, req, 2)))

	got := responses(t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, contracts.PaymentSuccess, got[0].Status)
	assert.Equal(t, got[0].TransactionID, got[1].TransactionID)
	assert.True(t, balance(t, svc, "A1").Equal(dec("60")))
}

func TestListener_BusinessFailureIsAResponse(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, map[string]string{"A1": "100", "A2": "0"})
	rec := transporttest.NewRecorder()
	l := NewListener(svc, rec, logger.Discard(), 3)

	req := contracts.PaymentRequest{OrderID: "2", FromAccount: "A1", ToAccount: "A2", Amount: dec("150")}
	require.NoError(t, l.HandlePayment(context.Background(), message(t, contracts.PaymentRequestKey, req, 1)))

	got := responses(t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.PaymentFailed, got[0].Status)
	assert.Contains(t, got[0].Message, "insufficient balance")
}

func TestListener_InvalidRequestIsAResponse(t *testing.T) {
	svc, _ := newTestService(t)
	rec := transporttest.NewRecorder()
	l := NewListener(svc, rec, logger.Discard(), 3)

	req := contracts.PaymentRequest{OrderID: "3", FromAccount: "A1", ToAccount: "A1", Amount: dec("0")}
	require.NoError(t, l.HandlePayment(context.Background(), message(t, contracts.PaymentRequestKey, req, 1)))

	got := responses(t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.PaymentFailed, got[0].Status)
	assert.Contains(t, got[0].Message, "invalid request")
}

func TestListener_TransientFaultRetriesThenFails(t *testing.T) {
	svc, fake := newTestService(t)
	seed(t, svc, map[string]string{"A1": "100", "A2": "0"})
	rec := transporttest.NewRecorder()
	l := NewListener(svc, rec, logger.Discard(), 2)
	req := contracts.PaymentRequest{OrderID: "4", FromAccount: "A1", ToAccount: "A2", Amount: dec("1")}

	fake.FailNext("TransactWriteItems", errors.New("throttled"))
	err := l.HandlePayment(context.Background(), message(t, contracts.PaymentRequestKey, req, 1))
	require.Error(t, err)
	assert.False(t, transport.IsPermanent(err))
	assert.Empty(t, responses(t, rec))

	fake.FailNext("TransactWriteItems", errors.New("throttled"))
	require.NoError(t, l.HandlePayment(context.Background(), message(t, contracts.PaymentRequestKey, req, 2)))

	got := responses(t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.PaymentFailed, got[0].Status)
	assert.Contains(t, got[0].Message, "internal error")
}

func TestListener_PublishFailureRequeues(t *testing.T) {
	svc, fake := newTestService(t)
	seed(t, svc, map[string]string{"S": "100", "C": "0"})
	rec := transporttest.NewRecorder()
	rec.FailNext(contracts.PaymentResponseKey, transporttest.ErrUnavailable)
	l := NewListener(svc, rec, logger.Discard(), 5)
	req := contracts.RefundRequest{OrderID: "5", FromAccount: "S", ToAccount: "C", Amount: dec("10"), TransactionID: "t-1"}

	require.Error(t, l.HandleRefund(context.Background(), message(t, contracts.RefundRequestKey, req, 1)))
	require.NoError(t, l.HandleRefund(context.Background(), message(t, contracts.RefundRequestKey, req, 2)))

	got := responses(t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, contracts.KindRefund, got[0].Kind)
	assert.Equal(t, contracts.PaymentSuccess, got[0].Status)
	assert.True(t, balance(t, svc, "C").Equal(dec("10")))
	assert.Equal(t, 1, fake.Count(transactionsTable))
}

func TestListener_UndecodableIsDropped(t *testing.T) {
	svc, _ := newTestService(t)
	rec := transporttest.NewRecorder()
	l := NewListener(svc, rec, logger.Discard(), 3)

	err := l.HandlePayment(context.Background(), transport.Message{ID: "x", Body: []byte("garbage")})
	assert.True(t, transport.IsPermanent(err))

	err = l.HandlePayment(context.Background(), message(t, contracts.PaymentRequestKey, map[string]string{"fromAccount": "A"}, 1))
	assert.True(t, transport.IsPermanent(err))
	assert.Empty(t, rec.All())
}
