package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/idempotency"
	"github.com/imrishuroy/go-fulfillment-saga/internal/logger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport/transporttest"
	"github.com/imrishuroy/go-fulfillment-saga/internal/validation"
)

const storeAccount = "STORE-001"

type fixture struct {
	orch    *Orchestrator
	store   *Store
	fake    *awstest.FakeDynamo
	pub     *transporttest.Recorder
	cw      *awstest.FakeCloudWatch
	metrics *metrics.Metrics
	ids     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := newFakeDynamo()
	store := NewStore(fake, ordersTable, paymentsTable)
	guards := idempotency.NewStore(fake, idempotencyTable, time.Hour)
	pub := transporttest.NewRecorder()
	cw := &awstest.FakeCloudWatch{}
	m := metrics.New("store")
	f := &fixture{store: store, fake: fake, pub: pub, cw: cw, metrics: m}
	f.orch = NewOrchestrator(store, guards, pub, Options{
		StoreAccount: storeAccount,
		Alerts:       aws.NewAlertEmitter(cw, "FulfillmentSaga", "store"),
		Logger:       logger.Discard(),
		Metrics:      m,
	})
	f.orch.newID = func() string {
		f.ids++
		return fmt.Sprintf("order-%d", f.ids)
	}
	return f
}

func orderRequest() validation.CreateOrderRequest {
	return validation.CreateOrderRequest{
		UserID:          "user-1",
		ItemID:          "item-1",
		ItemName:        "Teapot",
		Quantity:        2,
		UnitPrice:       decimal.RequireFromString("12.50"),
		Amount:          decimal.RequireFromString("25.00"),
		CustomerAccount: "CUST-1",
		CustomerName:    "Ada",
		CustomerEmail:   "ada@example.com",
		DeliveryAddress: "1 Main St",
	}
}

func message(t *testing.T, key string, payload any) transport.Message {
	t.Helper()
	body, attrs, err := transport.Encode(key, payload)
	require.NoError(t, err)
	return transport.Message{ID: "m-" + key, Queue: key + ".queue", RoutingKey: key, Body: body, Attributes: attrs, ReceiveCount: 1}
}

func (f *fixture) place(t *testing.T) *Order {
	t.Helper()
	o, err := f.orch.PlaceOrder(context.Background(), orderRequest(), "")
	require.NoError(t, err)
	return o
}

func (f *fixture) status(t *testing.T, orderID string) string {
	t.Helper()
	o, err := f.orch.Get(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func (f *fixture) paymentResponse(t *testing.T, resp contracts.PaymentResponse) error {
	t.Helper()
	return f.orch.HandlePaymentResponse(context.Background(), message(t, contracts.PaymentResponseKey, resp))
}

func (f *fixture) deliveryStatus(t *testing.T, orderID string, s contracts.DeliveryStatus) error {
	t.Helper()
	ev := contracts.DeliveryStatusEvent{OrderID: orderID, Status: s, Message: "update", Timestamp: time.Now().UnixMilli(), TrackingID: "TRK_0000ABCD"}
	return f.orch.HandleDeliveryStatus(context.Background(), message(t, contracts.DeliveryStatusKey, ev))
}

func paid(orderID, txn string) contracts.PaymentResponse {
	return contracts.PaymentResponse{OrderID: orderID, Status: contracts.PaymentSuccess, Kind: contracts.KindPayment, TransactionID: txn, Message: "Payment processed successfully"}
}

func refundOutcome(orderID string, status contracts.PaymentStatus) contracts.PaymentResponse {
	return contracts.PaymentResponse{OrderID: orderID, Status: status, Kind: contracts.KindRefund, TransactionID: "txn-refund", Message: "refund outcome"}
}

func (f *fixture) payment(t *testing.T, orderID, kind string) Payment {
	t.Helper()
	list, err := f.store.Payments(context.Background(), orderID)
	require.NoError(t, err)
	for _, p := range list {
		if p.Kind == kind {
			return p
		}
	}
	t.Fatalf("no %s record for %s", kind, orderID)
	return Payment{}
}

// paidOrder drives a fresh order to DELIVERY_REQUESTED.
func (f *fixture) paidOrder(t *testing.T) *Order {
	t.Helper()
	o := f.place(t)
	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-1")))
	require.Equal(t, StatusDeliveryRequested, f.status(t, o.OrderID))
	return o
}

func TestPlaceOrder_DispatchesPayment(t *testing.T) {
	f := newFixture(t)
	o := f.place(t)

	assert.Equal(t, StatusPaymentPending, o.Status)
	assert.Equal(t, StatusPaymentPending, f.status(t, o.OrderID))

	reqs := f.pub.On(contracts.PaymentRequestKey)
	require.Len(t, reqs, 1)
	var req contracts.PaymentRequest
	require.NoError(t, reqs[0].Decode(&req))
	assert.Equal(t, o.OrderID, req.OrderID)
	assert.Equal(t, "CUST-1", req.FromAccount)
	assert.Equal(t, storeAccount, req.ToAccount)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("25")))

	p := f.payment(t, o.OrderID, KindPayment)
	assert.Equal(t, PaymentPending, p.Status)
	stored, err := f.store.Get(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrderTransitions.WithLabelValues(StatusCreated, StatusPaymentPending)))
}

func TestPlaceOrder_PublishFailureLeavesCreatedAndPayRetries(t *testing.T) {
	f := newFixture(t)
	f.pub.FailNext(contracts.PaymentRequestKey, transporttest.ErrUnavailable)

	o, err := f.orch.PlaceOrder(context.Background(), orderRequest(), "")
	require.ErrorIs(t, err, transporttest.ErrUnavailable)
	require.NotNil(t, o)
	assert.Equal(t, StatusCreated, f.status(t, o.OrderID))
	assert.Empty(t, f.pub.On(contracts.PaymentRequestKey))

	_, err = f.orch.Pay(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, f.status(t, o.OrderID))
	assert.Len(t, f.pub.On(contracts.PaymentRequestKey), 1)

	stored, _ := f.store.Get(context.Background(), o.OrderID)
	assert.Equal(t, 2, stored.Attempts)
}

func TestPlaceOrder_IdempotencyKeyReused(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.PlaceOrder(context.Background(), orderRequest(), "key-1")
	require.NoError(t, err)

	_, err = f.orch.PlaceOrder(context.Background(), orderRequest(), "key-1")
	require.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, 1, f.fake.Count(ordersTable))
	assert.Len(t, f.pub.On(contracts.PaymentRequestKey), 1)
}

func TestPay_RejectsPaidOrder(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)
	_, err := f.orch.Pay(context.Background(), o.OrderID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.orch.Pay(context.Background(), "nope")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPaymentSuccess_RequestsDelivery(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	reqs := f.pub.On(contracts.DeliveryRequestKey)
	require.Len(t, reqs, 1)
	var req contracts.DeliveryRequest
	require.NoError(t, reqs[0].Decode(&req))
	assert.Equal(t, contracts.DeliveryRequest{
		OrderID:         o.OrderID,
		DeliveryAddress: "1 Main St",
		CustomerEmail:   "ada@example.com",
		CustomerName:    "Ada",
		ItemName:        "Teapot",
		Quantity:        2,
		Timestamp:       req.Timestamp,
	}, req)
	assert.NotZero(t, req.Timestamp)

	stored, _ := f.store.Get(context.Background(), o.OrderID)
	assert.True(t, stored.DeliveryRequested)
	assert.Equal(t, "txn-1", stored.PaymentTransactionID)

	p := f.payment(t, o.OrderID, KindPayment)
	assert.Equal(t, PaymentSuccess, p.Status)
	assert.Equal(t, "txn-1", p.BankTransactionID)
}

func TestPaymentSuccess_DuplicateNeverRequestsSecondDelivery(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-1")))
	assert.Len(t, f.pub.On(contracts.DeliveryRequestKey), 1)
	assert.Equal(t, StatusDeliveryRequested, f.status(t, o.OrderID))

	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryDelivered))
	assert.Equal(t, StatusCompleted, f.status(t, o.OrderID))

	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-1")))
	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryDelivered))
	assert.Len(t, f.pub.On(contracts.DeliveryRequestKey), 1)
	assert.Equal(t, StatusCompleted, f.status(t, o.OrderID))
}

func TestPaymentSuccess_DeliveryPublishFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	o := f.place(t)
	f.pub.FailNext(contracts.DeliveryRequestKey, transporttest.ErrUnavailable)

	err := f.paymentResponse(t, paid(o.OrderID, "txn-1"))
	require.ErrorIs(t, err, transporttest.ErrUnavailable)
	assert.False(t, transport.IsPermanent(err))

	stored, _ := f.store.Get(context.Background(), o.OrderID)
	assert.Equal(t, StatusPaid, stored.Status)
	assert.False(t, stored.DeliveryRequested)

	// redelivery of the same response
	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-1")))
	assert.Len(t, f.pub.On(contracts.DeliveryRequestKey), 1)
	assert.Equal(t, StatusDeliveryRequested, f.status(t, o.OrderID))
}

func TestPaymentSuccess_BeforePendingRecorded(t *testing.T) {
	f := newFixture(t)
	o, err := f.store.Create(context.Background(), sampleOrder("order-early", StatusCreated))
	require.NoError(t, err)

	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-1")))
	assert.Equal(t, StatusDeliveryRequested, f.status(t, o.OrderID))
}

func TestPaymentFailed(t *testing.T) {
	f := newFixture(t)
	o := f.place(t)

	require.NoError(t, f.paymentResponse(t, contracts.PaymentResponse{
		OrderID: o.OrderID, Status: contracts.PaymentFailed, Kind: contracts.KindPayment, Message: "Insufficient balance",
	}))
	assert.Equal(t, StatusPaymentFailed, f.status(t, o.OrderID))
	assert.Equal(t, PaymentFailed, f.payment(t, o.OrderID, KindPayment).Status)

	// terminal: a repeated failure moves nothing
	require.NoError(t, f.paymentResponse(t, contracts.PaymentResponse{
		OrderID: o.OrderID, Status: contracts.PaymentFailed, Kind: contracts.KindPayment, Message: "Insufficient balance",
	}))
	assert.Equal(t, StatusPaymentFailed, f.status(t, o.OrderID))
	assert.Empty(t, f.pub.On(contracts.DeliveryRequestKey))
	assert.Empty(t, f.pub.On(contracts.RefundRequestKey))
}

func TestPaymentFailed_ThenRetrySucceedsIsRefunded(t *testing.T) {
	f := newFixture(t)
	o := f.place(t)

	// a second request is in flight when the first one fails
	_, err := f.orch.Pay(context.Background(), o.OrderID)
	require.NoError(t, err)
	require.Len(t, f.pub.On(contracts.PaymentRequestKey), 2)

	require.NoError(t, f.paymentResponse(t, contracts.PaymentResponse{
		OrderID: o.OrderID, Status: contracts.PaymentFailed, Kind: contracts.KindPayment, Message: "Insufficient balance",
	}))
	require.Equal(t, StatusPaymentFailed, f.status(t, o.OrderID))

	// the retried request settles after the customer topped up
	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-retry")))
	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-retry")))

	got, err := f.orch.Get(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentFailed, got.Status)
	assert.Equal(t, "txn-retry", got.PaymentTransactionID)
	assert.True(t, got.RefundRequested)
	assert.Empty(t, f.pub.On(contracts.DeliveryRequestKey))

	refunds := f.pub.On(contracts.RefundRequestKey)
	require.Len(t, refunds, 1)
	var req contracts.RefundRequest
	require.NoError(t, refunds[0].Decode(&req))
	assert.Equal(t, "txn-retry", req.TransactionID)
	assert.Equal(t, storeAccount, req.FromAccount)
	assert.Equal(t, "CUST-1", req.ToAccount)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("25.00")))

	charge := f.payment(t, o.OrderID, KindPayment)
	assert.Equal(t, PaymentSuccess, charge.Status)
	assert.Equal(t, "txn-retry", charge.BankTransactionID)
	assert.Equal(t, PaymentPending, f.payment(t, o.OrderID, KindRefund).Status)
}

func TestPaymentFailed_LateSuccessRefundRetriesAfterPublishFailure(t *testing.T) {
	f := newFixture(t)
	o := f.place(t)
	require.NoError(t, f.paymentResponse(t, contracts.PaymentResponse{
		OrderID: o.OrderID, Status: contracts.PaymentFailed, Kind: contracts.KindPayment, Message: "Insufficient balance",
	}))

	f.pub.FailNext(contracts.RefundRequestKey, transporttest.ErrUnavailable)
	require.Error(t, f.paymentResponse(t, paid(o.OrderID, "txn-retry")))
	assert.Empty(t, f.pub.On(contracts.RefundRequestKey))

	// redelivery finds the claim released and sends the refund
	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-retry")))
	assert.Len(t, f.pub.On(contracts.RefundRequestKey), 1)
}

func TestDeliveryLost_CancelsAndRefundsOnce(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryLost))
	assert.Equal(t, StatusCancelled, f.status(t, o.OrderID))

	refunds := f.pub.On(contracts.RefundRequestKey)
	require.Len(t, refunds, 1)
	var req contracts.RefundRequest
	require.NoError(t, refunds[0].Decode(&req))
	assert.Equal(t, o.OrderID, req.OrderID)
	assert.Equal(t, storeAccount, req.FromAccount)
	assert.Equal(t, "CUST-1", req.ToAccount)
	assert.Equal(t, "txn-1", req.TransactionID)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("25")))
	assert.Equal(t, PaymentPending, f.payment(t, o.OrderID, KindRefund).Status)

	// redelivered loss event
	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryLost))
	assert.Len(t, f.pub.On(contracts.RefundRequestKey), 1)
}

func TestDeliveryCancelled_CompensatedLikeLoss(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryCancelled))
	assert.Equal(t, StatusCancelled, f.status(t, o.OrderID))
	assert.Len(t, f.pub.On(contracts.RefundRequestKey), 1)
}

func TestDeliveryLost_RefundPublishFailureRetries(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)
	f.pub.FailNext(contracts.RefundRequestKey, transporttest.ErrUnavailable)

	err := f.deliveryStatus(t, o.OrderID, contracts.DeliveryLost)
	require.ErrorIs(t, err, transporttest.ErrUnavailable)
	assert.Equal(t, StatusCancelled, f.status(t, o.OrderID))
	stored, _ := f.store.Get(context.Background(), o.OrderID)
	assert.False(t, stored.RefundRequested)

	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryLost))
	assert.Len(t, f.pub.On(contracts.RefundRequestKey), 1)
}

func TestDeliveryProgress_IsIgnored(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)
	for _, s := range []contracts.DeliveryStatus{contracts.DeliveryReceived, contracts.DeliveryPickedUp, contracts.DeliveryInTransit} {
		require.NoError(t, f.deliveryStatus(t, o.OrderID, s))
	}
	assert.Equal(t, StatusDeliveryRequested, f.status(t, o.OrderID))
}

func TestDelivered_WhilePaid(t *testing.T) {
	f := newFixture(t)
	o, err := f.store.Create(context.Background(), sampleOrder("order-fast", StatusPaid))
	require.NoError(t, err)

	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryDelivered))
	assert.Equal(t, StatusCompleted, f.status(t, o.OrderID))
}

func TestCompletedOrder_IgnoresLoss(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)
	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryDelivered))

	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryLost))
	assert.Equal(t, StatusCompleted, f.status(t, o.OrderID))
	assert.Empty(t, f.pub.On(contracts.RefundRequestKey))
}

func TestRefundFailed_RaisesAlertOnce(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)
	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryLost))

	require.NoError(t, f.paymentResponse(t, refundOutcome(o.OrderID, contracts.PaymentFailed)))
	require.NoError(t, f.paymentResponse(t, refundOutcome(o.OrderID, contracts.PaymentFailed)))

	assert.Equal(t, []string{"RefundFailed"}, f.cw.MetricNames())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefundFailures))
	assert.Equal(t, StatusCancelled, f.status(t, o.OrderID))
	assert.Equal(t, PaymentFailed, f.payment(t, o.OrderID, KindRefund).Status)
}

func TestRefundSucceeded_NeverAdvancesOrder(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)
	require.NoError(t, f.deliveryStatus(t, o.OrderID, contracts.DeliveryLost))

	require.NoError(t, f.paymentResponse(t, refundOutcome(o.OrderID, contracts.PaymentSuccess)))
	assert.Equal(t, StatusCancelled, f.status(t, o.OrderID))
	assert.Equal(t, PaymentSuccess, f.payment(t, o.OrderID, KindRefund).Status)
	assert.Equal(t, PaymentSuccess, f.payment(t, o.OrderID, KindPayment).Status)
	assert.Empty(t, f.cw.MetricNames())
}

func TestCancel_BeforePaymentThenLatePayment(t *testing.T) {
	f := newFixture(t)
	o := f.place(t)

	cancelled, err := f.orch.Cancel(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Empty(t, f.pub.On(contracts.RefundRequestKey))

	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-late")))
	require.NoError(t, f.paymentResponse(t, paid(o.OrderID, "txn-late")))

	refunds := f.pub.On(contracts.RefundRequestKey)
	require.Len(t, refunds, 1)
	var req contracts.RefundRequest
	require.NoError(t, refunds[0].Decode(&req))
	assert.Equal(t, "txn-late", req.TransactionID)
	assert.Equal(t, StatusCancelled, f.status(t, o.OrderID))
	assert.Empty(t, f.pub.On(contracts.DeliveryRequestKey))
}

func TestCancel_PaidOrderIsRefunded(t *testing.T) {
	f := newFixture(t)
	seed := sampleOrder("order-paid", StatusPaid)
	seed.PaymentTransactionID = "txn-7"
	_, err := f.store.Create(context.Background(), seed)
	require.NoError(t, err)

	got, err := f.orch.Cancel(context.Background(), "order-paid")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Len(t, f.pub.On(contracts.RefundRequestKey), 1)

	again, err := f.orch.Cancel(context.Background(), "order-paid")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Len(t, f.pub.On(contracts.RefundRequestKey), 1)
}

func TestCancel_Rejected(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	_, err := f.orch.Cancel(context.Background(), o.OrderID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.orch.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestHandlers_DropBadMessages(t *testing.T) {
	f := newFixture(t)

	err := f.paymentResponse(t, paid("unknown-order", "txn"))
	assert.True(t, transport.IsPermanent(err), "unknown order: %v", err)

	err = f.orch.HandlePaymentResponse(context.Background(), transport.Message{RoutingKey: contracts.PaymentResponseKey, Body: []byte("{")})
	assert.True(t, transport.IsPermanent(err), "garbage: %v", err)

	err = f.paymentResponse(t, contracts.PaymentResponse{OrderID: "x", Status: "MAYBE"})
	assert.True(t, transport.IsPermanent(err), "bad status: %v", err)

	err = f.deliveryStatus(t, "unknown-order", contracts.DeliveryDelivered)
	assert.True(t, transport.IsPermanent(err), "unknown order: %v", err)

	err = f.deliveryStatus(t, "x", contracts.DeliveryStatus("teleported"))
	assert.True(t, transport.IsPermanent(err), "bad delivery status: %v", err)
}

func TestOrderStatus_NeverRevisitsPaymentPending(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t)

	_, err := f.orch.Pay(context.Background(), o.OrderID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, f.paymentResponse(t, contracts.PaymentResponse{OrderID: o.OrderID, Status: contracts.PaymentFailed, Kind: contracts.KindPayment}))
	assert.Equal(t, StatusDeliveryRequested, f.status(t, o.OrderID))
}
