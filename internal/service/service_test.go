package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-fulfillment-saga/internal/config"
	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/logger"
)

func testConfig(service string) config.Config {
	return config.Config{
		Service:         service,
		HTTPAddr:        "127.0.0.1:0",
		RunLocal:        true,
		LambdaMode:      "api",
		ConsumerWorkers: 2,
		MaxReceiveCount: 3,
		Tables: config.Tables{
			Accounts:     "accounts",
			Transactions: "ledger_transactions",
			Idempotency:  "idempotency",
			Orders:       "orders",
			Payments:     "payments",
			Deliveries:   "deliveries",
		},
		StoreAccount:    "STORE-001",
		StageDelay:      time.Hour,
		ResumeInterval:  time.Minute,
		IdempotencyTTL:  time.Hour,
		AlertNamespace:  "FulfillmentSaga",
		LossProbability: 0,
	}
}

func testDeps(t *testing.T, service string) (*Deps, *awstest.FakeSQS) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sqsFake := awstest.NewFakeSQS()
	dynamo := awstest.NewFakeDynamo().
		AddTable("accounts", "account_number").
		AddTable("ledger_transactions", "transaction_id").
		AddIndex("ledger_transactions", "order_id-index", "order_id").
		AddTable("idempotency", "idempotency_key").
		AddTable("orders", "order_id").
		AddTable("payments", "payment_id").
		AddIndex("payments", "order_id-index", "order_id").
		AddTable("deliveries", "order_id").
		AddIndex("deliveries", "tracking_id-index", "tracking_id")
	clients := &aws.AWSClients{DynamoDB: dynamo, SQS: sqsFake, CloudWatch: &awstest.FakeCloudWatch{}}

	d, err := Wire(context.Background(), testConfig(service), logger.Discard(), clients)
	require.NoError(t, err)
	return d, sqsFake
}

func TestWire_DeclaresTopology(t *testing.T) {
	_, sqsFake := testDeps(t, "store")
	queues := sqsFake.Queues()
	for _, b := range contracts.Topology() {
		attrs, ok := queues[b.Queue]
		require.True(t, ok, b.Queue)
		assert.Contains(t, attrs["RedrivePolicy"], `"maxReceiveCount":"3"`)
		assert.Contains(t, queues, b.Queue+".dlq")
	}
}

func TestApps_RegisterRoutes(t *testing.T) {
	cases := []struct {
		name  string
		build func(*Deps) App
		path  string
		queue string
	}{
		{"bank", Bank, "/accounts/NOPE", contracts.PaymentRequestQueue},
		{"delivery", Delivery, "/deliveries/nope", contracts.DeliveryRequestQueue},
		{"store", Store, "/orders/nope", contracts.PaymentResponseQueue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := testDeps(t, tc.name)
			app := tc.build(d)

			var queues []string
			for _, c := range app.Consumers {
				queues = append(queues, c.Queue)
			}
			assert.Contains(t, queues, tc.queue)

			w := httptest.NewRecorder()
			d.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.True(t, strings.Contains(w.Body.String(), "not_found"))
		})
	}
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	d, sqsFake := testDeps(t, "notifier")
	app := Notifier(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, d, app) }()

	require.NoError(t, d.Bus.Publish(context.Background(), contracts.EmailRequestKey, contracts.NotificationRequest{
		ToAddress: "ada@example.com",
		Subject:   "Your order has been picked up",
		Body:      "On its way.",
		OrderID:   "o-1",
		Status:    "picked_up",
	}))
	require.Eventually(t, func() bool {
		return len(sqsFake.Messages(contracts.EmailRequestQueue)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_StartFailureStopsConsumers(t *testing.T) {
	d, _ := testDeps(t, "delivery")
	app := Notifier(d)
	boom := errors.New("boom")
	app.OnStart = func(context.Context) error { return boom }

	err := Run(context.Background(), d, app)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRun_DeliveryRefusesLambda(t *testing.T) {
	for _, mode := range []string{"sqs", "api"} {
		t.Run(mode, func(t *testing.T) {
			d, _ := testDeps(t, "delivery")
			d.Config.RunLocal = false
			d.Config.LambdaMode = mode
			app := Delivery(d)
			assert.True(t, app.RequiresProcess)

			err := Run(context.Background(), d, app)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNeedsProcess)
			assert.Contains(t, err.Error(), "RUN_LOCAL")
		})
	}
}

func TestRun_HooksRefuseLambda(t *testing.T) {
	d, _ := testDeps(t, "notifier")
	d.Config.RunLocal = false
	d.Config.LambdaMode = "sqs"
	app := Notifier(d)
	assert.False(t, app.RequiresProcess)
	app.OnStop = func(context.Context) error { return nil }

	err := Run(context.Background(), d, app)
	assert.ErrorIs(t, err, ErrNeedsProcess)
}
