package service

import (
	"context"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/fulfillment"
	"github.com/imrishuroy/go-fulfillment-saga/internal/handlers"
	"github.com/imrishuroy/go-fulfillment-saga/internal/ledger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/notification"
	"github.com/imrishuroy/go-fulfillment-saga/internal/orders"
)

// Bank serves the account API and settles payment and refund requests.
func Bank(d *Deps) App {
	svc := ledger.NewService(
		ledger.NewDynamoStore(d.Clients.DynamoDB, d.Config.Tables.Accounts, d.Config.Tables.Transactions, d.Guards),
		d.Log, d.Metrics,
	)
	handlers.RegisterBankRoutes(d.Router, handlers.BankConfig{Ledger: svc, Publisher: d.Bus, Logger: d.Log})

	listener := ledger.NewListener(svc, d.Bus, d.Log, d.Config.MaxReceiveCount)
	return App{Consumers: []Consumer{
		{Queue: contracts.PaymentRequestQueue, Handler: listener.HandlePayment},
		{Queue: contracts.RefundRequestQueue, Handler: listener.HandleRefund},
	}}
}

// Delivery accepts delivery requests and drives them to a terminal status.
// Unfinished or unannounced deliveries are resumed at start and then swept
// every DELIVERY_RESUME_INTERVAL; tasks stop at shutdown.
func Delivery(d *Deps) App {
	engine := fulfillment.NewEngine(fulfillment.NewDynamoStore(d.Clients.DynamoDB, d.Config.Tables.Deliveries), d.Bus, fulfillment.Options{
		LossProbability: d.Config.LossProbability,
		StageDelay:      d.Config.StageDelay,
		Alerts:          d.Alerts,
		Logger:          d.Log,
		Metrics:         d.Metrics,
	})
	handlers.RegisterDeliveryRoutes(d.Router, engine, d.Log)

	return App{
		Consumers: []Consumer{{Queue: contracts.DeliveryRequestQueue, Handler: engine.HandleRequest}},
		OnStart: func(ctx context.Context) error {
			n, err := engine.Resume(ctx)
			if err != nil {
				return err
			}
			d.Log.Info("deliveries resumed", "count", n)
			engine.Watch(d.Config.ResumeInterval)
			return nil
		},
		OnStop:          engine.Shutdown,
		RequiresProcess: true,
	}
}

// Notifier sends the emails fulfillment asks for.
func Notifier(d *Deps) App {
	dispatcher := notification.NewDispatcher(notification.LogSender{Log: d.Log}, d.Log, d.Metrics)
	return App{Consumers: []Consumer{{Queue: contracts.EmailRequestQueue, Handler: dispatcher.Handle}}}
}

// Store takes orders and runs the fulfillment saga for each of them.
func Store(d *Deps) App {
	orch := orders.NewOrchestrator(
		orders.NewStore(d.Clients.DynamoDB, d.Config.Tables.Orders, d.Config.Tables.Payments),
		d.Guards, d.Bus,
		orders.Options{
			StoreAccount: d.Config.StoreAccount,
			Alerts:       d.Alerts,
			Logger:       d.Log,
			Metrics:      d.Metrics,
		},
	)
	handlers.RegisterOrdersRoutes(d.Router, handlers.OrdersConfig{Orders: orch, Idempotency: d.Guards, Logger: d.Log})

	return App{Consumers: []Consumer{
		{Queue: contracts.PaymentResponseQueue, Handler: orch.HandlePaymentResponse},
		{Queue: contracts.DeliveryStatusQueue, Handler: orch.HandleDeliveryStatus},
	}}
}
