// Package service holds the startup shared by the saga's deployables: config,
// AWS clients, queue topology and the choice between a local process and a
// Lambda function.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/config"
	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/handlers"
	"github.com/imrishuroy/go-fulfillment-saga/internal/idempotency"
	"github.com/imrishuroy/go-fulfillment-saga/internal/logger"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
)

const shutdownTimeout = 15 * time.Second

// ErrNeedsProcess is returned by Run when an app that owns background work is
// asked to start as a Lambda function.
var ErrNeedsProcess = errors.New("service needs a long-running process")

// Deps are built once per process and shared by the service's components.
type Deps struct {
	Config  config.Config
	Log     *slog.Logger
	Metrics *metrics.Metrics
	Clients *aws.AWSClients
	Bus     *transport.SQSBus
	Guards  *idempotency.Store
	Alerts  *aws.AlertEmitter
	Router  *gin.Engine
}

// Bootstrap loads config for service, connects to AWS and declares the queue
// topology.
func Bootstrap(ctx context.Context, service string) (*Deps, error) {
	cfg, err := config.Load(service)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(service)

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	return Wire(ctx, cfg, log, clients)
}

// Wire builds Deps from already constructed clients.
func Wire(ctx context.Context, cfg config.Config, log *slog.Logger, clients *aws.AWSClients) (*Deps, error) {
	m := metrics.New(cfg.Service)
	bus := transport.NewSQSBus(clients.SQS, transport.SQSOptions{
		QueuePrefix:     cfg.QueuePrefix,
		MaxReceiveCount: cfg.MaxReceiveCount,
		Logger:          log,
		Metrics:         m,
	})
	if err := bus.Declare(ctx, contracts.Topology()); err != nil {
		return nil, fmt.Errorf("declare topology: %w", err)
	}

	return &Deps{
		Config:  cfg,
		Log:     log,
		Metrics: m,
		Clients: clients,
		Bus:     bus,
		Guards:  idempotency.NewStore(clients.DynamoDB, cfg.Tables.Idempotency, cfg.IdempotencyTTL),
		Alerts:  aws.NewAlertEmitter(clients.CloudWatch, cfg.AlertNamespace, cfg.Service),
		Router:  handlers.NewRouter(m),
	}, nil
}

// Consumer binds a queue to the handler that processes it.
type Consumer struct {
	Queue   string
	Handler transport.Handler
}

// App is what a deployable contributes on top of Deps.
type App struct {
	Consumers []Consumer
	// OnStart runs after consumers are started in a local process.
	OnStart func(ctx context.Context) error
	// OnStop runs after the HTTP server and consumers have stopped.
	OnStop func(ctx context.Context) error
	// RequiresProcess marks apps whose goroutines outlive a single request.
	// Lambda freezes the sandbox between invocations, so such apps only run
	// with RUN_LOCAL.
	RequiresProcess bool
}

// Run serves app until ctx is cancelled. Outside RUN_LOCAL the process becomes
// a Lambda function: LAMBDA_MODE=api proxies API Gateway requests to the
// router and LAMBDA_MODE=sqs dispatches SQS batches to the consumers. Apps
// with start or stop hooks refuse Lambda and return ErrNeedsProcess.
func Run(ctx context.Context, d *Deps, app App) error {
	if !d.Config.RunLocal {
		if app.RequiresProcess || app.OnStart != nil || app.OnStop != nil {
			return fmt.Errorf("%s in lambda mode %q: %w (set RUN_LOCAL=true)", d.Config.Service, d.Config.LambdaMode, ErrNeedsProcess)
		}
		startLambda(d, app)
		return nil
	}
	return runLocal(ctx, d, app)
}

func startLambda(d *Deps, app App) {
	if d.Config.LambdaMode == "sqs" {
		routes := make(map[string]transport.Handler, len(app.Consumers))
		for _, c := range app.Consumers {
			routes[c.Queue] = c.Handler
		}
		d.Log.Info("starting sqs lambda", "queues", len(routes))
		lambda.Start(d.Bus.LambdaHandler(routes))
		return
	}

	// lambda adapter
	adapter := ginadapter.New(d.Router)
	d.Log.Info("starting api lambda")
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func runLocal(ctx context.Context, d *Deps, app App) error {
	srv := &http.Server{
		Addr:              d.Config.HTTPAddr,
		Handler:           d.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1+len(app.Consumers))
	consumeCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()

	var wg sync.WaitGroup
	for _, c := range app.Consumers {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			if err := d.Bus.Consume(consumeCtx, c.Queue, d.Config.ConsumerWorkers, c.Handler); err != nil {
				errs <- fmt.Errorf("consume %s: %w", c.Queue, err)
			}
		}(c)
	}

	if app.OnStart != nil {
		if err := app.OnStart(ctx); err != nil {
			stopConsumers()
			wg.Wait()
			return fmt.Errorf("start %s: %w", d.Config.Service, err)
		}
	}

	go func() {
		d.Log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.Log.Info("shutting down", "service", d.Config.Service)
	case runErr = <-errs:
		d.Log.Error("service failed", "service", d.Config.Service, "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.Log.Error("http shutdown", "error", err)
	}
	stopConsumers()
	wg.Wait()

	if app.OnStop != nil {
		if err := app.OnStop(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return runErr
}
