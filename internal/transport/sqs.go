package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	awsinternal "github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
)

const (
	dlqSuffix      = ".dlq"
	receiveBatch   = 10
	receiveWaitSec = 20
	receiveBackoff = time.Second
)

type SQSOptions struct {
	// QueuePrefix is prepended to every queue name, e.g. "dev-".
	QueuePrefix string
	// MaxReceiveCount bounds redelivery before a message lands in the DLQ.
	MaxReceiveCount int
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// SQSBus publishes and consumes over SQS queues declared from bindings.
type SQSBus struct {
	client  awsinternal.SQSAPI
	opts    SQSOptions
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	routes map[string][]string // routing key -> queue URLs
	urls   map[string]string   // queue name -> URL
}

func NewSQSBus(client awsinternal.SQSAPI, opts SQSOptions) *SQSBus {
	if opts.MaxReceiveCount <= 0 {
		opts.MaxReceiveCount = 5
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SQSBus{
		client:  client,
		opts:    opts,
		log:     log,
		metrics: opts.Metrics,
		routes:  map[string][]string{},
		urls:    map[string]string{},
	}
}

// Declare creates every bound queue together with its dead-letter queue and
// records the routes. CreateQueue is idempotent, so every service declares the
// full topology at startup.
func (b *SQSBus) Declare(ctx context.Context, bindings []Binding) error {
	for _, bnd := range bindings {
		url, err := b.declareQueue(ctx, bnd.Queue)
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.urls[bnd.Queue] = url
		if !slices.Contains(b.routes[bnd.RoutingKey], url) {
			b.routes[bnd.RoutingKey] = append(b.routes[bnd.RoutingKey], url)
		}
		b.mu.Unlock()

		b.log.Info("queue declared", "exchange", bnd.Exchange, "routing_key", bnd.RoutingKey, "queue", bnd.Queue)
	}
	return nil
}

func (b *SQSBus) declareQueue(ctx context.Context, queue string) (string, error) {
	dlq, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: sdkaws.String(b.opts.QueuePrefix + queue + dlqSuffix),
	})
	if err != nil {
		return "", fmt.Errorf("create dlq for %s: %w", queue, err)
	}

	attrs, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       dlq.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", fmt.Errorf("get dlq arn for %s: %w", queue, err)
	}

	policy, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)],
		"maxReceiveCount":     strconv.Itoa(b.opts.MaxReceiveCount),
	})
	if err != nil {
		return "", err
	}

	out, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: sdkaws.String(b.opts.QueuePrefix + queue),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameRedrivePolicy): string(policy),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create queue %s: %w", queue, err)
	}
	return *out.QueueUrl, nil
}

// Publish sends payload to every queue bound to routingKey.
func (b *SQSBus) Publish(ctx context.Context, routingKey string, payload any) error {
	b.mu.RLock()
	urls := b.routes[routingKey]
	b.mu.RUnlock()
	if len(urls) == 0 {
		return fmt.Errorf("publish %s: %w", routingKey, ErrNoRoute)
	}

	body, attrs, err := Encode(routingKey, payload)
	if err != nil {
		return err
	}

	msgAttrs := make(map[string]sqstypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		msgAttrs[k] = sqstypes.MessageAttributeValue{DataType: sdkaws.String("String"), StringValue: sdkaws.String(v)}
	}

	for _, url := range urls {
		if _, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:          sdkaws.String(url),
			MessageBody:       sdkaws.String(string(body)),
			MessageAttributes: msgAttrs,
		}); err != nil {
			return fmt.Errorf("publish %s: %w", routingKey, err)
		}
	}
	return nil
}

// Consume long-polls queue and hands messages to a pool of workers until ctx is
// cancelled. In-flight messages finish before Consume returns.
func (b *SQSBus) Consume(ctx context.Context, queue string, workers int, h Handler) error {
	b.mu.RLock()
	url, ok := b.urls[queue]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("consume %s: queue not declared", queue)
	}
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan sqstypes.Message)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				// finish acking even when ctx is being cancelled
				b.handle(context.WithoutCancel(ctx), url, queue, m, h)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	b.log.Info("consumer started", "queue", queue, "workers", workers)
	for {
		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    sdkaws.String(url),
			MaxNumberOfMessages:         receiveBatch,
			WaitTimeSeconds:             receiveWaitSec,
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Error("receive failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}
		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
				// unhandled messages become visible again after the timeout
				return nil
			}
		}
	}
}

func (b *SQSBus) handle(ctx context.Context, url, queue string, m sqstypes.Message, h Handler) {
	msg := Message{
		ID:         sdkaws.ToString(m.MessageId),
		Queue:      queue,
		Body:       []byte(sdkaws.ToString(m.Body)),
		Attributes: map[string]string{},
	}
	for k, v := range m.MessageAttributes {
		msg.Attributes[k] = sdkaws.ToString(v.StringValue)
	}
	msg.RoutingKey = msg.Attributes[AttrRoutingKey]
	msg.ReceiveCount = receiveCount(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])

	err := Safely(ctx, h, msg)
	switch {
	case err == nil:
		b.ack(ctx, url, m)
		b.count(queue, "ack")
	case IsPermanent(err):
		b.log.Warn("message dropped", "queue", queue, "message_id", msg.ID, "error", err)
		b.ack(ctx, url, m)
		b.count(queue, "drop")
	default:
		b.log.Warn("message requeued", "queue", queue, "message_id", msg.ID, "receive_count", msg.ReceiveCount, "error", err)
		if _, verr := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          sdkaws.String(url),
			ReceiptHandle:     m.ReceiptHandle,
			VisibilityTimeout: 0,
		}); verr != nil {
			b.log.Error("nack failed", "queue", queue, "message_id", msg.ID, "error", verr)
		}
		b.count(queue, "nack")
	}
}

// receiveCount parses ApproximateReceiveCount. A message being handled has
// been received at least once, so a missing or malformed value counts as 1.
func receiveCount(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (b *SQSBus) ack(ctx context.Context, url string, m sqstypes.Message) {
	if _, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      sdkaws.String(url),
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		b.log.Error("ack failed", "message_id", sdkaws.ToString(m.MessageId), "error", err)
	}
}

func (b *SQSBus) count(queue, outcome string) {
	if b.metrics != nil {
		b.metrics.Messages.WithLabelValues(queue, outcome).Inc()
	}
}

// LambdaHandler adapts queue handlers to an SQS-triggered Lambda. Requeued
// messages are reported as batch item failures; the function must have
// ReportBatchItemFailures enabled.
func (b *SQSBus) LambdaHandler(handlers map[string]Handler) func(context.Context, events.SQSEvent) (events.SQSEventResponse, error) {
	return func(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
		var resp events.SQSEventResponse
		for _, rec := range ev.Records {
			queue := strings.TrimPrefix(queueName(rec.EventSourceARN), b.opts.QueuePrefix)
			h, ok := handlers[queue]
			if !ok {
				b.log.Error("no handler for queue", "queue", queue, "message_id", rec.MessageId)
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
				continue
			}

			msg := Message{
				ID:         rec.MessageId,
				Queue:      queue,
				Body:       []byte(rec.Body),
				Attributes: map[string]string{},
			}
			for k, v := range rec.MessageAttributes {
				if v.StringValue != nil {
					msg.Attributes[k] = *v.StringValue
				}
			}
			msg.RoutingKey = msg.Attributes[AttrRoutingKey]
			msg.ReceiveCount = receiveCount(rec.Attributes["ApproximateReceiveCount"])

			err := Safely(ctx, h, msg)
			switch {
			case err == nil:
				b.count(queue, "ack")
			case IsPermanent(err):
				b.log.Warn("message dropped", "queue", queue, "message_id", msg.ID, "error", err)
				b.count(queue, "drop")
			default:
				b.log.Warn("message requeued", "queue", queue, "message_id", msg.ID, "error", err)
				b.count(queue, "nack")
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			}
		}
		return resp, nil
	}
}

// Routes reports the queue names bound to a routing key.
func (b *SQSBus) Routes(routingKey string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, url := range b.routes[routingKey] {
		out = append(out, url[strings.LastIndex(url, "/")+1:])
	}
	return out
}

func queueName(arn string) string {
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

var _ Publisher = (*SQSBus)(nil)
