package awstest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSMessage is a message held by FakeSQS.
type SQSMessage struct {
	ID           string
	Body         string
	Attributes   map[string]sqstypes.MessageAttributeValue
	ReceiveCount int

	receipt  string
	inFlight bool
}

// Attr returns a string message attribute.
func (m SQSMessage) Attr(name string) string {
	if v, ok := m.Attributes[name]; ok && v.StringValue != nil {
		return *v.StringValue
	}
	return ""
}

type fakeQueue struct {
	name     string
	attrs    map[string]string
	messages []*SQSMessage
}

// FakeSQS keeps queues in memory. ReceiveMessage returns immediately when a
// queue is empty, after a short pause so polling loops do not spin.
type FakeSQS struct {
	mu     sync.Mutex
	queues map[string]*fakeQueue // by URL
	seq    int
}

// NewFakeSQS returns a fake with no queues.
func NewFakeSQS() *FakeSQS {
	return &FakeSQS{queues: map[string]*fakeQueue{}}
}

// URL is the queue URL the fake assigns to name.
func URL(name string) string {
	return "https://sqs.us-east-1.amazonaws.com/000000000000/" + name
}

// Queues returns the attributes of every created queue, keyed by name.
func (f *FakeSQS) Queues() map[string]map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]map[string]string{}
	for _, q := range f.queues {
		out[q.name] = q.attrs
	}
	return out
}

// Messages returns a snapshot of the messages currently held by a queue.
func (f *FakeSQS) Messages(name string) []SQSMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[URL(name)]
	if !ok {
		return nil
	}
	out := make([]SQSMessage, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, *m)
	}
	return out
}

func (f *FakeSQS) CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := URL(*in.QueueName)
	if _, ok := f.queues[url]; !ok {
		f.queues[url] = &fakeQueue{name: *in.QueueName, attrs: in.Attributes}
	}
	return &sqs.CreateQueueOutput{QueueUrl: sdkaws.String(url)}, nil
}

func (f *FakeSQS) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[*in.QueueUrl]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: in.QueueUrl}
	}
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(sqstypes.QueueAttributeNameQueueArn): "arn:aws:sqs:us-east-1:000000000000:" + q.name,
	}}, nil
}

func (f *FakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[*in.QueueUrl]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: in.QueueUrl}
	}
	f.seq++
	id := fmt.Sprintf("msg-%d", f.seq)
	q.messages = append(q.messages, &SQSMessage{ID: id, Body: *in.MessageBody, Attributes: in.MessageAttributes})
	return &sqs.SendMessageOutput{MessageId: sdkaws.String(id)}, nil
}

func (f *FakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := f.receive(in)
	if len(out.Messages) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return out, nil
}

func (f *FakeSQS) receive(in *sqs.ReceiveMessageInput) *sqs.ReceiveMessageOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{}
	q, ok := f.queues[*in.QueueUrl]
	if !ok {
		return out
	}
	max := int(in.MaxNumberOfMessages)
	if max <= 0 {
		max = 1
	}
	dlq, maxReceive := f.redriveTarget(q)
	kept := q.messages[:0]
	for _, m := range q.messages {
		if dlq != nil && !m.inFlight && m.ReceiveCount >= maxReceive {
			dlq.messages = append(dlq.messages, &SQSMessage{ID: m.ID, Body: m.Body, Attributes: m.Attributes})
			continue
		}
		kept = append(kept, m)
	}
	q.messages = kept
	for _, m := range q.messages {
		if len(out.Messages) == max {
			break
		}
		if m.inFlight {
			continue
		}
		f.seq++
		m.inFlight = true
		m.ReceiveCount++
		m.receipt = fmt.Sprintf("rh-%d", f.seq)
		out.Messages = append(out.Messages, sqstypes.Message{
			MessageId:         sdkaws.String(m.ID),
			ReceiptHandle:     sdkaws.String(m.receipt),
			Body:              sdkaws.String(m.Body),
			MessageAttributes: m.Attributes,
			Attributes: map[string]string{
				string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(m.ReceiveCount),
			},
		})
	}
	return out
}

// redriveTarget resolves the queue's RedrivePolicy, if any. Caller holds f.mu.
func (f *FakeSQS) redriveTarget(q *fakeQueue) (*fakeQueue, int) {
	raw, ok := q.attrs["RedrivePolicy"]
	if !ok {
		return nil, 0
	}
	var policy struct {
		DeadLetterTargetArn string `json:"deadLetterTargetArn"`
		MaxReceiveCount     string `json:"maxReceiveCount"`
	}
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return nil, 0
	}
	max, err := strconv.Atoi(policy.MaxReceiveCount)
	if err != nil || max <= 0 {
		return nil, 0
	}
	name := policy.DeadLetterTargetArn[strings.LastIndex(policy.DeadLetterTargetArn, ":")+1:]
	dlq, ok := f.queues[URL(name)]
	if !ok {
		return nil, 0
	}
	return dlq, max
}

func (f *FakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[*in.QueueUrl]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: in.QueueUrl}
	}
	for i, m := range q.messages {
		if m.receipt == *in.ReceiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &sqstypes.ReceiptHandleIsInvalid{Message: in.ReceiptHandle}
}

func (f *FakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[*in.QueueUrl]
	if !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: in.QueueUrl}
	}
	for _, m := range q.messages {
		if m.receipt == *in.ReceiptHandle {
			if in.VisibilityTimeout == 0 {
				m.inFlight = false
			}
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, &sqstypes.ReceiptHandleIsInvalid{Message: in.ReceiptHandle}
}

// FakeCloudWatch records PutMetricData calls.
type FakeCloudWatch struct {
	mu    sync.Mutex
	Input []*cloudwatch.PutMetricDataInput
}

func (f *FakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Input = append(f.Input, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// MetricNames returns the metric names recorded so far, in call order.
func (f *FakeCloudWatch) MetricNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, in := range f.Input {
		for _, d := range in.MetricData {
			out = append(out, *d.MetricName)
		}
	}
	return out
}
