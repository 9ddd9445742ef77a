// Package transporttest provides in-memory stand-ins for the SQS bus.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
)

// Published is one recorded publish.
type Published struct {
	RoutingKey string
	Body       []byte
}

// Decode unmarshals the recorded body into v.
func (p Published) Decode(v any) error {
	return json.Unmarshal(p.Body, v)
}

// Recorder is a Publisher that keeps everything it is given.
type Recorder struct {
	mu       sync.Mutex
	messages []Published
	failures map[string][]error
}

func NewRecorder() *Recorder {
	return &Recorder{failures: map[string][]error{}}
}

// FailNext makes the next publish on routingKey return err without recording.
func (r *Recorder) FailNext(routingKey string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[routingKey] = append(r.failures[routingKey], err)
}

func (r *Recorder) Publish(_ context.Context, routingKey string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if errs := r.failures[routingKey]; len(errs) > 0 {
		r.failures[routingKey] = errs[1:]
		return errs[0]
	}
	body, _, err := transport.Encode(routingKey, payload)
	if err != nil {
		return err
	}
	r.messages = append(r.messages, Published{RoutingKey: routingKey, Body: body})
	return nil
}

// All returns every recorded publish in order.
func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.messages...)
}

// On returns the publishes for one routing key, in order.
func (r *Recorder) On(routingKey string) []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Published
	for _, m := range r.messages {
		if m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// MemoryBus routes by bindings into in-memory queues. Nothing is delivered
// until Drain is called, which keeps multi-service tests deterministic.
type MemoryBus struct {
	mu          sync.Mutex
	routes      map[string][]string
	queues      map[string][]transport.Message
	handlers    map[string]transport.Handler
	deadLetters map[string][]transport.Message
	maxAttempts int
	seq         int
	Published   *Recorder
}

// NewMemoryBus declares bindings. Messages requeued maxAttempts times move to
// the queue's dead letters.
func NewMemoryBus(bindings []transport.Binding, maxAttempts int) *MemoryBus {
	b := &MemoryBus{
		routes:      map[string][]string{},
		queues:      map[string][]transport.Message{},
		handlers:    map[string]transport.Handler{},
		deadLetters: map[string][]transport.Message{},
		maxAttempts: maxAttempts,
		Published:   NewRecorder(),
	}
	for _, bnd := range bindings {
		b.routes[bnd.RoutingKey] = append(b.routes[bnd.RoutingKey], bnd.Queue)
		b.queues[bnd.Queue] = nil
	}
	return b
}

// Subscribe sets the handler Drain uses for queue.
func (b *MemoryBus) Subscribe(queue string, h transport.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = h
}

func (b *MemoryBus) Publish(ctx context.Context, routingKey string, payload any) error {
	b.mu.Lock()
	queues := b.routes[routingKey]
	b.mu.Unlock()
	if len(queues) == 0 {
		return fmt.Errorf("publish %s: %w", routingKey, transport.ErrNoRoute)
	}
	if err := b.Published.Publish(ctx, routingKey, payload); err != nil {
		return err
	}
	body, attrs, err := transport.Encode(routingKey, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range queues {
		b.seq++
		b.queues[q] = append(b.queues[q], transport.Message{
			ID:         fmt.Sprintf("mem-%d", b.seq),
			Queue:      q,
			RoutingKey: routingKey,
			Body:       body,
			Attributes: attrs,
		})
	}
	return nil
}

// Inject enqueues a raw message, for redelivery and garbage-body tests.
func (b *MemoryBus) Inject(queue string, msg transport.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("mem-%d", b.seq)
	}
	msg.Queue = queue
	b.queues[queue] = append(b.queues[queue], msg)
}

// Drain delivers messages until every subscribed queue is empty and returns
// the number delivered. Queues without a subscriber keep their messages.
func (b *MemoryBus) Drain(ctx context.Context) int {
	delivered := 0
	for {
		msg, h, ok := b.next()
		if !ok {
			return delivered
		}
		delivered++
		msg.ReceiveCount++

		err := transport.Safely(ctx, h, msg)
		if err == nil || transport.IsPermanent(err) {
			continue
		}

		b.mu.Lock()
		if msg.ReceiveCount >= b.maxAttempts {
			b.deadLetters[msg.Queue] = append(b.deadLetters[msg.Queue], msg)
		} else {
			b.queues[msg.Queue] = append(b.queues[msg.Queue], msg)
		}
		b.mu.Unlock()
	}
}

func (b *MemoryBus) next() (transport.Message, transport.Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.handlers))
	for q := range b.handlers {
		names = append(names, q)
	}
	sort.Strings(names)
	for _, q := range names {
		if msgs := b.queues[q]; len(msgs) > 0 {
			b.queues[q] = msgs[1:]
			return msgs[0], b.handlers[q], true
		}
	}
	return transport.Message{}, nil, false
}

// Pending returns the messages waiting on queue.
func (b *MemoryBus) Pending(queue string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Message(nil), b.queues[queue]...)
}

// DeadLetters returns messages that exhausted their attempts on queue.
func (b *MemoryBus) DeadLetters(queue string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Message(nil), b.deadLetters[queue]...)
}

// ErrUnavailable is a ready-made transient failure for FailNext.
var ErrUnavailable = errors.New("transport unavailable")

var (
	_ transport.Publisher = (*Recorder)(nil)
	_ transport.Publisher = (*MemoryBus)(nil)
)
