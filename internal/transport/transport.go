// Package transport moves JSON messages between the saga services. Topics and
// routing keys are modelled on top of SQS: every binding owns one queue, and a
// publish fans out to every queue bound to the routing key.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	AttrRoutingKey    = "routing_key"
	AttrSchemaVersion = "schema_version"
	AttrContentType   = "content_type"

	// SchemaVersion is stamped on every published message.
	SchemaVersion = "1"
)

// ErrNoRoute is returned when nothing is bound to a routing key.
var ErrNoRoute = errors.New("no queue bound to routing key")

// Binding ties a queue to a routing key on an exchange.
type Binding struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

// Message is a received message.
type Message struct {
	ID           string
	Queue        string
	RoutingKey   string
	Body         []byte
	Attributes   map[string]string
	ReceiveCount int
}

// Decode unmarshals the body into v. A body that cannot be decoded will never
// decode, so the error is permanent.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return Permanent(fmt.Errorf("decode %s message %s: %w", m.RoutingKey, m.ID, err))
	}
	return nil
}

// Handler processes one message. Returning nil acknowledges it, a Permanent
// error acknowledges and drops it, any other error requeues it.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends payload, JSON encoded, to every queue bound to routingKey.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Encode marshals payload and returns the attributes every message carries.
func Encode(routingKey string, payload any) ([]byte, map[string]string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s payload: %w", routingKey, err)
	}
	return body, map[string]string{
		AttrRoutingKey:    routingKey,
		AttrSchemaVersion: SchemaVersion,
		AttrContentType:   "application/json",
	}, nil
}

// Safely runs h, turning a panic into an error so one bad message cannot take
// down a consumer.
func Safely(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s message %s: %v", msg.RoutingKey, msg.ID, r)
		}
	}()
	return h(ctx, msg)
}
