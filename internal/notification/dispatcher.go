// Package notification delivers the customer emails requested by fulfillment.
// It keeps no state: a failed send is requeued and a duplicate send is accepted.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
	"github.com/imrishuroy/go-fulfillment-saga/internal/validation"
)

// Email is a rendered message ready to hand to a Sender.
type Email struct {
	To      string
	Subject string
	Body    string
	OrderID string
	Status  string
}

// String renders the email in a plain RFC 5322-ish text form.
func (e Email) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", e.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", e.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(e.Body)
	return b.String()
}

type Sender interface {
	Send(ctx context.Context, e Email) error
}

// LogSender "sends" by writing the email to the log.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(_ context.Context, e Email) error {
	s.Log.Info("email sent", "to", e.To, "subject", e.Subject, "order_id", e.OrderID, "status", e.Status, "raw", e.String())
	return nil
}

type Dispatcher struct {
	sender   Sender
	validate *validatorv10.Validate
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(sender Sender, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{sender: sender, validate: validation.New(), log: log, metrics: m}
}

// Handle consumes email.request.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) error {
	var req contracts.NotificationRequest
	if err := msg.Decode(&req); err != nil {
		d.count("invalid")
		return err
	}
	if err := d.validate.Struct(req); err != nil {
		d.count("invalid")
		return transport.Permanent(fmt.Errorf("invalid notification for order %q: %w", req.OrderID, err))
	}

	email := Email{To: req.ToAddress, Subject: req.Subject, Body: req.Body, OrderID: req.OrderID, Status: req.Status}
	if err := d.sender.Send(ctx, email); err != nil {
		d.count("failed")
		d.log.Warn("email not sent, requeueing", "order_id", req.OrderID, "to", req.ToAddress, "attempt", msg.ReceiveCount, "error", err)
		return fmt.Errorf("send email for order %s: %w", req.OrderID, err)
	}
	d.count("sent")
	return nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(result).Inc()
	}
}
