package fulfillment

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
)

type notice struct {
	subject string
	body    *template.Template
}

// Only these milestones reach the customer.
var notices = map[Status]notice{
	StatusPickedUp: {
		subject: "Your package has been picked up",
		body: template.Must(template.New("picked_up").Parse(
			"Dear {{.CustomerName}},\n\nYour order #{{.OrderID}} ({{.ItemName}}) has been picked up and is on its way!\n\n" +
				"Tracking ID: {{.TrackingID}}\n\nBest regards,\nDeliveryCo Team")),
	},
	StatusDelivered: {
		subject: "Your package has been delivered",
		body: template.Must(template.New("delivered").Parse(
			"Dear {{.CustomerName}},\n\nYour order #{{.OrderID}} ({{.ItemName}}) has been successfully delivered!\n\n" +
				"Tracking ID: {{.TrackingID}}\n\nThank you for choosing our service!\n\nBest regards,\nDeliveryCo Team")),
	},
	StatusLost: {
		subject: "Important: Package delivery issue",
		body: template.Must(template.New("lost").Parse(
			"Dear {{.CustomerName}},\n\nWe regret to inform you that your order #{{.OrderID}} ({{.ItemName}}) has been lost during delivery.\n\n" +
				"Tracking ID: {{.TrackingID}}\n\nPlease contact our customer service for assistance.\n\nBest regards,\nDeliveryCo Team")),
	},
}

// Notification renders the customer notice for d at status s. ok is false when
// s is not a notified milestone.
func Notification(d Delivery, s Status) (contracts.NotificationRequest, bool, error) {
	n, ok := notices[s]
	if !ok {
		return contracts.NotificationRequest{}, false, nil
	}
	var body bytes.Buffer
	if err := n.body.Execute(&body, d); err != nil {
		return contracts.NotificationRequest{}, false, fmt.Errorf("render %s notice: %w", s, err)
	}
	return contracts.NotificationRequest{
		ToAddress: d.CustomerEmail,
		Subject:   n.subject,
		Body:      body.String(),
		OrderID:   d.OrderID,
		Status:    string(s.Wire()),
	}, true, nil
}
