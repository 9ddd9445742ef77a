package fulfillment

import (
	"errors"
	"strings"
	"time"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
)

type Status string

// Delivery statuses. RECEIVED -> PICKED_UP -> IN_TRANSIT -> DELIVERED on the
// happy path; LOST and CANCELLED exit from any non-terminal status.
const (
	StatusReceived  Status = "RECEIVED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusInTransit Status = "IN_TRANSIT"
	StatusDelivered Status = "DELIVERED"
	StatusLost      Status = "LOST"
	StatusCancelled Status = "CANCELLED"
)

var forward = map[Status]Status{
	StatusReceived:  StatusPickedUp,
	StatusPickedUp:  StatusInTransit,
	StatusInTransit: StatusDelivered,
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusLost || s == StatusCancelled
}

// Next is the following happy-path status; ok is false for terminal statuses.
func (s Status) Next() (Status, bool) {
	n, ok := forward[s]
	return n, ok
}

// Wire is the lowercase form carried on delivery.status.
func (s Status) Wire() contracts.DeliveryStatus {
	return contracts.DeliveryStatus(strings.ToLower(string(s)))
}

var stageMessages = map[Status]string{
	StatusReceived:  "Package received at warehouse",
	StatusPickedUp:  "Package picked up by delivery driver",
	StatusInTransit: "Package is in transit to destination",
	StatusDelivered: "Package delivered successfully",
	StatusLost:      "Package lost during delivery",
	StatusCancelled: "Delivery cancelled",
}

// Delivery is an item in the deliveries table.
type Delivery struct {
	OrderID         string    `dynamodbav:"order_id" json:"orderId"` // PK
	DeliveryID      string    `dynamodbav:"delivery_id" json:"deliveryId"`
	TrackingID      string    `dynamodbav:"tracking_id" json:"trackingId"` // GSI tracking_id-index
	Status          Status    `dynamodbav:"status" json:"status"`
	DeliveryAddress string    `dynamodbav:"delivery_address" json:"deliveryAddress"`
	CustomerEmail   string    `dynamodbav:"customer_email" json:"customerEmail"`
	CustomerName    string    `dynamodbav:"customer_name" json:"customerName"`
	ItemName        string    `dynamodbav:"item_name" json:"itemName"`
	Quantity        int       `dynamodbav:"quantity" json:"quantity"`
	CreatedAt       time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `dynamodbav:"updated_at" json:"updatedAt"`

	// AnnouncedStatus trails Status until the status event for it has been
	// published. Resume republishes whatever is behind.
	AnnouncedStatus Status `dynamodbav:"announced_status,omitempty" json:"announcedStatus,omitempty"`
	// LeaseOwner is the engine driving the delivery; LeaseUntil (unix millis)
	// is when another engine may take it over.
	LeaseOwner string `dynamodbav:"lease_owner,omitempty" json:"-"`
	LeaseUntil int64  `dynamodbav:"lease_until,omitempty" json:"-"`
}

// Unannounced reports whether the current status still has to be published.
func (d Delivery) Unannounced() bool {
	return d.AnnouncedStatus != d.Status
}

var (
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrDeliveryTerminal = errors.New("delivery already finished")
	ErrStatusMismatch   = errors.New("delivery status changed concurrently")
)
