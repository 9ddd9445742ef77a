package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
)

const trackingIndex = "tracking_id-index"

type Store interface {
	// Create stores d unless a delivery for the same order exists; created is
	// false in that case.
	Create(ctx context.Context, d Delivery) (created bool, err error)
	Get(ctx context.Context, orderID string) (*Delivery, error)
	GetByTracking(ctx context.Context, trackingID string) (*Delivery, error)
	List(ctx context.Context) ([]Delivery, error)
	// Transition moves orderID from -> to, failing with ErrStatusMismatch if the
	// stored status is no longer from.
	Transition(ctx context.Context, orderID string, from, to Status) error
	// Advance is Transition for the lease holder: it also fails with
	// ErrStatusMismatch when owner no longer holds the lease, and extends the
	// lease to until.
	Advance(ctx context.Context, orderID, owner string, from, to Status, until time.Time) error
	// Claim hands the lease on d to owner until the given time. It reports
	// false when the lease stored for d changed since d was read.
	Claim(ctx context.Context, d Delivery, owner string, until time.Time) (bool, error)
	// MarkAnnounced records that the event for status s went out. It is a
	// no-op once the delivery has moved past s.
	MarkAnnounced(ctx context.Context, orderID string, s Status) error
}

// DynamoStore keeps one delivery per order id.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, nowFunc: time.Now}
}

func (s *DynamoStore) Create(ctx context.Context, d Delivery) (bool, error) {
	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return false, fmt.Errorf("marshal delivery: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(order_id)"),
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put delivery: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) Get(ctx context.Context, orderID string) (*Delivery, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrDeliveryNotFound)
	}
	var d Delivery
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return &d, nil
}

func (s *DynamoStore) GetByTracking(ctx context.Context, trackingID string) (*Delivery, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:                 &s.tableName,
		IndexName:                 aws.String(trackingIndex),
		KeyConditionExpression:    aws.String("tracking_id = :tid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":tid": aws.S(trackingID)},
	})
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("tracking %s: %w", trackingID, ErrDeliveryNotFound)
	}
	var d Delivery
	if err := attributevalue.UnmarshalMap(out.Items[0], &d); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return &d, nil
}

func (s *DynamoStore) List(ctx context.Context) ([]Delivery, error) {
	var (
		out   []Delivery
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{TableName: &s.tableName, ExclusiveStartKey: start})
		if err != nil {
			return nil, fmt.Errorf("scan deliveries: %w", err)
		}
		var batch []Delivery
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal deliveries: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (s *DynamoStore) Transition(ctx context.Context, orderID string, from, to Status) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		UpdateExpression:         aws.String("SET #s = :to, updated_at = :ua"),
		ConditionExpression:      aws.String("#s = :from"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   aws.S(string(to)),
			":from": aws.S(string(from)),
			":ua":   aws.S(s.nowFunc().UTC().Format(time.RFC3339Nano)),
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return fmt.Errorf("order %s %s -> %s: %w", orderID, from, to, ErrStatusMismatch)
		}
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

func (s *DynamoStore) Advance(ctx context.Context, orderID, owner string, from, to Status, until time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		UpdateExpression:         aws.String("SET #s = :to, updated_at = :ua, lease_until = :until"),
		ConditionExpression:      aws.String("#s = :from AND lease_owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":    aws.S(string(to)),
			":from":  aws.S(string(from)),
			":owner": aws.S(owner),
			":until": aws.Int(until.UnixMilli()),
			":ua":    aws.S(s.nowFunc().UTC().Format(time.RFC3339Nano)),
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return fmt.Errorf("order %s %s -> %s as %s: %w", orderID, from, to, owner, ErrStatusMismatch)
		}
		return fmt.Errorf("advance delivery: %w", err)
	}
	return nil
}

func (s *DynamoStore) Claim(ctx context.Context, d Delivery, owner string, until time.Time) (bool, error) {
	values := map[string]types.AttributeValue{
		":owner": aws.S(owner),
		":until": aws.Int(until.UnixMilli()),
	}
	cond := "attribute_exists(order_id) AND attribute_not_exists(lease_owner)"
	if d.LeaseOwner != "" {
		cond = "lease_owner = :prev AND lease_until = :prevUntil"
		values[":prev"] = aws.S(d.LeaseOwner)
		values[":prevUntil"] = aws.Int(d.LeaseUntil)
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       map[string]types.AttributeValue{"order_id": aws.S(d.OrderID)},
		UpdateExpression:          aws.String("SET lease_owner = :owner, lease_until = :until"),
		ConditionExpression:       &cond,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim delivery %s: %w", d.OrderID, err)
	}
	return true, nil
}

func (s *DynamoStore) MarkAnnounced(ctx context.Context, orderID string, st Status) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      map[string]types.AttributeValue{"order_id": aws.S(orderID)},
		UpdateExpression:         aws.String("SET announced_status = :st"),
		ConditionExpression:      aws.String("#s = :st"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": aws.S(string(st)),
		},
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("mark delivery %s announced: %w", orderID, err)
	}
	return nil
}

var _ Store = (*DynamoStore)(nil)
