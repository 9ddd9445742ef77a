package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/aws/awstest"
)

func newFake() *awstest.FakeDynamo {
	return awstest.NewFakeDynamo().AddTable("idempotency-table", "idempotency_key")
}

func TestCreateIfNotExists_Get_MarkDone_MarkFailed(t *testing.T) {
	fake := newFake()
	s := NewStore(fake, "idempotency-table", 48*time.Hour)

	ctx := context.Background()
	key := "test-key-1"
	orderID := "order-123"

	created, err := s.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		t.Fatalf("CreateIfNotExists error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create should return created=false (exists)
	created2, err := s.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		t.Fatalf("second CreateIfNotExists error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.OrderID != orderID {
		t.Fatalf("order id mismatch")
	}

	if err := s.MarkDone(ctx, key, "{\"ok\":true}", 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	item := fake.Item("idempotency-table", key)
	if item == nil {
		t.Fatalf("fake item missing")
	}
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", item["status"])
	}
	if rb, ok := item["response_body"].(*types.AttributeValueMemberS); !ok || rb.Value != "{\"ok\":true}" {
		t.Fatalf("response_body not set correctly: %+v", item["response_body"])
	}

	// MarkFailed overwrites status
	if err := s.MarkFailed(ctx, key, "failed-reason"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	item2 := fake.Item("idempotency-table", key)
	if st, ok := item2["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusFailed {
		t.Fatalf("status not updated to FAILED, got %+v", item2["status"])
	}
	if n, ok := item2["note"].(*types.AttributeValueMemberS); !ok || n.Value != "failed-reason" {
		t.Fatalf("note not set, got %+v", item2["note"])
	}
}

func TestGet_Missing(t *testing.T) {
	s := NewStore(newFake(), "idempotency-table", time.Hour)

	rec, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestTransactCreate_GuardsSecondUse(t *testing.T) {
	fake := newFake().AddTable("other", "pk")
	s := NewStore(fake, "idempotency-table", time.Hour)
	ctx := context.Background()

	write := func(pk string) error {
		guard, err := s.TransactCreate("PAYMENT:7", "7", StatusDone, "txn-1")
		if err != nil {
			t.Fatalf("TransactCreate: %v", err)
		}
		_, err = fake.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String("other"), Item: map[string]types.AttributeValue{"pk": aws.S(pk)}}},
			guard,
		}})
		return err
	}

	if err := write("first"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := write("second")
	failed, ok := aws.CancelledItems(err)
	if !ok || len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("expected guard item to fail, got %v (%v)", failed, err)
	}
	if fake.Count("other") != 1 {
		t.Fatalf("second write must not commit")
	}

	rec, err := s.Get(ctx, "PAYMENT:7")
	if err != nil || rec == nil {
		t.Fatalf("Get: %v %v", rec, err)
	}
	if rec.Status != StatusDone || rec.ResponseBody != "txn-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestAttributevalueMarshal_Unmarshal(t *testing.T) {
	rec := IdempotencyRecord{
		IdempotencyKey: "k1",
		Status:         StatusInProgress,
		OrderID:        "o1",
		CreatedAt:      time.Now().Round(time.Second),
		UpdatedAt:      time.Now().Round(time.Second),
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	m, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out IdempotencyRecord
	if err := attributevalue.UnmarshalMap(m, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.IdempotencyKey != rec.IdempotencyKey {
		t.Fatalf("unmarshal mismatch")
	}
}
