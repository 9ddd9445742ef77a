package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/idempotency"
)

const orderIndex = "order_id-index"

// Store is the persistence the ledger service needs.
type Store interface {
	CreateAccount(ctx context.Context, number string, initial decimal.Decimal) (*Account, error)
	GetAccount(ctx context.Context, number string) (*Account, error)
	Adjust(ctx context.Context, number string, delta decimal.Decimal) (*Account, error)
	Transfer(ctx context.Context, in TransferInput) (*Transaction, error)
	Replay(ctx context.Context, requestKey string) (string, error)
	Transactions(ctx context.Context, orderID string) ([]Transaction, error)
}

// DynamoStore keeps accounts and the transaction log in DynamoDB. Each balance
// movement is a single TransactWriteItems call, so DynamoDB serializes
// conflicting transfers per account while disjoint ones never contend.
type DynamoStore struct {
	client       aws.DynamoDBAPI
	accounts     string
	transactions string
	guards       *idempotency.Store
	nowFunc      func() time.Time
	newID        func() string
}

// NewDynamoStore wires the accounts and transactions tables; guards supplies the
// idempotency table used for request keys.
func NewDynamoStore(client aws.DynamoDBAPI, accountsTable, transactionsTable string, guards *idempotency.Store) *DynamoStore {
	return &DynamoStore{
		client:       client,
		accounts:     accountsTable,
		transactions: transactionsTable,
		guards:       guards,
		nowFunc:      time.Now,
		newID:        uuid.NewString,
	}
}

func (s *DynamoStore) CreateAccount(ctx context.Context, number string, initial decimal.Decimal) (*Account, error) {
	now := s.nowFunc()
	acct := Account{
		AccountNumber: number,
		ID:            s.newID(),
		Balance:       aws.NewDecimal(initial),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	item, err := attributevalue.MarshalMap(acct)
	if err != nil {
		return nil, fmt.Errorf("marshal account: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.accounts,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(account_number)"),
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return nil, fmt.Errorf("create %s: %w", number, ErrDuplicateAccount)
		}
		return nil, fmt.Errorf("put account: %w", err)
	}
	return &acct, nil
}

func (s *DynamoStore) GetAccount(ctx context.Context, number string) (*Account, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.accounts,
		Key:            map[string]types.AttributeValue{"account_number": aws.S(number)},
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("account %s: %w", number, ErrAccountNotFound)
	}
	var acct Account
	if err := attributevalue.UnmarshalMap(out.Item, &acct); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &acct, nil
}

// Adjust adds delta to the balance. A negative delta is refused if it would
// take the balance below zero.
func (s *DynamoStore) Adjust(ctx context.Context, number string, delta decimal.Decimal) (*Account, error) {
	cond := "attribute_exists(account_number)"
	update := "SET balance = balance + :amt, updated_at = :ua"
	amt := delta
	if delta.IsNegative() {
		cond += " AND balance >= :amt"
		update = "SET balance = balance - :amt, updated_at = :ua"
		amt = delta.Neg()
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.accounts,
		Key:                 map[string]types.AttributeValue{"account_number": aws.S(number)},
		UpdateExpression:    &update,
		ConditionExpression: &cond,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amt": aws.N(amt),
			":ua":  aws.S(s.nowFunc().Format(time.RFC3339Nano)),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return nil, s.explain(ctx, number)
		}
		return nil, fmt.Errorf("adjust balance: %w", err)
	}

	var acct Account
	if err := attributevalue.UnmarshalMap(out.Attributes, &acct); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &acct, nil
}

// Transfer debits, credits and appends the ledger row in one transaction. The
// debit carries the balance check, so an insufficient balance cancels all of it.
func (s *DynamoStore) Transfer(ctx context.Context, in TransferInput) (*Transaction, error) {
	now := s.nowFunc()
	txn := Transaction{
		TransactionID: s.newID(),
		FromAccount:   in.FromAccount,
		ToAccount:     in.ToAccount,
		Amount:        aws.NewDecimal(in.Amount),
		Status:        StatusCompleted,
		Kind:          in.Kind,
		OrderID:       in.OrderID,
		CreatedAt:     now,
	}
	txnItem, err := attributevalue.MarshalMap(txn)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}

	values := map[string]types.AttributeValue{
		":amt": aws.N(in.Amount),
		":ua":  aws.S(now.Format(time.RFC3339Nano)),
	}
	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:                 &s.accounts,
				Key:                       map[string]types.AttributeValue{"account_number": aws.S(in.FromAccount)},
				UpdateExpression:          aws.String("SET balance = balance - :amt, updated_at = :ua"),
				ConditionExpression:       aws.String("attribute_exists(account_number) AND balance >= :amt"),
				ExpressionAttributeValues: values,
			},
		},
		{
			Update: &types.Update{
				TableName:                 &s.accounts,
				Key:                       map[string]types.AttributeValue{"account_number": aws.S(in.ToAccount)},
				UpdateExpression:          aws.String("SET balance = balance + :amt, updated_at = :ua"),
				ConditionExpression:       aws.String("attribute_exists(account_number)"),
				ExpressionAttributeValues: values,
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.transactions,
				Item:                txnItem,
				ConditionExpression: aws.String("attribute_not_exists(transaction_id)"),
			},
		},
	}
	if in.RequestKey != "" {
		guard, err := s.guards.TransactCreate(in.RequestKey, in.OrderID, idempotency.StatusDone, txn.TransactionID)
		if err != nil {
			return nil, err
		}
		items = append(items, guard)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return &txn, nil
	}

	failed, cancelled := aws.CancelledItems(err)
	if !cancelled {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	for _, i := range failed {
		switch i {
		case 3:
			return nil, fmt.Errorf("%s: %w", in.RequestKey, ErrDuplicateRequest)
		case 1:
			return nil, fmt.Errorf("account %s: %w", in.ToAccount, ErrAccountNotFound)
		}
	}
	for _, i := range failed {
		if i == 0 {
			return nil, s.explain(ctx, in.FromAccount)
		}
	}
	// cancelled without a condition failure: conflict or throttling, worth retrying
	return nil, fmt.Errorf("transfer cancelled: %w", err)
}

// explain turns a failed balance condition into the matching business error.
func (s *DynamoStore) explain(ctx context.Context, number string) error {
	if _, err := s.GetAccount(ctx, number); err != nil {
		return err
	}
	return fmt.Errorf("account %s: %w", number, ErrInsufficientBalance)
}

// Replay returns the transaction id recorded under requestKey.
func (s *DynamoStore) Replay(ctx context.Context, requestKey string) (string, error) {
	rec, err := s.guards.Get(ctx, requestKey)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", errors.New("request guard vanished: " + requestKey)
	}
	return rec.ResponseBody, nil
}

// Transactions lists ledger rows for orderID, or every row when orderID is empty.
func (s *DynamoStore) Transactions(ctx context.Context, orderID string) ([]Transaction, error) {
	var items []map[string]types.AttributeValue
	if orderID == "" {
		out, err := s.client.Scan(ctx, &dyn.ScanInput{TableName: &s.transactions})
		if err != nil {
			return nil, fmt.Errorf("scan transactions: %w", err)
		}
		items = out.Items
	} else {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:                 &s.transactions,
			IndexName:                 aws.String(orderIndex),
			KeyConditionExpression:    aws.String("order_id = :oid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":oid": aws.S(orderID)},
		})
		if err != nil {
			return nil, fmt.Errorf("query transactions: %w", err)
		}
		items = out.Items
	}

	txns := make([]Transaction, 0, len(items))
	if err := attributevalue.UnmarshalListOfMaps(items, &txns); err != nil {
		return nil, fmt.Errorf("unmarshal transactions: %w", err)
	}
	return txns, nil
}

var _ Store = (*DynamoStore)(nil)
