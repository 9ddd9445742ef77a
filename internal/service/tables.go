package service

import (
	"context"
	"errors"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-fulfillment-saga/internal/aws"
	"github.com/imrishuroy/go-fulfillment-saga/internal/config"
)

// index names shared with the stores
const (
	orderIndex    = "order_id-index"
	trackingIndex = "tracking_id-index"
)

// TableSpecs describes every table the services use. All are on-demand with a
// string partition key.
func TableSpecs(t config.Tables) []*dynamodb.CreateTableInput {
	return []*dynamodb.CreateTableInput{
		tableSpec(t.Accounts, "account_number"),
		tableSpec(t.Transactions, "transaction_id", orderIndex, "order_id"),
		tableSpec(t.Idempotency, "idempotency_key"),
		tableSpec(t.Orders, "order_id"),
		tableSpec(t.Payments, "payment_id", orderIndex, "order_id"),
		tableSpec(t.Deliveries, "order_id", trackingIndex, "tracking_id"),
	}
}

// tableSpec builds a table keyed on key with an optional single GSI
// (indexName, indexKey).
func tableSpec(name, key string, index ...string) *dynamodb.CreateTableInput {
	in := &dynamodb.CreateTableInput{
		TableName:   sdkaws.String(name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: sdkaws.String(key), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: sdkaws.String(key), KeyType: types.KeyTypeHash},
		},
	}
	if len(index) == 2 {
		in.AttributeDefinitions = append(in.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: sdkaws.String(index[1]), AttributeType: types.ScalarAttributeTypeS,
		})
		in.GlobalSecondaryIndexes = []types.GlobalSecondaryIndex{{
			IndexName:  sdkaws.String(index[0]),
			KeySchema:  []types.KeySchemaElement{{AttributeName: sdkaws.String(index[1]), KeyType: types.KeyTypeHash}},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}}
	}
	return in
}

// CreateTables creates the missing tables and returns the names it created.
// Tables that already exist are left untouched.
func CreateTables(ctx context.Context, client aws.DynamoDBAdminAPI, t config.Tables) ([]string, error) {
	var created []string
	for _, spec := range TableSpecs(t) {
		_, err := client.CreateTable(ctx, spec)
		var inUse *types.ResourceInUseException
		switch {
		case errors.As(err, &inUse):
			continue
		case err != nil:
			return created, fmt.Errorf("create table %s: %w", sdkaws.ToString(spec.TableName), err)
		}
		created = append(created, sdkaws.ToString(spec.TableName))
	}
	return created, nil
}
