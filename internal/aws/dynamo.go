package aws

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"
)

// Decimal stores a decimal.Decimal as a DynamoDB number so that condition
// expressions such as "balance >= :amt" compare numerically.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal wraps d.
func NewDecimal(d decimal.Decimal) Decimal { return Decimal{Decimal: d} }

// MarshalDynamoDBAttributeValue implements attributevalue.Marshaler.
func (d Decimal) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: d.String()}, nil
}

// UnmarshalDynamoDBAttributeValue implements attributevalue.Unmarshaler.
func (d *Decimal) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var raw string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		raw = v.Value
	case *types.AttributeValueMemberS:
		raw = v.Value
	case *types.AttributeValueMemberNULL:
		d.Decimal = decimal.Zero
		return nil
	default:
		return fmt.Errorf("decimal: unsupported attribute type %T", av)
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("decimal: %w", err)
	}
	d.Decimal = parsed
	return nil
}

// N is a number attribute for expression values.
func N(d decimal.Decimal) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: d.String()}
}

// Int is N for whole numbers such as unix timestamps.
func Int(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// S is a string attribute for keys and expression values.
func S(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

// Bool is a boolean attribute for expression values.
func Bool(v bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: v}
}

// String returns a pointer to s, for SDK input fields.
func String(s string) *string { return &s }

// IsConditionFailed reports whether err is a failed conditional write.
func IsConditionFailed(err error) bool {
	var cc *types.ConditionalCheckFailedException
	if errors.As(err, &cc) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// CancelledItems returns, for a cancelled TransactWriteItems call, the indexes of
// the items whose condition failed. ok is false when err is not a cancellation.
func CancelledItems(err error) (failed []int, ok bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	for i, reason := range tce.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			failed = append(failed, i)
		}
	}
	return failed, true
}
