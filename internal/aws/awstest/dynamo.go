// Package awstest provides small in-memory stand-ins for the AWS clients used by
// the services. They understand exactly the expression forms our stores emit and
// fail loudly on anything else.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

type item = map[string]types.AttributeValue

type table struct {
	key     string
	indexes map[string]string
	items   map[string]item
}

// FakeDynamo is an in-memory DynamoDB supporting CreateTable, PutItem, GetItem,
// UpdateItem, TransactWriteItems, Query and Scan. All calls are serialized.
type FakeDynamo struct {
	mu       sync.Mutex
	tables   map[string]*table
	failures map[string]error
	calls    map[string]int
}

// NewFakeDynamo returns an empty fake with no tables.
func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		tables:   map[string]*table{},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

// AddTable registers a table with a single string partition key.
func (f *FakeDynamo) AddTable(name, key string) *FakeDynamo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{key: key, indexes: map[string]string{}, items: map[string]item{}}
	return f
}

// CreateTable registers a table from its HASH key and global secondary
// indexes. Creating an existing table fails with ResourceInUseException.
func (f *FakeDynamo) CreateTable(ctx context.Context, in *dyn.CreateTableInput, optFns ...func(*dyn.Options)) (*dyn.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateTable", in.TableName); err != nil {
		return nil, err
	}
	name := sdkaws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: sdkaws.String("table already exists: " + name)}
	}
	key, err := hashKey(in.KeySchema)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	t := &table{key: key, indexes: map[string]string{}, items: map[string]item{}}
	for _, gsi := range in.GlobalSecondaryIndexes {
		attr, err := hashKey(gsi.KeySchema)
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", sdkaws.ToString(gsi.IndexName), err)
		}
		t.indexes[sdkaws.ToString(gsi.IndexName)] = attr
	}
	f.tables[name] = t
	return &dyn.CreateTableOutput{TableDescription: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func hashKey(schema []types.KeySchemaElement) (string, error) {
	for _, k := range schema {
		if k.KeyType == types.KeyTypeHash {
			return sdkaws.ToString(k.AttributeName), nil
		}
	}
	return "", errors.New("no HASH key")
}

// Tables lists the table names in sorted order.
func (f *FakeDynamo) Tables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tables))
	for n := range f.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddIndex registers a global secondary index keyed on attr.
func (f *FakeDynamo) AddIndex(tableName, index, attr string) *FakeDynamo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[tableName].indexes[index] = attr
	return f
}

// FailNext makes the next call of op (e.g. "UpdateItem") return err.
func (f *FakeDynamo) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Calls returns how many times op was invoked.
func (f *FakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Item returns a copy of the stored item, or nil.
func (f *FakeDynamo) Item(tableName, key string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	it, ok := t.items[key]
	if !ok {
		return nil
	}
	return clone(it)
}

// Count returns the number of items in a table.
func (f *FakeDynamo) Count(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[tableName].items)
}

// FailNextOn makes the next call of op against tableName return err. Calls on
// other tables are unaffected.
func (f *FakeDynamo) FailNextOn(op, tableName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+" "+tableName] = err
}

func (f *FakeDynamo) begin(op string, tableName *string) error {
	f.calls[op]++
	if tableName != nil {
		key := op + " " + *tableName
		if err, ok := f.failures[key]; ok {
			delete(f.failures, key)
			return err
		}
	}
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *FakeDynamo) table(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("missing table name")
	}
	t, ok := f.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + *name)}
	}
	return t, nil
}

func (t *table) pk(key item) (string, error) {
	v, ok := key[t.key].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("missing string key %q", t.key)
	}
	return v.Value, nil
}

func (f *FakeDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutItem", in.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := t.pk(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, t.items[pk])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	t.items[pk] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetItem", in.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := t.pk(in.Key)
	if err != nil {
		return nil, err
	}
	it, ok := t.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(it)}, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateItem", in.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk, err := t.pk(in.Key)
	if err != nil {
		return nil, err
	}
	current := t.items[pk]
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	updated, err := applyUpdate(in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, in.Key, current)
	if err != nil {
		return nil, err
	}
	t.items[pk] = updated
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = clone(updated)
	}
	return out, nil
}

func (f *FakeDynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("TransactWriteItems", nil); err != nil {
		return nil, err
	}

	type write struct {
		t  *table
		pk string
		it item
	}
	writes := make([]write, 0, len(in.TransactItems))
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	cancelled := false

	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		var (
			tableName *string
			key       item
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			tableName, key, cond = ti.Put.TableName, ti.Put.Item, ti.Put.ConditionExpression
			names, values = ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Update != nil:
			tableName, key, cond = ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression
			names, values = ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			tableName, key, cond = ti.ConditionCheck.TableName, ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression
			names, values = ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("unsupported transact item")
		}
		t, err := f.table(tableName)
		if err != nil {
			return nil, err
		}
		pk, err := t.pk(key)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(cond, names, values, t.items[pk])
		if err != nil {
			return nil, err
		}
		if !ok {
			cancelled = true
			reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed")}
			continue
		}
		switch {
		case ti.Put != nil:
			writes = append(writes, write{t: t, pk: pk, it: clone(ti.Put.Item)})
		case ti.Update != nil:
			updated, err := applyUpdate(ti.Update.UpdateExpression, names, values, key, t.items[pk])
			if err != nil {
				return nil, err
			}
			writes = append(writes, write{t: t, pk: pk, it: updated})
		}
	}

	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		w.t.items[w.pk] = w.it
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (f *FakeDynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Query", in.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	attr := t.key
	if in.IndexName != nil {
		a, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("unknown index %q", *in.IndexName)
		}
		attr = a
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("missing key condition")
	}
	lhs, op, rhs, err := splitComparison(*in.KeyConditionExpression)
	if err != nil {
		return nil, err
	}
	if op != "=" || resolveName(lhs, in.ExpressionAttributeNames) != attr {
		return nil, fmt.Errorf("unsupported key condition %q", *in.KeyConditionExpression)
	}
	want := in.ExpressionAttributeValues[rhs]

	var out []item
	for _, pk := range sortedKeys(t.items) {
		it := t.items[pk]
		if v, ok := it[attr]; ok && compare(v, want, "=") {
			out = append(out, clone(it))
		}
	}
	return &dyn.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (f *FakeDynamo) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Scan", in.TableName); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	out := make([]item, 0, len(t.items))
	for _, pk := range sortedKeys(t.items) {
		out = append(out, clone(t.items[pk]))
	}
	return &dyn.ScanOutput{Items: out, Count: int32(len(out))}, nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
}

func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, it item) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(*expr, " AND ") {
		clause = strings.TrimSpace(clause)
		clause = strings.TrimSuffix(strings.TrimPrefix(clause, "("), ")")
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists("):
			name := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if _, ok := it[name]; ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_exists("):
			name := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if _, ok := it[name]; !ok {
				return false, nil
			}
		default:
			lhs, op, rhs, err := splitComparison(clause)
			if err != nil {
				return false, err
			}
			want, ok := values[rhs]
			if !ok {
				return false, fmt.Errorf("missing expression value %q", rhs)
			}
			got, ok := it[resolveName(lhs, names)]
			if !ok || !compare(got, want, op) {
				return false, nil
			}
		}
	}
	return true, nil
}

func applyUpdate(expr *string, names map[string]string, values map[string]types.AttributeValue, key, current item) (item, error) {
	if expr == nil {
		return nil, errors.New("missing update expression")
	}
	next := clone(current)
	if next == nil {
		next = clone(key)
	}
	body := strings.TrimSpace(*expr)
	if !strings.HasPrefix(body, "SET ") {
		return nil, fmt.Errorf("unsupported update expression %q", body)
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(body, "SET "), ",") {
		parts := strings.SplitN(assignment, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad assignment %q", assignment)
		}
		target := resolveName(strings.TrimSpace(parts[0]), names)
		tokens := strings.Fields(parts[1])
		switch len(tokens) {
		case 1:
			v, err := operand(tokens[0], names, values, current)
			if err != nil {
				return nil, err
			}
			next[target] = v
		case 3:
			a, err := operand(tokens[0], names, values, current)
			if err != nil {
				return nil, err
			}
			b, err := operand(tokens[2], names, values, current)
			if err != nil {
				return nil, err
			}
			x, y, err := numbers(a, b)
			if err != nil {
				return nil, err
			}
			switch tokens[1] {
			case "+":
				next[target] = &types.AttributeValueMemberN{Value: x.Add(y).String()}
			case "-":
				next[target] = &types.AttributeValueMemberN{Value: x.Sub(y).String()}
			default:
				return nil, fmt.Errorf("unsupported operator %q", tokens[1])
			}
		default:
			return nil, fmt.Errorf("unsupported assignment %q", assignment)
		}
	}
	return next, nil
}

func operand(tok string, names map[string]string, values map[string]types.AttributeValue, it item) (types.AttributeValue, error) {
	if strings.HasPrefix(tok, ":") {
		v, ok := values[tok]
		if !ok {
			return nil, fmt.Errorf("missing expression value %q", tok)
		}
		return v, nil
	}
	v, ok := it[resolveName(tok, names)]
	if !ok {
		return nil, fmt.Errorf("attribute %q does not exist", tok)
	}
	return v, nil
}

func splitComparison(clause string) (lhs, op, rhs string, err error) {
	tokens := strings.Fields(clause)
	if len(tokens) != 3 {
		return "", "", "", fmt.Errorf("unsupported condition %q", clause)
	}
	switch tokens[1] {
	case "=", "<>", ">=", "<=", ">", "<":
		return tokens[0], tokens[1], tokens[2], nil
	}
	return "", "", "", fmt.Errorf("unsupported operator in %q", clause)
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if real, ok := names[name]; ok {
			return real
		}
	}
	return name
}

func compare(a, b types.AttributeValue, op string) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return op == "<>"
		}
		x, err1 := decimal.NewFromString(av.Value)
		y, err2 := decimal.NewFromString(bv.Value)
		if err1 != nil || err2 != nil {
			return false
		}
		return ordered(x.Cmp(y), op)
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return op == "<>"
		}
		return ordered(strings.Compare(av.Value, bv.Value), op)
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return op == "<>"
		}
		switch op {
		case "=":
			return av.Value == bv.Value
		case "<>":
			return av.Value != bv.Value
		}
	}
	return false
}

func ordered(c int, op string) bool {
	switch op {
	case "=":
		return c == 0
	case "<>":
		return c != 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	}
	return false
}

func numbers(a, b types.AttributeValue) (decimal.Decimal, decimal.Decimal, error) {
	an, ok1 := a.(*types.AttributeValueMemberN)
	bn, ok2 := b.(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return decimal.Zero, decimal.Zero, errors.New("arithmetic on non-number attribute")
	}
	x, err := decimal.NewFromString(an.Value)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	y, err := decimal.NewFromString(bn.Value)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return x, y, nil
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]item) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
