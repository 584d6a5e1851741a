package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStorage.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoRecord is the attribute layout of one table row. Index attributes
// are omitted when empty so the GSIs stay sparse. expires_at is the table's
// TTL attribute.
type dynamoRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	GSI1PK    string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK    string `dynamodbav:"GSI1SK,omitempty"`
	GSI2PK    string `dynamodbav:"GSI2PK,omitempty"`
	GSI2SK    string `dynamodbav:"GSI2SK,omitempty"`
	Status    string `dynamodbav:"Status,omitempty"`
	Count     int64  `dynamodbav:"Count"`
	Data      []byte `dynamodbav:"Data,omitempty"`
	Version   int64  `dynamodbav:"Version"`
	ExpiresAt int64  `dynamodbav:"expires_at,omitempty"`
	UpdatedAt int64  `dynamodbav:"UpdatedAt"`
}

func (r *dynamoRecord) item() *Item {
	return &Item{
		PK: r.PK, SK: r.SK,
		GSI1PK: r.GSI1PK, GSI1SK: r.GSI1SK,
		GSI2PK: r.GSI2PK, GSI2SK: r.GSI2SK,
		Status:    r.Status,
		Count:     r.Count,
		Data:      r.Data,
		Version:   r.Version,
		ExpiresAt: r.ExpiresAt,
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
}

// DynamoStorage implements Storage on a single DynamoDB table with GSI1 and
// GSI2 projections. GSI reads are eventually consistent.
type DynamoStorage struct {
	client DynamoAPI
	table  string
	now    Clock
}

// DynamoConfig carries what NewDynamoStorage needs to build a client.
type DynamoConfig struct {
	Table           string
	Region          string
	Endpoint        string // local testing, e.g. http://localhost:8000
	AccessKeyID     string
	SecretAccessKey string
}

// NewDynamoStorage builds a client from the default AWS credential chain, or
// from static credentials when both keys are set.
func NewDynamoStorage(ctx context.Context, cfg DynamoConfig, now Clock) (*DynamoStorage, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("dynamodb region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var dynOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		dynOpts = append(dynOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return NewDynamoStorageWithClient(dynamodb.NewFromConfig(awsCfg, dynOpts...), cfg.Table, now), nil
}

func NewDynamoStorageWithClient(client DynamoAPI, table string, now Clock) *DynamoStorage {
	if now == nil {
		now = time.Now
	}
	return &DynamoStorage{client: client, table: table, now: now}
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (d *DynamoStorage) Get(ctx context.Context, pk, sk string) (*Item, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classifyDynamo(fmt.Errorf("get %s/%s: %w", pk, sk, err))
	}
	if resp.Item == nil {
		return nil, ErrNotFound
	}

	var rec dynamoRecord
	if err := attributevalue.UnmarshalMap(resp.Item, &rec); err != nil {
		return nil, fmt.Errorf("error unmarshalling dynamo item: %w", err)
	}
	it := rec.item()
	if it.Expired(d.now()) {
		return nil, ErrNotFound
	}
	return it, nil
}

// updateBuilder accumulates an UpdateItem expression.
type updateBuilder struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]any
}

func newUpdateBuilder() *updateBuilder {
	return &updateBuilder{names: map[string]string{}, values: map[string]any{}}
}

func (b *updateBuilder) name(attr string) string {
	n := "#" + strings.ToLower(attr)
	b.names[n] = attr
	return n
}

func (b *updateBuilder) value(key string, v any) string {
	k := ":" + key
	b.values[k] = v
	return k
}

func (b *updateBuilder) set(attr string, v any) {
	b.sets = append(b.sets, b.name(attr)+" = "+b.value(strings.ToLower(attr), v))
}

// setOrRemove keeps index attributes sparse.
func (b *updateBuilder) setOrRemove(attr string, v string) {
	if v == "" {
		b.removes = append(b.removes, b.name(attr))
		return
	}
	b.set(attr, v)
}

func (b *updateBuilder) expression() string {
	expr := "SET " + strings.Join(b.sets, ", ")
	if len(b.removes) > 0 {
		expr += " REMOVE " + strings.Join(b.removes, ", ")
	}
	return expr
}

func (b *updateBuilder) attributeValues() (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(b.values)
}

const liveExpr = "(attribute_not_exists(#expires_at) OR #expires_at > :now)"

// Put uses UpdateItem so the version can be incremented server side. Unlike
// the SQL backends the version keeps counting across an expired row.
func (d *DynamoStorage) Put(ctx context.Context, item *Item, cond Condition) error {
	now := d.now()
	b := newUpdateBuilder()
	b.setOrRemove("GSI1PK", item.GSI1PK)
	b.setOrRemove("GSI1SK", item.GSI1SK)
	b.setOrRemove("GSI2PK", item.GSI2PK)
	b.setOrRemove("GSI2SK", item.GSI2SK)
	b.setOrRemove("Status", item.Status)
	b.set("Count", item.Count)
	if len(item.Data) > 0 {
		b.set("Data", item.Data)
	} else {
		b.removes = append(b.removes, b.name("Data"))
	}
	if item.ExpiresAt > 0 {
		b.set("expires_at", item.ExpiresAt)
	} else {
		b.removes = append(b.removes, b.name("expires_at"))
	}
	b.set("UpdatedAt", now.UnixNano())
	b.sets = append(b.sets, fmt.Sprintf("%s = if_not_exists(%s, %s) + %s",
		b.name("Version"), b.name("Version"), b.value("zero", 0), b.value("one", 1)))

	var condExpr string
	switch cond.kind {
	case condAbsent:
		b.name("expires_at")
		b.name("PK")
		b.value("now", now.Unix())
		condExpr = "attribute_not_exists(#pk) OR (attribute_exists(#expires_at) AND #expires_at <= :now)"
	case condStatus:
		b.name("PK")
		b.name("Status")
		b.name("expires_at")
		b.value("now", now.Unix())
		b.value("want_status", cond.status)
		condExpr = "attribute_exists(#pk) AND #status = :want_status AND " + liveExpr
	case condVersion:
		b.name("PK")
		b.name("Version")
		b.name("expires_at")
		b.value("now", now.Unix())
		b.value("want_version", cond.version)
		condExpr = "attribute_exists(#pk) AND #version = :want_version AND " + liveExpr
	}

	values, err := b.attributeValues()
	if err != nil {
		return fmt.Errorf("marshal update values: %w", err)
	}
	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       keyOf(item.PK, item.SK),
		UpdateExpression:          aws.String(b.expression()),
		ExpressionAttributeNames:  b.names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	}
	if condExpr != "" {
		in.ConditionExpression = aws.String(condExpr)
	}

	out, err := d.client.UpdateItem(ctx, in)
	if err != nil {
		return classifyDynamo(fmt.Errorf("put %s/%s: %w", item.PK, item.SK, err))
	}
	var updated struct {
		Version int64 `dynamodbav:"Version"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return fmt.Errorf("error unmarshalling dynamo version: %w", err)
	}
	item.Version = updated.Version
	item.UpdatedAt = now
	return nil
}

// Add increments a live row in place. When the row has expired it is reset
// under a condition that it is still expired, so concurrent resets cannot
// both win; the loser retries the increment.
func (d *DynamoStorage) Add(ctx context.Context, pk, sk string, delta int64, expiresAt int64) (int64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		n, err := d.addLive(ctx, pk, sk, delta, expiresAt)
		if !errors.Is(err, ErrConditionFailed) {
			return n, err
		}
		n, err = d.resetExpired(ctx, pk, sk, delta, expiresAt)
		if !errors.Is(err, ErrConditionFailed) {
			return n, err
		}
	}
	return 0, Transient(fmt.Errorf("add %s/%s: contention on expired row", pk, sk))
}

func (d *DynamoStorage) addLive(ctx context.Context, pk, sk string, delta, expiresAt int64) (int64, error) {
	now := d.now()
	b := newUpdateBuilder()
	b.set("UpdatedAt", now.UnixNano())
	b.sets = append(b.sets, fmt.Sprintf("%s = if_not_exists(%s, %s) + %s",
		b.name("Version"), b.name("Version"), b.value("zero", 0), b.value("one", 1)))
	b.sets = append(b.sets, fmt.Sprintf("%s = if_not_exists(%s, %s) + %s",
		b.name("Count"), b.name("Count"), b.value("zero", 0), b.value("delta", delta)))
	if expiresAt > 0 {
		b.sets = append(b.sets, fmt.Sprintf("%s = if_not_exists(%s, %s)",
			b.name("expires_at"), b.name("expires_at"), b.value("exp", expiresAt)))
	}
	b.name("expires_at")
	b.value("now", now.Unix())
	return d.updateCount(ctx, pk, sk, b, liveExpr)
}

func (d *DynamoStorage) resetExpired(ctx context.Context, pk, sk string, delta, expiresAt int64) (int64, error) {
	now := d.now()
	b := newUpdateBuilder()
	b.set("UpdatedAt", now.UnixNano())
	b.set("Count", delta)
	b.sets = append(b.sets, fmt.Sprintf("%s = %s + %s", b.name("Version"), b.name("Version"), b.value("one", 1)))
	if expiresAt > 0 {
		b.set("expires_at", expiresAt)
	} else {
		b.removes = append(b.removes, b.name("expires_at"))
	}
	b.removes = append(b.removes, b.name("Data"), b.name("Status"))
	b.value("now", now.Unix())
	return d.updateCount(ctx, pk, sk, b, "attribute_exists(#expires_at) AND #expires_at <= :now")
}

func (d *DynamoStorage) updateCount(ctx context.Context, pk, sk string, b *updateBuilder, condExpr string) (int64, error) {
	values, err := b.attributeValues()
	if err != nil {
		return 0, fmt.Errorf("marshal update values: %w", err)
	}
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.table),
		Key:                       keyOf(pk, sk),
		UpdateExpression:          aws.String(b.expression()),
		ConditionExpression:       aws.String(condExpr),
		ExpressionAttributeNames:  b.names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, classifyDynamo(fmt.Errorf("add %s/%s: %w", pk, sk, err))
	}
	var updated struct {
		Count int64 `dynamodbav:"Count"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return 0, fmt.Errorf("error unmarshalling dynamo count: %w", err)
	}
	return updated.Count, nil
}

// Query pages through the partition. Only one sort-key condition fits in a
// key condition, so a prefix combined with a range is checked in process.
func (d *DynamoStorage) Query(ctx context.Context, q Query) ([]*Item, error) {
	pkAttr, skAttr := "PK", "SK"
	var indexName *string
	switch q.Index {
	case IndexGSI1:
		pkAttr, skAttr = "GSI1PK", "GSI1SK"
		indexName = aws.String("GSI1")
	case IndexGSI2:
		pkAttr, skAttr = "GSI2PK", "GSI2SK"
		indexName = aws.String("GSI2")
	}

	b := newUpdateBuilder()
	keyCond := b.name(pkAttr) + " = " + b.value("pk", q.PK)
	switch {
	case q.From != "" && q.To != "":
		keyCond += fmt.Sprintf(" AND %s BETWEEN %s AND %s", b.name(skAttr), b.value("from", q.From), b.value("to", q.To))
	case q.From != "":
		keyCond += fmt.Sprintf(" AND %s >= %s", b.name(skAttr), b.value("from", q.From))
	case q.To != "":
		keyCond += fmt.Sprintf(" AND %s <= %s", b.name(skAttr), b.value("to", q.To))
	case q.SKPrefix != "":
		keyCond += fmt.Sprintf(" AND begins_with(%s, %s)", b.name(skAttr), b.value("prefix", q.SKPrefix))
	}
	values, err := b.attributeValues()
	if err != nil {
		return nil, fmt.Errorf("marshal query values: %w", err)
	}

	now := d.now()
	var (
		items []*Item
		start map[string]types.AttributeValue
	)
	for {
		out, err := d.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.table),
			IndexName:                 indexName,
			KeyConditionExpression:    aws.String(keyCond),
			ExpressionAttributeNames:  b.names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         start,
			ScanIndexForward:          aws.Bool(true),
		})
		if err != nil {
			return nil, classifyDynamo(fmt.Errorf("query %s: %w", q.PK, err))
		}
		for _, raw := range out.Items {
			var rec dynamoRecord
			if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
				return nil, fmt.Errorf("error unmarshalling dynamo item: %w", err)
			}
			it := rec.item()
			_, sk := it.indexKeys(q.Index)
			if it.Expired(now) || !q.matches(sk) {
				continue
			}
			items = append(items, it)
			if q.Limit > 0 && len(items) == q.Limit {
				return items, nil
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (d *DynamoStorage) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err != nil {
		return classifyDynamo(fmt.Errorf("describe table %s: %w", d.table, err))
	}
	return nil
}

func (d *DynamoStorage) Close() error {
	return nil
}

var dynamoTransientCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"ServiceUnavailable":                     true,
	"TransactionConflictException":           true,
}

// A DynamoDB 500 may have applied the write.
var dynamoAmbiguousCodes = map[string]bool{
	"InternalServerError": true,
}

func classifyDynamo(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConditionFailed
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case dynamoAmbiguousCodes[code]:
			return Ambiguous(err)
		case dynamoTransientCodes[code]:
			return Transient(err)
		}
	}
	return err
}
