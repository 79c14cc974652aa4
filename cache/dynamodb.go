package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names of a DynamoDB cache item. Enable the table's TTL feature
// on AttrExpireAt to let DynamoDB delete expired items.
const (
	AttrKey       = "key"
	AttrValue     = "value"
	AttrCreatedAt = "created_at"
	AttrExpireAt  = "expire_at"
)

// DynamoDBAPI is the subset of *dynamodb.Client the DynamoDB backend uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var _ DynamoDBAPI = (*dynamodb.Client)(nil)

type dynamoCache struct {
	client DynamoDBAPI
	table  string
	cfg    config
}

var _ Backend = (*dynamoCache)(nil)

// NewDynamoDB returns a Backend stored in a DynamoDB table whose partition
// key is the string attribute "key". DynamoDB removes expired items lazily,
// so reads also compare expire_at against the clock.
func NewDynamoDB(client DynamoDBAPI, table string, opts ...Option) Backend {
	return &dynamoCache{
		client: client,
		table:  table,
		cfg:    applyOptions(opts),
	}
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{AttrKey: &types.AttributeValueMemberS{Value: key}}
}

func numberAttr(item map[string]types.AttributeValue, name string) (int64, bool) {
	n, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	return v, err == nil
}

func (c *dynamoCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	out, err := c.client.GetItem(qctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Entry{}, false, unavailable(ctx, err, "dynamodb get item")
	}
	if len(out.Item) == 0 {
		return Entry{}, false, nil
	}
	now := c.cfg.now()
	e := Entry{Key: key}
	if exp, ok := numberAttr(out.Item, AttrExpireAt); ok {
		e.ExpireAt = time.Unix(exp, 0)
		if !e.ExpireAt.After(now) {
			return Entry{}, false, nil
		}
	}
	if created, ok := numberAttr(out.Item, AttrCreatedAt); ok {
		e.CreatedAt = time.Unix(created, 0)
	}
	if v, ok := out.Item[AttrValue].(*types.AttributeValueMemberB); ok {
		e.Payload = v.Value
	}
	remaining(&e, now)
	return e, true, nil
}

func (c *dynamoCache) Set(ctx context.Context, key string, payload []byte, expire time.Duration) error {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	now := c.cfg.now()
	item := keyAttr(key)
	item[AttrValue] = &types.AttributeValueMemberB{Value: payload}
	item[AttrCreatedAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)}
	if expire > 0 {
		// round up so a sub-second TTL does not expire on write
		exp := now.Add(expire + time.Second - 1).Unix()
		item[AttrExpireAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	if _, err := c.client.PutItem(qctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	}); err != nil {
		return unavailable(ctx, err, "dynamodb put item")
	}
	return nil
}

func (c *dynamoCache) Clear(ctx context.Context, namespace, key string) (int, error) {
	qctx, cancel := c.cfg.queryCtx(ctx)
	defer cancel()
	if key != "" {
		return c.delete(ctx, qctx, key)
	}
	input := &dynamodb.ScanInput{
		TableName:                aws.String(c.table),
		ProjectionExpression:     aws.String("#k"),
		ExpressionAttributeNames: map[string]string{"#k": AttrKey},
	}
	if namespace != "" {
		input.FilterExpression = aws.String("begins_with(#k, :ns)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":ns": &types.AttributeValueMemberS{Value: namespace},
		}
	}
	var count int
	for {
		out, err := c.client.Scan(qctx, input)
		if err != nil {
			return count, unavailable(ctx, err, "dynamodb scan")
		}
		for _, item := range out.Items {
			k, ok := item[AttrKey].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			n, err := c.delete(ctx, qctx, k.Value)
			if err != nil {
				return count, err
			}
			count += n
		}
		if len(out.LastEvaluatedKey) == 0 {
			return count, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *dynamoCache) delete(ctx, qctx context.Context, key string) (int, error) {
	out, err := c.client.DeleteItem(qctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.table),
		Key:          keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return 0, unavailable(ctx, err, "dynamodb delete item")
	}
	if len(out.Attributes) == 0 {
		return 0, nil
	}
	return 1, nil
}
