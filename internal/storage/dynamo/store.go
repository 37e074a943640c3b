// Package dynamo stores session documents in a DynamoDB table keyed by PK.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"codepair/internal/storage"
)

const pkPrefix = "DOC#"

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store is a storage.DocumentStore backed by a single DynamoDB table.
type Store struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ storage.DocumentStore = (*Store)(nil)

// New creates a Store over the given table.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName, now: time.Now}, nil
}

func docPK(id string) string {
	return pkPrefix + id
}

// Get loads a document; a missing item maps to storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*storage.Document, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: docPK(id)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get document %s: %w", id, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, storage.ErrNotFound
	}
	return itemToDocument(id, out.Item)
}

// Upsert replaces the whole document item.
func (s *Store) Upsert(ctx context.Context, id string, w storage.DocumentWrite) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: docPK(id)},
			"sessionId": &types.AttributeValueMemberS{Value: id},
			"code":      &types.AttributeValueMemberS{Value: w.Code},
			"language":  &types.AttributeValueMemberS{Value: w.Language},
			"updatedAt": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamo: upsert document %s: %w", id, err)
	}
	return nil
}

func itemToDocument(id string, item map[string]types.AttributeValue) (*storage.Document, error) {
	code, err := strAttr(item, "code")
	if err != nil {
		return nil, err
	}
	language, err := strAttr(item, "language")
	if err != nil {
		return nil, err
	}
	doc := &storage.Document{ID: id, Code: code, Language: language}
	if raw, err := strAttr(item, "updatedAt"); err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			doc.UpdatedAt = ts
		}
	}
	return doc, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return s.Value, nil
}
