package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"codepair/internal/storage"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func mustNewStore(t *testing.T, db *fakeDynamo) *Store {
	t.Helper()
	s, err := New(db, "docs")
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "docs")
	require.ErrorContains(t, err, "must not be nil")

	_, err = New(&fakeDynamo{}, "  ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestGet_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "DOC#room-1"},
		"code":      &types.AttributeValueMemberS{Value: "print(1)"},
		"language":  &types.AttributeValueMemberS{Value: "python"},
		"updatedAt": &types.AttributeValueMemberS{Value: "2024-05-01T10:00:00Z"},
	}}}
	s := mustNewStore(t, db)

	doc, err := s.Get(context.Background(), "room-1")
	require.NoError(t, err)
	require.Equal(t, "room-1", doc.ID)
	require.Equal(t, "print(1)", doc.Code)
	require.Equal(t, "python", doc.Language)
	require.Equal(t, 2024, doc.UpdatedAt.Year())

	pk := db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS)
	require.Equal(t, "DOC#room-1", pk.Value)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGet_Missing(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := s.Get(context.Background(), "room-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGet_APIError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getErr: errors.New("throttled")})
	_, err := s.Get(context.Background(), "room-1")
	require.ErrorContains(t, err, "throttled")
	require.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestGet_MalformedItem(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":   &types.AttributeValueMemberS{Value: "DOC#room-1"},
		"code": &types.AttributeValueMemberN{Value: "1"},
	}}})
	_, err := s.Get(context.Background(), "room-1")
	require.ErrorContains(t, err, "not a string")
}

func TestUpsert_WritesWholeItem(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	err := s.Upsert(context.Background(), "room-1", storage.DocumentWrite{Code: "x := 1", Language: "go"})
	require.NoError(t, err)

	item := db.lastPutInput.Item
	require.Equal(t, "docs", *db.lastPutInput.TableName)
	require.Equal(t, "DOC#room-1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "x := 1", item["code"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "go", item["language"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2024-05-01T10:00:00Z", item["updatedAt"].(*types.AttributeValueMemberS).Value)
	require.Nil(t, db.lastPutInput.ConditionExpression)
}

func TestUpsert_APIError(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{putErr: errors.New("boom")})
	err := s.Upsert(context.Background(), "room-1", storage.DocumentWrite{Code: "a", Language: "go"})
	require.ErrorContains(t, err, "boom")
}
