package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Shavakan/app-lease/pkg/identity"
)

// DynamoDBAPI defines the DynamoDB operations used by the lease store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

// leaseRecord is the lease item. The lease is exclusive while expires_at
// is in the future; conditional writes enforce mutual exclusion.
type leaseRecord struct {
	ResourceID string `dynamodbav:"resource_id"`
	OwnerID    string `dynamodbav:"owner_id"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
	AcquiredAt int64  `dynamodbav:"acquired_at"`
}

// documentRecord is the metadata document item.
type documentRecord struct {
	ResourceID    string `dynamodbav:"resource_id"`
	OwnerID       string `dynamodbav:"owner_id"`
	DesiredSwapID string `dynamodbav:"desired_swap_id"`
	UpdatedAt     int64  `dynamodbav:"updated_at"`
}

// DynamoConfig holds configuration for the DynamoDB lease store.
type DynamoConfig struct {
	// TableName is the DynamoDB table holding lease and document items.
	TableName string

	// LeaseName scopes the lease and document keys within the table, so
	// several logical applications can share one table.
	LeaseName string

	// ExtendDuration is the lease duration granted by renewals and
	// ownership transfers, which take no duration of their own.
	ExtendDuration time.Duration
}

// DynamoStore implements Store on DynamoDB conditional writes.
type DynamoStore struct {
	client DynamoDBAPI
	cfg    DynamoConfig
	now    func() time.Time
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoDB-backed lease store.
func NewDynamoStore(client DynamoDBAPI, cfg DynamoConfig) *DynamoStore {
	if cfg.ExtendDuration <= 0 {
		cfg.ExtendDuration = 60 * time.Second
	}
	return &DynamoStore{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (s *DynamoStore) leaseKey() string {
	return s.cfg.LeaseName + "#lease"
}

func (s *DynamoStore) documentKey() string {
	return s.cfg.LeaseName + "#meta"
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"resource_id": &types.AttributeValueMemberS{Value: key},
	}
}

// CreateContainerIfMissing creates the lease table if it does not exist.
func (s *DynamoStore) CreateContainerIfMissing(ctx context.Context) (bool, error) {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.cfg.TableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("resource_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("resource_id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lease table: %w", err)
	}
	return true, nil
}

// CreateDocumentIfMissing writes the metadata document only if absent.
func (s *DynamoStore) CreateDocumentIfMissing(ctx context.Context, doc *Document) (bool, error) {
	item, err := attributevalue.MarshalMap(documentRecord{
		ResourceID:    s.documentKey(),
		OwnerID:       doc.OwnerID.String(),
		DesiredSwapID: doc.DesiredSwapID.String(),
		UpdatedAt:     s.now().Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.cfg.TableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(resource_id)"),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create document: %w", err)
	}
	return true, nil
}

// ReadDocument returns the metadata document, empty if never written.
func (s *DynamoStore) ReadDocument(ctx context.Context) (*Document, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.TableName),
		Key:            keyAttr(s.documentKey()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if len(out.Item) == 0 {
		return &Document{}, nil
	}

	var rec documentRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &Document{
		OwnerID:       identity.Identity(rec.OwnerID),
		DesiredSwapID: identity.Identity(rec.DesiredSwapID),
		UpdatedAt:     time.Unix(rec.UpdatedAt, 0),
	}, nil
}

// WriteDocument overwrites the metadata document.
func (s *DynamoStore) WriteDocument(ctx context.Context, doc *Document) error {
	item, err := attributevalue.MarshalMap(documentRecord{
		ResourceID:    s.documentKey(),
		OwnerID:       doc.OwnerID.String(),
		DesiredSwapID: doc.DesiredSwapID.String(),
		UpdatedAt:     s.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.TableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return nil
}

// Acquire takes the lease for id, succeeding when the lease is absent,
// expired, or already held by id.
func (s *DynamoStore) Acquire(ctx context.Context, id identity.Identity, duration time.Duration) error {
	now := s.now()

	item, err := attributevalue.MarshalMap(leaseRecord{
		ResourceID: s.leaseKey(),
		OwnerID:    id.String(),
		ExpiresAt:  now.Add(duration).Unix(),
		AcquiredAt: now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lease record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.TableName),
		Item:      item,
		ConditionExpression: aws.String(
			"attribute_not_exists(resource_id) OR expires_at < :now OR owner_id = :id",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":id":  &types.AttributeValueMemberS{Value: id.String()},
		},
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return ErrConflict
		}
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	return nil
}

// Renew extends the lease held by id. ErrConflict means the lease is no
// longer held by id; any other error is ambiguous.
func (s *DynamoStore) Renew(ctx context.Context, id identity.Identity) error {
	now := s.now()

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.TableName),
		Key:                 keyAttr(s.leaseKey()),
		UpdateExpression:    aws.String("SET expires_at = :expires_at"),
		ConditionExpression: aws.String("owner_id = :id AND expires_at > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(s.cfg.ExtendDuration).Unix())},
			":id":         &types.AttributeValueMemberS{Value: id.String()},
			":now":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return ErrConflict
		}
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

// Change atomically transfers the lease from one identity to another.
func (s *DynamoStore) Change(ctx context.Context, from, to identity.Identity) error {
	now := s.now()

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.TableName),
		Key:                 keyAttr(s.leaseKey()),
		UpdateExpression:    aws.String("SET owner_id = :to, expires_at = :expires_at, acquired_at = :now"),
		ConditionExpression: aws.String("owner_id = :from"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from":       &types.AttributeValueMemberS{Value: from.String()},
			":to":         &types.AttributeValueMemberS{Value: to.String()},
			":expires_at": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Add(s.cfg.ExtendDuration).Unix())},
			":now":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
		},
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return ErrConflict
		}
		return fmt.Errorf("failed to change lease owner: %w", err)
	}
	return nil
}

// Release expires the lease held by id immediately.
func (s *DynamoStore) Release(ctx context.Context, id identity.Identity) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.TableName),
		Key:                 keyAttr(s.leaseKey()),
		UpdateExpression:    aws.String("SET expires_at = :expires_at"),
		ConditionExpression: aws.String("owner_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expires_at": &types.AttributeValueMemberN{Value: "0"},
			":id":         &types.AttributeValueMemberS{Value: id.String()},
		},
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return ErrConflict
		}
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// DeleteContainer removes the lease item (with the holder's credential
// when one is supplied) and then drops the table.
func (s *DynamoStore) DeleteContainer(ctx context.Context, id identity.Identity) error {
	if !id.IsZero() {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.cfg.TableName),
			Key:                 keyAttr(s.leaseKey()),
			ConditionExpression: aws.String("owner_id = :id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":id": &types.AttributeValueMemberS{Value: id.String()},
			},
		})
		if err != nil {
			var ccfe *types.ConditionalCheckFailedException
			if errors.As(err, &ccfe) {
				return ErrConflict
			}
			return fmt.Errorf("failed to delete lease item: %w", err)
		}
	}

	_, err := s.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(s.cfg.TableName),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to delete lease table: %w", err)
	}
	return nil
}
