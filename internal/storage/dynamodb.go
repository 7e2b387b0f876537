package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/officehours/backend/internal/queue"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/rs/zerolog"
)

// averageWindow is how many recent sessions feed the handle time average
const averageWindow = 50

// dynamoAPI is the subset of the DynamoDB client the store uses
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoDBStore implements Store using AWS DynamoDB. It also serves as an
// average handle time source for the ETA chain.
type DynamoDBStore struct {
	client dynamoAPI
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig probes the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := newDynamoDBStore(client, cfg, logger)

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, cfg, store.logger); err != nil {
			return nil, err
		}
	}

	store.logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func newDynamoDBStore(client dynamoAPI, cfg DynamoConfig, logger zerolog.Logger) *DynamoDBStore {
	return &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "session_archive").Logger(),
	}
}

// SaveSession stores a finished session and adds it to the staff member's
// daily totals
func (s *DynamoDBStore) SaveSession(ctx context.Context, a types.Assignment) error {
	record, err := NewSessionRecord(a)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.SessionsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	update := expression.Add(expression.Name("Sessions"), expression.Value(1)).
		Add(expression.Name("TotalMinutes"), expression.Value(record.DurationMinutes))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.TADailyTable),
		Key: map[string]dbtypes.AttributeValue{
			"TAUserID": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(record.TAUserID, 10)},
			"Date":     &dbtypes.AttributeValueMemberS{Value: record.Date},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("failed to update staff daily stats: %w", err)
	}

	s.logger.Debug().
		Int64("queue_id", record.QueueID).
		Int64("ta_id", record.TAUserID).
		Float64("minutes", record.DurationMinutes).
		Msg("session archived")
	return nil
}

// QueueSessions returns the most recent sessions of a queue, newest first
func (s *DynamoDBStore) QueueSessions(ctx context.Context, queueID int64, limit int) ([]SessionRecord, error) {
	keyCond := expression.Key("QueueKey").Equal(expression.Value(queueKey(queueID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.SessionsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	var records []SessionRecord
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
	}
	return records, nil
}

func (s *DynamoDBStore) TADailyStats(ctx context.Context, taUserID int64) ([]TADailyStats, error) {
	keyCond := expression.Key("TAUserID").Equal(expression.Value(taUserID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.TADailyTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query staff daily stats: %w", err)
	}

	var stats []TADailyStats
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal staff daily stats: %w", err)
	}
	return stats, nil
}

// Name identifies the store as an ETA source
func (s *DynamoDBStore) Name() string { return "session_archive" }

// AverageMinutes averages the most recent archived sessions of a queue
func (s *DynamoDBStore) AverageMinutes(ctx context.Context, queueID int64) (*float64, error) {
	records, err := s.QueueSessions(ctx, queueID, averageWindow)
	var missing *dbtypes.ResourceNotFoundException
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: %w", queue.ErrSourceMissing, err)
	}
	if err != nil {
		return nil, err
	}
	return AverageMinutes(records), nil
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, logger zerolog.Logger) (Store, error) {
	cfg := LoadDynamoConfig()

	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("DynamoDB disabled (DYNAMO_MODE=none)")
		return NewNoopStore(), nil
	}
}

// TruncateAll deletes all items from both DynamoDB tables (scan + batch delete)
func (s *DynamoDBStore) TruncateAll(ctx context.Context) error {
	for _, table := range tableKeys(s.config) {
		if err := s.truncateTable(ctx, table.name, table.pk, table.sk); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table.name, err)
		}
	}
	return nil
}

func (s *DynamoDBStore) truncateTable(ctx context.Context, tableName, pk, sk string) error {
	var lastKey map[string]dbtypes.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:            aws.String(tableName),
			ProjectionExpression: aws.String("#pk, #sk"),
			ExpressionAttributeNames: map[string]string{
				"#pk": pk,
				"#sk": sk,
			},
			Limit: aws.Int32(500),
		}
		if lastKey != nil {
			input.ExclusiveStartKey = lastKey
		}

		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return err
		}

		// Batch delete in groups of 25
		for i := 0; i < len(result.Items); i += 25 {
			end := i + 25
			if end > len(result.Items) {
				end = len(result.Items)
			}

			requests := make([]dbtypes.WriteRequest, 0, end-i)
			for _, item := range result.Items[i:end] {
				requests = append(requests, dbtypes.WriteRequest{
					DeleteRequest: &dbtypes.DeleteRequest{
						Key: map[string]dbtypes.AttributeValue{
							pk: item[pk],
							sk: item[sk],
						},
					},
				})
			}

			_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]dbtypes.WriteRequest{
					tableName: requests,
				},
			})
			if err != nil {
				return err
			}
		}

		lastKey = result.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}

	s.logger.Info().Str("table", tableName).Msg("table truncated")
	return nil
}
