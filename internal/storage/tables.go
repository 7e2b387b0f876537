package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

type tableKey struct {
	name   string
	pk     string
	pkType dbtypes.ScalarAttributeType
	sk     string
	skType dbtypes.ScalarAttributeType
}

func tableKeys(config DynamoConfig) []tableKey {
	return []tableKey{
		{config.SessionsTable, "QueueKey", dbtypes.ScalarAttributeTypeS, "SessionKey", dbtypes.ScalarAttributeTypeS},
		{config.TADailyTable, "TAUserID", dbtypes.ScalarAttributeTypeN, "Date", dbtypes.ScalarAttributeTypeS},
	}
}

// CreateTablesIfNotExist creates DynamoDB tables for local development
func CreateTablesIfNotExist(ctx context.Context, client dynamoAPI, config DynamoConfig, logger zerolog.Logger) error {
	for _, table := range tableKeys(config) {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table.name),
		})
		if err == nil {
			logger.Info().Str("table", table.name).Msg("table already exists")
			continue
		}

		_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(table.name),
			KeySchema: []dbtypes.KeySchemaElement{
				{AttributeName: aws.String(table.pk), KeyType: dbtypes.KeyTypeHash},
				{AttributeName: aws.String(table.sk), KeyType: dbtypes.KeyTypeRange},
			},
			AttributeDefinitions: []dbtypes.AttributeDefinition{
				{AttributeName: aws.String(table.pk), AttributeType: table.pkType},
				{AttributeName: aws.String(table.sk), AttributeType: table.skType},
			},
			BillingMode: dbtypes.BillingModePayPerRequest,
		})
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.name, err)
		}
		logger.Info().Str("table", table.name).Msg("table created")
	}

	return nil
}
