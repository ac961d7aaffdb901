package stores

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Backend names accepted by NewGraphBackend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendDynamoDB = "dynamodb"
)

// BackendOptions selects and configures a GraphBackend.
type BackendOptions struct {
	Backend string
	Path    string // sqlite
	DSN     string // postgres
	Bucket  string // s3
	Key     string // s3 prefix
	Table   string // dynamodb
	Region  string // s3, dynamodb
}

// NewGraphBackend opens the backend named in opts.
func NewGraphBackend(ctx context.Context, opts BackendOptions) (GraphBackend, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryGraphBackend(), nil

	case BackendSQLite:
		return OpenSQLiteStore(ctx, opts.Path)

	case BackendPostgres:
		return NewPostgresGraphBackend(ctx, opts.DSN)

	case BackendS3:
		cfg, err := loadAWSConfig(ctx, opts.Region)
		if err != nil {
			return nil, err
		}
		return NewS3GraphBackend(s3.NewFromConfig(cfg), opts.Bucket, opts.Key)

	case BackendDynamoDB:
		cfg, err := loadAWSConfig(ctx, opts.Region)
		if err != nil {
			return nil, err
		}
		return NewDynamoDBGraphBackend(dynamodb.NewFromConfig(cfg), opts.Table)

	default:
		return nil, fmt.Errorf("unknown persistent graph backend %q", opts.Backend)
	}
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return cfg, nil
}
