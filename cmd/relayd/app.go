package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/deepdive-relay/internal/config"
	httpapi "github.com/tbourn/deepdive-relay/internal/http"
	"github.com/tbourn/deepdive-relay/internal/repo"
	"github.com/tbourn/deepdive-relay/internal/repo/dynamo"
	"github.com/tbourn/deepdive-relay/internal/secrets"
	"github.com/tbourn/deepdive-relay/internal/services"
	"github.com/tbourn/deepdive-relay/internal/sysutil"
	"github.com/tbourn/deepdive-relay/internal/upstream"
)

// leaseMargin is added to the upstream timeout so a claim outlives the
// slowest legitimate turn, including its commit.
const leaseMargin = 15 * time.Second

// app is the wired service graph shared by every command.
type app struct {
	cfg  config.Config
	db   *gorm.DB
	deps httpapi.Deps
}

// newApp opens the ledger database, migrates it unless AUTO_MIGRATE is off,
// and wires the conversation store selected by STORE_BACKEND.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log := zerolog.Ctx(ctx)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return nil, fmt.Errorf("enabling db tracing: %w", err)
		}
	}
	if sysutil.IsTruthy(sysutil.FirstNonEmpty(os.Getenv("AUTO_MIGRATE"), "true")) {
		if err := repo.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	policies, err := config.LoadPolicies(cfg.PolicyFile, cfg.Billing)
	if err != nil {
		return nil, err
	}

	ledger := services.NewLedgerService(db, cfg.Billing.MonthlyAllocation, cfg.Guest.Allocation, cfg.Guest.DailyCap)

	var (
		store     services.ConversationStore
		committer services.TurnCommitter
	)
	switch cfg.StoreBackend {
	case config.StoreDynamoDB:
		awsCfg, err := loadAWS(ctx, cfg.Dynamo.Region)
		if err != nil {
			return nil, err
		}
		ds, err := dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg.Dynamo.Table)
		if err != nil {
			return nil, err
		}
		store = ds
		committer = &services.SequentialCommitter{Store: ds, Ledger: ledger}
	default:
		store = services.NewGormStore(db)
		committer = &services.SQLCommitter{DB: db, Ledger: ledger}
	}
	log.Info().Str("store", cfg.StoreBackend).Str("db", cfg.DBPath).Msg("storage ready")

	identity, err := services.NewIdentityService(db, store, cfg.SessionSecret, cfg.Guest.TTL)
	if err != nil {
		return nil, err
	}

	up, err := newUpstream(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg: cfg,
		db:  db,
		deps: httpapi.Deps{
			Conversations: services.NewConversationService(store, committer, ledger, up, policies, cfg.ClaimWait, cfg.Upstream.Timeout+leaseMargin),
			Ledger:        ledger,
			Identity:      identity,
			Companies: &services.CompanyService{
				Ledger:   ledger,
				Upstream: up,
				Cost:     cfg.Billing.CompanyLookupCost,
			},
		},
	}, nil
}

// newUpstream builds the inference client, resolving the API key from SSM
// when UPSTREAM_API_KEY_PARAM is set.
func newUpstream(ctx context.Context, cfg config.Config) (*upstream.Client, error) {
	client := upstream.NewClient(cfg.Upstream)
	if cfg.Upstream.APIKeyParam == "" {
		return client, nil
	}
	awsCfg, err := loadAWS(ctx, cfg.Dynamo.Region)
	if err != nil {
		return nil, err
	}
	sc, err := secrets.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	key, err := secrets.ResolveAPIKey(ctx, sc, cfg.Upstream.APIKeyParam, cfg.Upstream.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolving upstream api key: %w", err)
	}
	return client.WithAPIKey(key), nil
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	c, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return c, fmt.Errorf("loading aws config: %w", err)
	}
	return c, nil
}

// Close releases the database pool.
func (a *app) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
