package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/erphub/internal/db"
	"github.com/jmehdipour/erphub/internal/logger"
	"github.com/jmehdipour/erphub/internal/model"
	"github.com/jmehdipour/erphub/internal/repository"
	"github.com/jmehdipour/erphub/internal/security"
	"github.com/jmehdipour/erphub/internal/service/accounts"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo tenants and courier accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("seed")

		// 2) connect MySQL
		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		cipher, err := security.NewCipherFromConfig(cfg.Security)
		if err != nil {
			return err
		}

		tenants := repository.NewTenantsRepository(sqlDB)
		svc := accounts.New(repository.NewAccountsRepository(sqlDB), cipher, nil)

		ctx := cmd.Context()
		log.Info("seeding demo tenants")
		if err := seedTenants(ctx, tenants); err != nil {
			return err
		}
		if err := seedAccounts(ctx, tenants, svc, log); err != nil {
			return err
		}

		log.Info("seed completed")
		return nil
	},
}

var demoTenants = []model.Tenant{
	{Name: "Acme Retail", APIKey: "11111111111111111111111111111111", Status: model.TenantActive, RateLimitRPS: intptr(20)},
	{Name: "Foobar Logistics", APIKey: "22222222222222222222222222222222", Status: model.TenantActive, RateLimitRPS: intptr(50)},
	{Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: model.TenantSuspended},
}

// seedTenants is idempotent on api_key.
func seedTenants(ctx context.Context, repo repository.TenantsRepository) error {
	for _, t := range demoTenants {
		if err := repo.Upsert(ctx, t); err != nil {
			return fmt.Errorf("upsert tenant %q: %w", t.Name, err)
		}
	}
	return nil
}

// seedAccounts gives every active demo tenant without accounts a DHL account
// with placeholder credentials, so the scheduler has something to pick up.
func seedAccounts(ctx context.Context, tenants repository.TenantsRepository, svc *accounts.Service, log *zap.Logger) error {
	for _, dt := range demoTenants {
		if dt.Status != model.TenantActive {
			continue
		}
		t, err := tenants.GetByAPIKey(ctx, dt.APIKey)
		if err != nil {
			return fmt.Errorf("load tenant %q: %w", dt.Name, err)
		}
		if t == nil {
			continue
		}
		existing, err := svc.List(ctx, t.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}

		v, err := svc.Create(ctx, t.ID, accounts.CreateInput{
			Platform:      string(model.PlatformDHL),
			Name:          dt.Name + " DHL",
			Credentials:   model.Credentials{APIKey: "demo-dhl-key"},
			WebhookSecret: "demo-webhook-secret-0001",
		})
		if err != nil {
			return fmt.Errorf("create account for %q: %w", dt.Name, err)
		}
		log.Info("account created", zap.Int64("tenant_id", t.ID), zap.String("account_id", v.ID))
	}
	return nil
}

func intptr(i int) *int { return &i }
