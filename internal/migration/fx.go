package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	billingdomain "github.com/veriline/veriline/internal/billing/domain"
	"github.com/veriline/veriline/internal/config"
	notificationdomain "github.com/veriline/veriline/internal/notification/domain"
	quotadomain "github.com/veriline/veriline/internal/quota/domain"
	verificationdomain "github.com/veriline/veriline/internal/verification/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The versioned SQL path is postgres-only; other dialects (sqlite
		// for local runs and tests, mysql) fall back to schema sync.
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&billingdomain.Account{},
				&billingdomain.Transaction{},
				&quotadomain.MonthlyUsage{},
				&verificationdomain.Verification{},
				&notificationdomain.Notification{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
