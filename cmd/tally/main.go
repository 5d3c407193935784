package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/smallbiznis/tally/internal/account"
	"github.com/smallbiznis/tally/internal/accountlock"
	"github.com/smallbiznis/tally/internal/audit"
	"github.com/smallbiznis/tally/internal/catalog"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/consolidation"
	"github.com/smallbiznis/tally/internal/db"
	"github.com/smallbiznis/tally/internal/entitlement"
	"github.com/smallbiznis/tally/internal/invoice"
	"github.com/smallbiznis/tally/internal/logger"
	"github.com/smallbiznis/tally/internal/migration"
	"github.com/smallbiznis/tally/internal/notification"
	"github.com/smallbiznis/tally/internal/observability"
	"github.com/smallbiznis/tally/internal/payment"
	"github.com/smallbiznis/tally/internal/payment/dispute"
	"github.com/smallbiznis/tally/internal/payment/janitor"
	"github.com/smallbiznis/tally/internal/seed"
	"github.com/smallbiznis/tally/internal/server"
	"github.com/smallbiznis/tally/internal/usage"
	"github.com/smallbiznis/tally/internal/usage/snapshot"
)

var version = "dev"

func main() {
	app := fx.New(
		logger.Module,
		config.Module,
		clock.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(seed.DefaultPlans),
		db.Module,
		fx.Invoke(func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			return seed.EnsureDemoAccount(conn)
		}),
		observability.Module,
		accountlock.Module,
		notification.Module,
		audit.Module,
		account.Module,
		entitlement.Module,
		catalog.Module,
		consolidation.Module,
		usage.Module,
		snapshot.Module,
		invoice.Module,
		payment.Module,
		dispute.Module,
		janitor.Module,
		server.Module,
	)
	app.Run()
}
