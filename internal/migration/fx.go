package migration

import (
	auditdomain "github.com/glucoloop/loopcore/internal/audit/domain"
	"github.com/glucoloop/loopcore/internal/config"
	treatment "github.com/glucoloop/loopcore/internal/treatment/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite and mysql dev setups take the GORM schema directly.
			return conn.AutoMigrate(&treatment.Record{}, &auditdomain.Entry{})
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
