package model

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aetherlab/aether/common"
	"github.com/aetherlab/aether/common/config"
	"github.com/aetherlab/aether/common/logger"
)

var DB *gorm.DB

func chooseDB(dsn string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		return openPostgreSQL(dsn)
	case dsn != "":
		return openMySQL(dsn)
	default:
		return openSQLite()
	}
}

func openPostgreSQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using PostgreSQL as database")
	common.UsingPostgreSQL.Store(true)
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		PrepareStmt: true, // precompile SQL
		TranslateError: true,
	})
}

func openMySQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using MySQL as database")
	common.UsingMySQL.Store(true)
	normalized, err := common.NormalizeMySQLDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "normalize MySQL DSN")
	}

	return gorm.Open(mysql.Open(normalized), &gorm.Config{
		PrepareStmt: true, // precompile SQL
		TranslateError: true,
	})
}

func openSQLite() (*gorm.DB, error) {
	logger.Logger.Info("SQL_DSN not set, using SQLite as database")
	common.UsingSQLite.Store(true)
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", common.SQLitePath, common.SQLiteBusyTimeout)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true, // precompile SQL
		TranslateError: true,
	})
}

func InitDB() {
	var err error
	DB, err = chooseDB(config.SQLDSN)
	if err != nil {
		logger.Logger.Fatal("failed to initialize database", zap.Error(err))
		return
	}

	if config.DebugSQLEnabled {
		logger.Logger.Debug("debug sql enabled")
		DB = DB.Debug()
	}

	setDBConns(DB)

	logger.Logger.Info("database migration started")

	if err = migrateDB(); err != nil {
		logger.Logger.Fatal("failed to migrate database", zap.Error(err))
		return
	}

	// Column-level migrations run after AutoMigrate so the tables exist on
	// fresh installs; each add is idempotent and safe to re-run.
	if err = MigrateAddVideoTaskColumns(DB); err != nil {
		logger.Logger.Fatal("failed to migrate video task columns", zap.Error(err))
		return
	}
	if err = MigrateAddEndpointBodyRules(DB); err != nil {
		logger.Logger.Fatal("failed to migrate endpoint body rules column", zap.Error(err))
		return
	}

	logger.Logger.Info("database migration completed")
}

func migrateDB() error {
	var err error
	if err = DB.AutoMigrate(&User{}); err != nil {
		return errors.Wrapf(err, "failed to migrate User")
	}
	if err = DB.AutoMigrate(&ApiKey{}); err != nil {
		return errors.Wrapf(err, "failed to migrate ApiKey")
	}
	if err = DB.AutoMigrate(&Provider{}); err != nil {
		return errors.Wrapf(err, "failed to migrate Provider")
	}
	if err = DB.AutoMigrate(&ProviderEndpoint{}); err != nil {
		return errors.Wrapf(err, "failed to migrate ProviderEndpoint")
	}
	if err = DB.AutoMigrate(&ProviderAPIKey{}); err != nil {
		return errors.Wrapf(err, "failed to migrate ProviderAPIKey")
	}
	if err = DB.AutoMigrate(&GlobalModel{}); err != nil {
		return errors.Wrapf(err, "failed to migrate GlobalModel")
	}
	if err = DB.AutoMigrate(&Model{}); err != nil {
		return errors.Wrapf(err, "failed to migrate Model")
	}
	if err = DB.AutoMigrate(&VideoTask{}); err != nil {
		return errors.Wrapf(err, "failed to migrate VideoTask")
	}
	if err = DB.AutoMigrate(&Usage{}); err != nil {
		return errors.Wrapf(err, "failed to migrate Usage")
	}
	if err = DB.AutoMigrate(&DimensionCollector{}); err != nil {
		return errors.Wrapf(err, "failed to migrate DimensionCollector")
	}
	return nil
}

func setDBConns(db *gorm.DB) *sql.DB {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Logger.Fatal("failed to connect database", zap.Error(err))
		return nil
	}

	maxIdleConns := config.SQLMaxIdleConns
	maxOpenConns := config.SQLMaxOpenConns
	maxLifetime := config.SQLMaxLifetimeSeconds

	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Second * time.Duration(maxLifetime))

	logger.Logger.Info("database connection pool configured",
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_lifetime_secs", maxLifetime))

	go monitorDBConnections(sqlDB)

	return sqlDB
}

// monitorDBConnections monitors database connection pool health
func monitorDBConnections(sqlDB *sql.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		stats := sqlDB.Stats()

		if stats.InUse > int(float64(stats.MaxOpenConnections)*0.8) {
			usagePercent := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
			logger.Logger.Error("HIGH DB CONNECTION USAGE",
				zap.Int("in_use", stats.InUse),
				zap.Int("max_open", stats.MaxOpenConnections),
				zap.Float64("usage_percent", usagePercent),
				zap.Int("idle", stats.Idle),
				zap.Int64("wait_count", stats.WaitCount),
				zap.Duration("wait_duration", stats.WaitDuration))
		}

		if stats.WaitCount > 0 && stats.WaitDuration > time.Second {
			logger.Logger.Error("DB CONNECTION BOTTLENECK - consider increasing SQL_MAX_OPEN_CONNS",
				zap.Int64("wait_count", stats.WaitCount),
				zap.Duration("wait_duration", stats.WaitDuration))
		}
	}
}

func CloseDB() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(sqlDB.Close())
}
