package database

import (
	"fmt"
	"net/url"
	"time"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table owned by the service, in migration order.
var Models = []interface{}{
	&models.Contact{},
	&models.Turn{},
	&models.CampaignState{},
	&models.AutomationLog{},
}

// newLogger routes gorm through the process zap logger. Lookups that find
// nothing are normal here (unknown senders, first seed, first campaign
// load) and are not logged.
func newLogger() logger.Interface {
	return logger.New(
		zap.NewStdLog(zap.L().Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
}

// Open connects to the configured database and runs auto-migration.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "postgres":
		db, err = OpenPostgres(cfg)
	case "sqlite", "":
		db, err = OpenSQLite(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func OpenPostgres(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a SQLite file. SQLite allows one writer, so the pool is
// capped at a single connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to SQLite at %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("auto-migration: %w", err)
	}
	return nil
}

// OpenInMemory opens a private, migrated in-memory SQLite database. The name
// keeps databases of concurrently running callers apart.
func OpenInMemory(name string) (*gorm.DB, error) {
	db, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", url.PathEscape(name)))
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
