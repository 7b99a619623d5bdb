package main

import (
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/database"
	"whatsapp-sdr/internal/models"
	"whatsapp-sdr/internal/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchSize = 500

func main() {
	cfg := config.LoadConfig()
	log := logger.New(cfg.LogFilePath, cfg.IsProduction())
	zap.ReplaceGlobals(log)
	defer log.Sync()

	// 1. Connect to SQLite (Source)
	sqliteDB, err := database.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to connect to SQLite", zap.Error(err))
	}
	log.Info("Connected to SQLite", zap.String("path", cfg.DBPath))

	// 2. Connect to PostgreSQL (Destination)
	pgDB, err := database.OpenPostgres(cfg)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(pgDB); err != nil {
		log.Fatal("Failed to migrate PostgreSQL schema", zap.Error(err))
	}

	log.Info("Starting data migration")

	failed := 0
	// contacts first: turns and logs refer to them by wa_id
	failed += migrateTable[models.Contact](log, sqliteDB, pgDB, "contacts")
	failed += migrateTable[models.Turn](log, sqliteDB, pgDB, "turns")
	failed += migrateTable[models.CampaignState](log, sqliteDB, pgDB, "campaign_state")
	failed += migrateTable[models.AutomationLog](log, sqliteDB, pgDB, "automation_logs")

	if failed > 0 {
		log.Fatal("Migration finished with errors", zap.Int("failed_tables", failed))
	}
	log.Info("Migration complete. Run sync_sequences before starting the server.")
}

// migrateTable copies every row of T, keeping primary keys, and reports 1 on failure.
func migrateTable[T any](log *zap.Logger, src, dst *gorm.DB, table string) int {
	log.Info("Migrating table", zap.String("table", table))

	var rows []T
	if err := src.Find(&rows).Error; err != nil {
		log.Error("Error reading from SQLite", zap.String("table", table), zap.Error(err))
		return 1
	}
	if len(rows) == 0 {
		log.Info("Nothing to migrate", zap.String("table", table))
		return 0
	}

	err := dst.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, batchSize).Error
	})
	if err != nil {
		log.Error("Error writing to PostgreSQL", zap.String("table", table), zap.Error(err))
		return 1
	}
	log.Info("Successfully migrated", zap.String("table", table), zap.Int("rows", len(rows)))
	return 0
}
