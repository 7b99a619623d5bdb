package main

import (
	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/database"
	"whatsapp-sdr/internal/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	log := logger.New(cfg.LogFilePath, cfg.IsProduction())
	zap.ReplaceGlobals(log)
	defer log.Sync()

	db, err := database.OpenPostgres(cfg)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}

	// tables keyed by a serial id; contacts are keyed by wa_id
	tables := []string{
		"turns",
		"campaign_state",
		"automation_logs",
	}

	log.Info("Syncing PostgreSQL sequences")

	for _, table := range tables {
		query := "SELECT setval(pg_get_serial_sequence('" + table + "', 'id'), coalesce(max(id), 0) + 1, false) FROM " + table
		if err := db.Exec(query).Error; err != nil {
			log.Error("Error syncing sequence", zap.String("table", table), zap.Error(err))
		} else {
			log.Info("Successfully synced sequence", zap.String("table", table))
		}
	}

	log.Info("DONE!")
}
