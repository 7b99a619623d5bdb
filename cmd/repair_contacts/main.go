package main

import (
	"context"

	"whatsapp-sdr/internal/config"
	"whatsapp-sdr/internal/database"
	"whatsapp-sdr/internal/pkg/logger"
	"whatsapp-sdr/internal/store"

	"go.uber.org/zap"
)

// Rewrites contacts whose persisted state cannot be interpreted (unknown
// status, blacklist flag out of sync, paused without a prior status) using
// the same fallbacks the server applies on read.
func main() {
	cfg := config.LoadConfig()
	log := logger.New(cfg.LogFilePath, cfg.IsProduction())
	zap.ReplaceGlobals(log)
	defer log.Sync()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}

	log.Info("Repairing contact records", zap.String("driver", cfg.DBDriver))
	fixed, err := store.NewContactStore(db, log).Repair(context.Background())
	if err != nil {
		log.Fatal("Repair stopped", zap.Int("fixed", fixed), zap.Error(err))
	}
	log.Info("Repair complete", zap.Int("fixed", fixed))
}
