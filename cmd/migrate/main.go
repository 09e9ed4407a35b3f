package main

import (
	"go.uber.org/zap"

	"newsletter/config"
	"newsletter/migrations"
	"newsletter/pkg/db"
	"newsletter/pkg/logger"
)

func main() {
	cfg := config.Load()

	log := logger.NewLoggerWithLevel(cfg.Log.Level)
	defer log.Sync()

	log.Info("Applying database migrations",
		zap.String("db_host", cfg.DB.Host),
		zap.String("db_name", cfg.DB.Name),
	)
	if err := db.Migrate(cfg.DB.DSN(), migrations.FS, log); err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	}
}
