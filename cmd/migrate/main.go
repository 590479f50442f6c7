package main

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/config"
	"github.com/webcuts/orthopaedie-booking/internal/db"
	"github.com/webcuts/orthopaedie-booking/internal/logging"
	"github.com/webcuts/orthopaedie-booking/migrations"
)

// Usage: migrate [up|down|version|force <version>]
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	m, err := db.NewMigrator(cfg.PostgresDSN, migrations.FS)
	if err != nil {
		logger.Fatal("create migrator", zap.Error(err))
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close migrator", zap.Error(err))
		}
	}()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "force":
		if len(os.Args) < 3 {
			logger.Fatal("force needs a version")
		}
		version, convErr := strconv.Atoi(os.Args[2])
		if convErr != nil {
			logger.Fatal("invalid version", zap.String("version", os.Args[2]))
		}
		err = m.Force(version)
	case "version":
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migration failed", zap.String("command", cmd), zap.Error(err))
	}

	version, dirty, err := m.Version()
	if err != nil {
		logger.Fatal("read version", zap.Error(err))
	}
	logger.Info("migrations complete", zap.String("command", cmd), zap.Uint("version", version), zap.Bool("dirty", dirty))
}
