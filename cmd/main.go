package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/internal/app"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := app.Config{
		Addr:       envOr("QFLUX_ADDR", ":8080"),
		ConnString: envOr("QFLUX_DB", ""),
		Tables: []app.TableConfig{
			{CollectionID: "users", Schema: "public", Table: "users"},
			{CollectionID: "orders", Schema: "public", Table: "orders"},
		},
		Log: logger,
	}

	srv, err := app.NewServer(cfg)
	if err != nil {
		logger.Fatal("server init failed", zap.Error(err))
	}
	if err := srv.Run(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
