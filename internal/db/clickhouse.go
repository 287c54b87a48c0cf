package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/erphub/internal/config"
	"github.com/jmoiron/sqlx"
)

// OpenClickHouse opens the sync log store, e.g.
// clickhouse://default:@localhost:9000/erphub?dial_timeout=5s&compress=true
func OpenClickHouse(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("empty ClickHouse DSN")
	}
	db, err := sqlx.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := setupPool(db, cfg, 3*time.Second); err != nil {
		return nil, err
	}
	return db, nil
}
