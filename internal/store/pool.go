package store

import (
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig builds the engine's pgx pool configuration. keepAlive=false
// disables TCP keep-alives on the database connections.
func PoolConfig(databaseURL string, maxConns int32, keepAlive bool) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	if !keepAlive {
		cfg.ConnConfig.DialFunc = (&net.Dialer{KeepAlive: -1}).DialContext
	}
	return cfg, nil
}
