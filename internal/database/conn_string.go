package database

import (
	"fmt"
	"net/url"

	"github.com/coinlake/coinlake/internal/config"
)

// BuildConnString builds a PostgreSQL connection URL from config.
// The same URL is accepted by pgx and by the DuckLake postgres catalog.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}
