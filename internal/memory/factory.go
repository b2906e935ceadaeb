package memory

import (
	"context"
	"strings"
)

// NewStore picks a backend: Postgres when databaseURL is set, SQLite when
// sqlitePath is set, otherwise the in-process store.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(sqlitePath) != "" {
		return NewSQLiteStore(ctx, strings.TrimSpace(sqlitePath))
	}
	return NewInMemoryStore(), nil
}

// StoreMode names the backend NewStore would choose for the given settings.
func StoreMode(databaseURL, sqlitePath string) string {
	switch {
	case strings.TrimSpace(databaseURL) != "":
		return "postgres"
	case strings.TrimSpace(sqlitePath) != "":
		return "sqlite"
	default:
		return "memory"
	}
}
