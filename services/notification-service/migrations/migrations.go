// Package migrations holds the notification-service delivery log schema.
package migrations

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/md-rashed-zaman/apptsync/libs/db"
)

//go:embed 001_push_deliveries.sql
var schema string

// Apply is idempotent; the schema only uses IF NOT EXISTS statements.
func Apply(ctx context.Context, pool *db.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply push_deliveries schema: %w", err)
	}
	return nil
}
