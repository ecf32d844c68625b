package commands

import (
	"context"

	"github.com/saasforge/tenantd/internal/store/postgres"
)

type MigrateCmd struct {
	CentralFlags
}

// Run brings the central metadata store to the current schema version.
// Safe to run on every deploy.
func (c *MigrateCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	pool, err := c.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return postgres.Migrate(ctx, pool)
}
