package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/saasforge/tenantd/internal/provision"
	"github.com/saasforge/tenantd/internal/store/postgres"
	"github.com/saasforge/tenantd/internal/tenant"
)

type ReconcileCmd struct {
	EngineFlags
	GracePeriod    time.Duration `help:"How long an unregistered database may exist before quarantine" default:"10m"`
	StuckThreshold time.Duration `help:"How long a tenant may stay in provisioning before being failed" default:"30m"`
	Interval       time.Duration `help:"Sweep repeatedly on this interval (0 = run once)" default:"0"`
}

func (c *ReconcileCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	pool, err := c.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	provisioner, err := provision.New(ctx, &provision.Config{AdminConnString: c.AdminDB})
	if err != nil {
		return fmt.Errorf("failed to connect to admin endpoint: %w", err)
	}
	defer provisioner.Close()

	reconciler := tenant.NewReconciler(tenant.ReconcilerConfig{
		GracePeriod:    c.GracePeriod,
		StuckThreshold: c.StuckThreshold,
	}, postgres.NewTenantStore(pool), provisioner)

	if c.Interval > 0 {
		reconciler.RunPeriodically(ctx, c.Interval)
		return nil
	}

	report, err := reconciler.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Stuck tenants failed:  %d\n", len(report.StuckFailed))
	fmt.Printf("Databases quarantined: %d\n", len(report.Quarantined))
	fmt.Printf("Orphans in grace:      %d\n", len(report.PendingOrphans))
	for _, name := range report.PendingOrphans {
		fmt.Printf("  pending: %s\n", name)
	}
	return nil
}
