package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/saasforge/tenantd/internal/models"
	"github.com/saasforge/tenantd/internal/naming"
	"github.com/saasforge/tenantd/internal/store"
)

// DatabaseSweeper is the slice of the provisioner the reconciler needs.
type DatabaseSweeper interface {
	ListDatabases(ctx context.Context, prefix string) ([]string, error)
	QuarantineDatabase(ctx context.Context, dbName string) (string, error)
}

// ReconcilerConfig configures the out-of-band consistency sweep.
type ReconcilerConfig struct {
	// GracePeriod is how long a physical database may exist without a
	// matching tenant row before it is quarantined. The window between
	// database creation and metadata insert in a healthy run is seconds,
	// so anything past the grace period is an orphan. Default: 10m
	GracePeriod time.Duration

	// StuckThreshold is how long a tenant may sit in provisioning status
	// before the sweep fails it. Must exceed the orchestrator's migration
	// timeout budget. Default: 30m
	StuckThreshold time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ReconcilerConfig) ApplyDefaults() {
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Minute
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = 30 * time.Minute
	}
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	// StuckFailed lists tenants moved from provisioning to failed.
	StuckFailed []uuid.UUID

	// Quarantined lists physical databases renamed out of the tenant
	// namespace.
	Quarantined []string

	// PendingOrphans lists databases with no tenant row that are still
	// inside the grace period and will be re-examined next sweep.
	PendingOrphans []string
}

// Reconciler resolves the two consistency gaps the saga cannot close on
// its own: tenants stuck in provisioning after a crash, and physical
// databases left behind when a run died between database creation and
// metadata insert. Every terminal state the saga promises is eventually
// enforced here.
type Reconciler struct {
	cfg     ReconcilerConfig
	tenants store.TenantStore
	sweeper DatabaseSweeper

	mu sync.Mutex
	// firstSeen records when a database was first observed without a
	// tenant row, so the grace period applies across sweeps.
	firstSeen map[string]time.Time
}

// NewReconciler creates a reconciler over the given store and sweeper.
func NewReconciler(cfg ReconcilerConfig, tenants store.TenantStore, sweeper DatabaseSweeper) *Reconciler {
	cfg.ApplyDefaults()
	return &Reconciler{
		cfg:       cfg,
		tenants:   tenants,
		sweeper:   sweeper,
		firstSeen: make(map[string]time.Time),
	}
}

// Run executes one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	if err := r.failStuckTenants(ctx, report); err != nil {
		return nil, err
	}
	if err := r.sweepOrphans(ctx, report); err != nil {
		return nil, err
	}

	log.Info().
		Int("stuck_failed", len(report.StuckFailed)).
		Int("quarantined", len(report.Quarantined)).
		Int("pending_orphans", len(report.PendingOrphans)).
		Msg("Reconciliation sweep finished")

	return report, nil
}

// RunPeriodically executes sweeps on the given interval until the context
// is cancelled. Sweep errors are logged and the loop continues.
func (r *Reconciler) RunPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) failStuckTenants(ctx context.Context, report *SweepReport) error {
	cutoff := time.Now().Add(-r.cfg.StuckThreshold)

	stuck, err := r.tenants.ListStuckProvisioning(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stuck tenants: %w", err)
	}

	for _, t := range stuck {
		cause := fmt.Sprintf("provisioning did not finish within %s", r.cfg.StuckThreshold)
		err := r.tenants.UpdateStatus(ctx, t.TenantID, models.TenantStatusProvisioning, models.TenantStatusFailed, cause)
		if errors.Is(err, store.ErrStatusConflict) {
			// The orchestrator finalized it between the listing and this
			// write. The tenant already holds a terminal status; leave it.
			log.Debug().
				Str("tenant_id", t.TenantID.String()).
				Msg("Tenant finalized since the stuck listing, skipping")
			continue
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("tenant_id", t.TenantID.String()).
				Msg("Failed to fail stuck tenant")
			continue
		}

		log.Warn().
			Str("tenant_id", t.TenantID.String()).
			Str("subdomain", t.Subdomain).
			Time("last_update", t.UpdatedAt).
			Msg("Failed tenant stuck in provisioning")
		report.StuckFailed = append(report.StuckFailed, t.TenantID)
	}

	return nil
}

func (r *Reconciler) sweepOrphans(ctx context.Context, report *SweepReport) error {
	physical, err := r.sweeper.ListDatabases(ctx, naming.DBPrefix)
	if err != nil {
		return fmt.Errorf("failed to list physical databases: %w", err)
	}

	claimed, err := r.tenants.ListDBNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list claimed db names: %w", err)
	}

	claimedSet := make(map[string]struct{}, len(claimed))
	for _, name := range claimed {
		claimedSet[name] = struct{}{}
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	orphans := make(map[string]struct{})
	for _, name := range physical {
		if _, ok := claimedSet[name]; ok {
			continue
		}
		orphans[name] = struct{}{}

		seen, ok := r.firstSeen[name]
		if !ok {
			seen = now
			r.firstSeen[name] = now
		}

		if now.Sub(seen) < r.cfg.GracePeriod {
			report.PendingOrphans = append(report.PendingOrphans, name)
			continue
		}

		quarantined, err := r.sweeper.QuarantineDatabase(ctx, name)
		if err != nil {
			log.Error().
				Err(err).
				Str("db_name", name).
				Msg("Failed to quarantine orphaned database")
			report.PendingOrphans = append(report.PendingOrphans, name)
			continue
		}

		delete(r.firstSeen, name)
		if quarantined != "" {
			report.Quarantined = append(report.Quarantined, quarantined)
		}
	}

	// Forget databases that gained a tenant row or disappeared since the
	// last sweep.
	for name := range r.firstSeen {
		if _, ok := orphans[name]; !ok {
			delete(r.firstSeen, name)
		}
	}

	return nil
}
