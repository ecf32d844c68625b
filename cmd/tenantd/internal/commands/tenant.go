package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/saasforge/tenantd/internal/models"
	"github.com/saasforge/tenantd/internal/store/postgres"
	"github.com/saasforge/tenantd/internal/tenant"
	"gopkg.in/yaml.v3"
)

// tenantRequest is the YAML form of a tenant-creation request, for
// driving provisioning from a file instead of flags.
type tenantRequest struct {
	Name         string `yaml:"name" json:"name"`
	Subdomain    string `yaml:"subdomain" json:"subdomain"`
	Organization string `yaml:"organization" json:"organization"`
}

type CreateTenantCmd struct {
	EngineFlags
	Org       string `help:"Organization ID" default:""`
	Name      string `help:"Tenant display name" default:""`
	Subdomain string `help:"Tenant subdomain (3-63 chars, lowercase alphanumeric with hyphens)" default:""`
	File      string `help:"YAML file describing the tenant (overrides flags)" default:""`
	Principal string `help:"Acting principal ID (audit attribution)" required:""`
	Async     bool   `help:"Return once the tenant is registered, finish migration in the background" default:"false"`
}

func (c *CreateTenantCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	req, err := c.buildRequest()
	if err != nil {
		return err
	}

	eng, err := c.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	// Ownership check before touching the engine: the org must exist and
	// belong to the acting principal.
	if _, err := eng.orgs.GetOwned(ctx, req.OrganizationID, req.RequestedBy); err != nil {
		return fmt.Errorf("organization %s not found or not owned by principal: %w", req.OrganizationID, err)
	}

	if c.Async {
		t, err := eng.orchestrator.CreateAsync(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s registered (status: %s); poll with get-tenant --id %s\n",
			t.Subdomain, t.Status, t.TenantID)
		// The detached migration runs inside this process, so keep it
		// alive and demonstrate the poll loop a service caller would use.
		return c.waitForTerminal(ctx, eng, t.TenantID)
	}

	outcome, err := eng.orchestrator.Create(ctx, req)
	if err != nil {
		return err
	}

	printTenant(outcome.Tenant)
	if outcome.Tenant.Status == models.TenantStatusFailed {
		return fmt.Errorf("tenant provisioning failed: %s", outcome.Tenant.StatusCause)
	}
	return nil
}

func (c *CreateTenantCmd) buildRequest() (tenant.CreateRequest, error) {
	var req tenant.CreateRequest

	principal, err := uuid.Parse(c.Principal)
	if err != nil {
		return req, fmt.Errorf("invalid principal ID: %w", err)
	}
	req.RequestedBy = principal

	name, subdomain, org := c.Name, c.Subdomain, c.Org
	if c.File != "" {
		data, err := os.ReadFile(c.File)
		if err != nil {
			return req, fmt.Errorf("failed to read request file: %w", err)
		}
		var fileReq tenantRequest
		if err := yaml.Unmarshal(data, &fileReq); err != nil {
			return req, fmt.Errorf("failed to parse request file: %w", err)
		}
		name, subdomain, org = fileReq.Name, fileReq.Subdomain, fileReq.Organization
	}

	if subdomain == "" {
		return req, fmt.Errorf("subdomain is required")
	}
	if name == "" {
		name = subdomain
	}

	orgID, err := uuid.Parse(org)
	if err != nil {
		return req, fmt.Errorf("invalid organization ID: %w", err)
	}

	req.Name = name
	req.Subdomain = subdomain
	req.OrganizationID = orgID
	return req, nil
}

func (c *CreateTenantCmd) waitForTerminal(ctx context.Context, eng *engine, tenantID uuid.UUID) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t, err := eng.orchestrator.Get(ctx, tenantID)
			if err != nil {
				return err
			}
			if !t.Status.Terminal() {
				continue
			}
			printTenant(t)
			if t.Status == models.TenantStatusFailed {
				return fmt.Errorf("tenant provisioning failed: %s", t.StatusCause)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type GetTenantCmd struct {
	CentralFlags
	ID string `help:"Tenant ID" required:""`
}

func (c *GetTenantCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	tenantID, err := uuid.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	pool, err := c.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	t, err := postgres.NewTenantStore(pool).Get(ctx, tenantID)
	if err != nil {
		return err
	}

	printTenant(t)
	return nil
}

type ListTenantsCmd struct {
	CentralFlags
	Org       string `help:"Organization ID" required:""`
	Principal string `help:"Acting principal ID" required:""`
}

func (c *ListTenantsCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	orgID, err := uuid.Parse(c.Org)
	if err != nil {
		return fmt.Errorf("invalid organization ID: %w", err)
	}
	principal, err := uuid.Parse(c.Principal)
	if err != nil {
		return fmt.Errorf("invalid principal ID: %w", err)
	}

	pool, err := c.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if _, err := postgres.NewOrganizationStore(pool).GetOwned(ctx, orgID, principal); err != nil {
		return fmt.Errorf("organization %s not found or not owned by principal: %w", orgID, err)
	}

	tenants, err := postgres.NewTenantStore(pool).ListByOrganization(ctx, orgID)
	if err != nil {
		return err
	}

	if len(tenants) == 0 {
		fmt.Println("No tenants found")
		return nil
	}

	fmt.Printf("%-38s %-20s %-30s %-12s %s\n", "ID", "SUBDOMAIN", "DB NAME", "STATUS", "NAME")
	for _, t := range tenants {
		fmt.Printf("%-38s %-20s %-30s %-12s %s\n",
			t.TenantID, t.Subdomain, t.DBName, t.Status, t.Name)
		if t.Status == models.TenantStatusFailed && t.StatusCause != "" {
			fmt.Printf("  cause: %s\n", t.StatusCause)
		}
	}
	return nil
}

func printTenant(t *models.Tenant) {
	fmt.Printf("Tenant:       %s\n", t.TenantID)
	fmt.Printf("Name:         %s\n", t.Name)
	fmt.Printf("Subdomain:    %s\n", t.Subdomain)
	fmt.Printf("Database:     %s\n", t.DBName)
	fmt.Printf("Organization: %s\n", t.OrganizationID)
	fmt.Printf("Status:       %s\n", t.Status)
	if t.StatusCause != "" {
		fmt.Printf("Cause:        %s\n", t.StatusCause)
	}
}
