package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/saasforge/tenantd/internal/models"
	"github.com/saasforge/tenantd/internal/store/postgres"
)

type CreateOrgCmd struct {
	CentralFlags
	Name      string `help:"Organization name" required:""`
	Principal string `help:"Owning principal ID" required:""`
}

func (c *CreateOrgCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	owner, err := uuid.Parse(c.Principal)
	if err != nil {
		return fmt.Errorf("invalid principal ID: %w", err)
	}

	pool, err := c.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	org := &models.Organization{
		OrgID:            uuid.Must(uuid.NewV7()),
		Name:             c.Name,
		OwnerPrincipalID: owner,
	}

	if err := postgres.NewOrganizationStore(pool).Create(ctx, org); err != nil {
		return err
	}

	fmt.Printf("Organization %s created: %s\n", org.Name, org.OrgID)
	return nil
}

type ListOrgsCmd struct {
	CentralFlags
	Principal string `help:"Owning principal ID" required:""`
}

func (c *ListOrgsCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	owner, err := uuid.Parse(c.Principal)
	if err != nil {
		return fmt.Errorf("invalid principal ID: %w", err)
	}

	pool, err := c.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	orgs, err := postgres.NewOrganizationStore(pool).ListByOwner(ctx, owner)
	if err != nil {
		return err
	}

	if len(orgs) == 0 {
		fmt.Println("No organizations found")
		return nil
	}

	fmt.Printf("%-38s %s\n", "ID", "NAME")
	for _, org := range orgs {
		fmt.Printf("%-38s %s\n", org.OrgID, org.Name)
	}
	return nil
}
