package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/saasforge/tenantd/cmd/tenantd/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		CreateOrg    commands.CreateOrgCmd    `cmd:"" help:"Create an organization"`
		ListOrgs     commands.ListOrgsCmd     `cmd:"" help:"List organizations owned by a principal"`
		CreateTenant commands.CreateTenantCmd `cmd:"" help:"Provision a new tenant"`
		GetTenant    commands.GetTenantCmd    `cmd:"" help:"Show a tenant"`
		ListTenants  commands.ListTenantsCmd  `cmd:"" help:"List tenants in an organization"`
		Migrate      commands.MigrateCmd      `cmd:"" help:"Migrate the central metadata store"`
		Reconcile    commands.ReconcileCmd    `cmd:"" help:"Sweep for stuck tenants and orphaned databases"`
		Debug        bool                     `help:"Enable debug mode."`
		Version      kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
