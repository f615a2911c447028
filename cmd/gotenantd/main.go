package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/mihaimyh/gotenant/cmd/gotenantd/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"GOTENANT_DEBUG"`
		Version kong.VersionFlag

		Serve            commands.ServeCmd            `cmd:"" help:"Serve host routing, the billing webhook and the usage API"`
		Aggregate        commands.AggregateCmd        `cmd:"" help:"Fold usage events into ledgers for every closed period"`
		Reconcile        commands.ReconcileCmd        `cmd:"" help:"Recompute one organization's ledger for the period containing a time"`
		SyncSubscription commands.SyncSubscriptionCmd `cmd:"" help:"Pull a subscription from Stripe and apply it to an organization"`
		Checkout         commands.CheckoutCmd         `cmd:"" help:"Create a Stripe Checkout session and print its URL"`
		Tenant           commands.TenantCmd           `cmd:"" help:"Manage tenants and domain mappings"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("gotenantd"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
