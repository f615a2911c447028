package commands

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

type TenantCmd struct {
	Create    TenantCreateCmd    `cmd:"" help:"Create the tenant of an organization"`
	AddDomain TenantAddDomainCmd `cmd:"" help:"Register a custom domain (starts pending)"`
	SetStatus TenantSetStatusCmd `cmd:"" help:"Move a domain mapping through its verification lifecycle"`
	Domains   TenantDomainsCmd   `cmd:"" help:"List a tenant's domain mappings"`
	Delete    TenantDeleteCmd    `cmd:"" help:"Delete a tenant and all of its domain mappings"`
}

// TenantFlags are shared by every tenant subcommand
type TenantFlags struct {
	StorageTimeout time.Duration `help:"timeout of each storage call" default:"5s" env:"GOTENANT_STORAGE_TIMEOUT"`
	Routing        RoutingFlags  `embed:""`
	Store          StoreFlags    `embed:""`
}

// withService opens the stores, runs fn against a tenant Service and closes them
func (f TenantFlags) withService(globals *Globals, fn func(ctx context.Context, svc *tenancy.Service) error) error {
	log, appLog := globals.logger()
	ctx := context.Background()

	routing, err := f.Routing.config()
	if err != nil {
		return err
	}
	st, err := openStores(ctx, f.Store, log, appLog, nil)
	if err != nil {
		return err
	}
	defer st.Close(log)

	svc, err := tenancy.NewService(tenancy.ServiceConfig{
		Routing:        routing,
		Repository:     st.tenants,
		StorageTimeout: f.StorageTimeout,
		Logger:         appLog.With("tenancy"),
	})
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type TenantCreateCmd struct {
	Organization string `arg:"" help:"organization id"`
	Slug         string `arg:"" help:"subdomain label under the base domain"`
	Subdomain    bool   `help:"also write an explicit subdomain mapping row" default:"false"`

	TenantFlags `embed:""`
}

func (c *TenantCreateCmd) Run(globals *Globals) error {
	return c.withService(globals, func(ctx context.Context, svc *tenancy.Service) error {
		t, err := svc.CreateTenant(ctx, c.Organization, c.Slug)
		if err != nil {
			return err
		}
		if c.Subdomain {
			if _, err := svc.AddSubdomainMapping(ctx, t.ID); err != nil {
				return err
			}
		}
		return printJSON(t)
	})
}

type TenantAddDomainCmd struct {
	Tenant   string `arg:"" help:"tenant id"`
	Hostname string `arg:"" help:"customer-owned hostname"`

	TenantFlags `embed:""`
}

func (c *TenantAddDomainCmd) Run(globals *Globals) error {
	return c.withService(globals, func(ctx context.Context, svc *tenancy.Service) error {
		m, err := svc.AddCustomDomain(ctx, c.Tenant, c.Hostname)
		if err != nil {
			return err
		}
		return printJSON(m)
	})
}

type TenantSetStatusCmd struct {
	Hostname string `arg:"" help:"mapped hostname"`
	Status   string `arg:"" help:"new status" enum:"pending,verified,active,error"`

	TenantFlags `embed:""`
}

func (c *TenantSetStatusCmd) Run(globals *Globals) error {
	status, err := tenancy.ParseMappingStatus(c.Status)
	if err != nil {
		return err
	}
	return c.withService(globals, func(ctx context.Context, svc *tenancy.Service) error {
		m, err := svc.SetMappingStatus(ctx, c.Hostname, status)
		if err != nil {
			return err
		}
		return printJSON(m)
	})
}

type TenantDomainsCmd struct {
	Tenant string `arg:"" help:"tenant id"`

	TenantFlags `embed:""`
}

func (c *TenantDomainsCmd) Run(globals *Globals) error {
	return c.withService(globals, func(ctx context.Context, svc *tenancy.Service) error {
		mappings, err := svc.ListMappings(ctx, c.Tenant)
		if err != nil {
			return err
		}
		return printJSON(mappings)
	})
}

type TenantDeleteCmd struct {
	Tenant string `arg:"" help:"tenant id"`

	TenantFlags `embed:""`
}

func (c *TenantDeleteCmd) Run(globals *Globals) error {
	return c.withService(globals, func(ctx context.Context, svc *tenancy.Service) error {
		return svc.DeleteTenant(ctx, c.Tenant)
	})
}
