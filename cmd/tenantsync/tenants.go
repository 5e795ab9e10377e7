// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/naturalsort"

	"github.com/scmtools/tenantsync/tenantfile"
)

const tenantsDoc = `
Manages the tenant profiles in tenants.yaml. Profiles name the tenants
that pull and push address, carrying the API endpoint, the tenant
service group id and the OAuth client id. Client secrets are never
stored; supply them via $` + secretEnvKey + `.

Examples:

    tenantsync tenants
    tenantsync tenants --add prod --endpoint https://api.example.com/config/v1 \
        --tenant-id 12345 --client-id migration-svc \
        --token-url https://auth.example.com/oauth2/access_token
    tenantsync tenants --remove prod
`

func newTenantsCommand() cmd.Command {
	return &tenantsCommand{}
}

type tenantsCommand struct {
	cmd.CommandBase
	profiles profileFlags

	add    string
	remove string

	endpoint    string
	tenantID    string
	clientID    string
	tokenURL    string
	description string
}

// Info implements Command.
func (c *tenantsCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "tenants",
		Purpose: "List, add or remove tenant profiles.",
		Doc:     tenantsDoc,
	}
}

// SetFlags implements Command.
func (c *tenantsCommand) SetFlags(f *gnuflag.FlagSet) {
	c.profiles.addFlags(f)
	f.StringVar(&c.add, "add", "", "Add or replace the named profile")
	f.StringVar(&c.remove, "remove", "", "Remove the named profile")
	f.StringVar(&c.endpoint, "endpoint", "", "API base URL for --add")
	f.StringVar(&c.tenantID, "tenant-id", "", "Tenant service group id for --add")
	f.StringVar(&c.clientID, "client-id", "", "OAuth client id for --add")
	f.StringVar(&c.tokenURL, "token-url", "", "OAuth token endpoint for --add")
	f.StringVar(&c.description, "description", "", "Free-form note for --add")
}

// Init implements Command.
func (c *tenantsCommand) Init(args []string) error {
	if c.add != "" && c.remove != "" {
		return errors.New("--add and --remove are mutually exclusive")
	}
	return cmd.CheckEmpty(args)
}

// Run implements Command.
func (c *tenantsCommand) Run(ctx *cmd.Context) error {
	store, err := c.profiles.store()
	if err != nil {
		return errors.Trace(err)
	}
	switch {
	case c.add != "":
		err := store.Update(c.add, tenantfile.Profile{
			Endpoint:    c.endpoint,
			TenantID:    c.tenantID,
			ClientID:    c.clientID,
			TokenURL:    c.tokenURL,
			Description: c.description,
		})
		if err != nil {
			return errors.Trace(err)
		}
		ctx.Infof("profile %q saved", c.add)
		return nil
	case c.remove != "":
		if err := store.Remove(c.remove); err != nil {
			return errors.Trace(err)
		}
		ctx.Infof("profile %q removed", c.remove)
		return nil
	}
	return errors.Trace(c.list(ctx, store))
}

func (c *tenantsCommand) list(ctx *cmd.Context, store *tenantfile.Store) error {
	profiles, err := store.All()
	if err != nil {
		return errors.Trace(err)
	}
	if len(profiles) == 0 {
		ctx.Infof("no tenant profiles")
		return nil
	}
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	naturalsort.Sort(names)

	tw := tabwriter.NewWriter(ctx.Stdout, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENDPOINT\tTENANT\tDESCRIPTION")
	for _, name := range names {
		p := profiles[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, p.Endpoint, p.TenantID, p.Description)
	}
	return tw.Flush()
}
