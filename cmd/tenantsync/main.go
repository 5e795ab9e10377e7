// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// tenantsync moves hierarchical security configuration between tenants:
// it pulls a tenant's configuration graph into a snapshot file, shows
// what a snapshot holds and pushes selected subsets into another
// tenant.
package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v3"
	"github.com/juju/loggo/v2"
)

// loggingConfigEnvKey configures the loggers at startup, e.g.
// "tenantsync=DEBUG;tenantsync.scmapi=TRACE".
const loggingConfigEnvKey = "TENANTSYNC_LOGGING_CONFIG"

func init() {
	// An empty value configures nothing.
	if err := loggo.ConfigureLoggers(os.Getenv(loggingConfigEnvKey)); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %s\n\n", loggingConfigEnvKey, err)
	}
}

const tenantsyncDoc = `
tenantsync captures the folder, snippet and infrastructure
configuration of a source tenant into a snapshot file, resolves the
dependency closure of a selection, and replays it into a destination
tenant with a choice of conflict policies.

Tenants are addressed by profile name; profiles live in tenants.yaml
and are managed with the tenants command.
`

func newSuperCommand() *cmd.SuperCommand {
	sc := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "tenantsync",
		Purpose: "Migrate configuration between tenants.",
		Doc:     tenantsyncDoc,
	})
	sc.Register(newPullCommand())
	sc.Register(newPushCommand())
	sc.Register(newShowCommand())
	sc.Register(newTenantsCommand())
	return sc
}

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(newSuperCommand(), ctx, os.Args[1:]))
}
