// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/scmtools/tenantsync/migrate"
	"github.com/scmtools/tenantsync/pusher"
	"github.com/scmtools/tenantsync/snapshot"
)

const pushDoc = `
Replays a snapshot, or a selection from it, into the destination
tenant. A selection names items as TYPE:NAME@CONTAINER, where the
container is a folder path, "snippet:NAME", or absent for
infrastructure items; its dependency closure is pushed with it.

Name conflicts at the destination follow the --policy flag: skip
leaves the existing item alone, overwrite replaces it, rename pushes
under a suffixed name and rewrites references in the items that
follow.

Examples:

    tenantsync push staging prod.json --dry-run
    tenantsync push staging prod.json --policy rename
    tenantsync push staging prod.json address-group:web-servers@Shared
`

func newPushCommand() cmd.Command {
	return &pushCommand{}
}

type pushCommand struct {
	cmd.CommandBase
	profiles profileFlags

	profileName string
	fromPath    string
	selection   []string

	policy          string
	dryRun          bool
	allowMissing    bool
	includeDefaults bool
	lenient         bool
	record          bool
}

// Info implements Command.
func (c *pushCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "push",
		Args:    "<profile> <snapshot-file> [selection...]",
		Purpose: "Replay snapshot items into a tenant.",
		Doc:     pushDoc,
	}
}

// SetFlags implements Command.
func (c *pushCommand) SetFlags(f *gnuflag.FlagSet) {
	c.profiles.addFlags(f)
	f.StringVar(&c.policy, "policy", "skip", "Conflict policy: skip, overwrite or rename")
	f.BoolVar(&c.dryRun, "dry-run", false, "Compute every decision without writing to the destination")
	f.BoolVar(&c.allowMissing, "allow-missing", false, "Push even when the selection has unresolved references")
	f.BoolVar(&c.includeDefaults, "include-defaults", false, "Push vendor-supplied default items too")
	f.BoolVar(&c.lenient, "lenient", false, "Load the snapshot leniently, dropping undecodable items with a warning")
	f.BoolVar(&c.record, "record", true, "Append the push record to the snapshot file")
}

// Init implements Command.
func (c *pushCommand) Init(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: push <profile> <snapshot-file> [selection...]")
	}
	c.profileName, c.fromPath = args[0], args[1]
	c.selection = args[2:]
	return nil
}

// Run implements Command.
func (c *pushCommand) Run(ctx *cmd.Context) error {
	store, err := c.profiles.store()
	if err != nil {
		return errors.Trace(err)
	}
	client, err := newAPIClient(store, c.profileName)
	if err != nil {
		return errors.Trace(err)
	}
	selection, err := parseSelection(c.selection)
	if err != nil {
		return errors.Trace(err)
	}

	mode, onError := snapshot.Strict, snapshot.Fail
	if c.lenient {
		mode, onError = snapshot.Lenient, snapshot.Warn
	}
	snapStore := snapshot.NewStore(snapshot.Config{})
	graph, loadReport, err := snapStore.Load(c.fromPath, mode, onError)
	if err != nil {
		return errors.Trace(err)
	}
	if loadReport != nil && !loadReport.IsEmpty() {
		ctx.Warningf("loading %s: %s", c.fromPath, loadReport.Summary())
	}

	report, err := migrate.Push(context.Background(), migrate.PushConfig{
		Destination:           client,
		DestinationID:         c.profileName,
		Graph:                 graph,
		Selection:             selection,
		Policy:                pusher.ConflictPolicy(c.policy),
		DryRun:                c.dryRun,
		AllowMissing:          c.allowMissing,
		IncludeVendorDefaults: c.includeDefaults,
		Notify: func(o pusher.Outcome) {
			ctx.Verbosef("%s: %s", o.Item, o.Action)
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	for _, outcome := range report.Outcomes {
		if outcome.Action == pusher.Failed {
			ctx.Warningf("%s: %s", outcome.Item, outcome.Message)
		}
	}
	fmt.Fprintln(ctx.Stdout, report.Summary())

	if c.record && !c.dryRun {
		compressed, err := isGzipFile(c.fromPath)
		if err != nil {
			return errors.Trace(err)
		}
		if err := snapStore.Save(graph, c.fromPath, compressed); err != nil {
			return errors.Annotate(err, "recording push history")
		}
	}
	return nil
}

// isGzipFile sniffs the gzip magic so a re-save keeps the snapshot's
// original encoding.
func isGzipFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Trace(err)
	}
	defer f.Close()
	var magic [2]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false, errors.Trace(err)
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}
