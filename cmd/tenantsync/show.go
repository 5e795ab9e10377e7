// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/naturalsort"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/snapshot"
)

const showDoc = `
Prints what a snapshot file holds: where and when it was captured,
item counts per type and per container, and the push history.

Examples:

    tenantsync show prod.json
    tenantsync show prod.json --format json
`

func newShowCommand() cmd.Command {
	return &showCommand{}
}

type showCommand struct {
	cmd.CommandBase
	out cmd.Output

	path string
}

// Info implements Command.
func (c *showCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "show",
		Args:    "<snapshot-file>",
		Purpose: "Summarise a snapshot file.",
		Doc:     showDoc,
	}
}

// SetFlags implements Command.
func (c *showCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters.Formatters())
}

// Init implements Command.
func (c *showCommand) Init(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: show <snapshot-file>")
	}
	c.path = args[0]
	return cmd.CheckEmpty(args[1:])
}

// showSummary is the printable account of one snapshot.
type showSummary struct {
	Source      string         `yaml:"source" json:"source"`
	CapturedAt  string         `yaml:"captured-at" json:"captured-at"`
	LoadType    string         `yaml:"load-type" json:"load-type"`
	Items       int            `yaml:"items" json:"items"`
	ByType      map[string]int `yaml:"by-type,omitempty" json:"by-type,omitempty"`
	ByContainer map[string]int `yaml:"by-container,omitempty" json:"by-container,omitempty"`
	Folders     []string       `yaml:"folders,omitempty" json:"folders,omitempty"`
	Snippets    []string       `yaml:"snippets,omitempty" json:"snippets,omitempty"`
	PushHistory []showPush     `yaml:"push-history,omitempty" json:"push-history,omitempty"`
}

type showPush struct {
	RunID       string `yaml:"run-id" json:"run-id"`
	Destination string `yaml:"destination" json:"destination"`
	Timestamp   string `yaml:"timestamp" json:"timestamp"`
	DryRun      bool   `yaml:"dry-run,omitempty" json:"dry-run,omitempty"`
	Summary     string `yaml:"summary" json:"summary"`
}

// Run implements Command.
func (c *showCommand) Run(ctx *cmd.Context) error {
	graph, report, err := snapshot.NewStore(snapshot.Config{}).Load(c.path, snapshot.Lenient, snapshot.Warn)
	if err != nil {
		return errors.Trace(err)
	}
	if report != nil && !report.IsEmpty() {
		ctx.Warningf("%s", report.Summary())
	}
	return c.out.Write(ctx, summarise(graph))
}

func summarise(g *config.Graph) showSummary {
	stats := g.Stats()
	summary := showSummary{
		Source:      g.Metadata.SourceID,
		CapturedAt:  g.Metadata.CreatedAt.Format("2006-01-02 15:04:05Z07:00"),
		LoadType:    g.Metadata.LoadType,
		Items:       stats.Total,
		ByType:      stats.PerType,
		ByContainer: stats.PerContainer,
	}
	for _, folder := range g.Folders {
		summary.Folders = append(summary.Folders, folder.Path)
	}
	for name := range g.Snippets {
		summary.Snippets = append(summary.Snippets, name)
	}
	naturalsort.Sort(summary.Folders)
	naturalsort.Sort(summary.Snippets)
	for _, record := range g.PushHistory {
		summary.PushHistory = append(summary.PushHistory, showPush{
			RunID:       record.RunID,
			Destination: record.Destination,
			Timestamp:   record.Timestamp.Format("2006-01-02 15:04:05Z07:00"),
			DryRun:      record.DryRun,
			Summary:     record.Summary,
		})
	}
	return summary
}
