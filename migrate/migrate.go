// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package migrate is the caller-facing surface for moving tenant
// configuration. It glues the pull, resolve and push phases together
// so embedders and the command line share one entry point.
package migrate

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/core/failure"
	"github.com/scmtools/tenantsync/puller"
	"github.com/scmtools/tenantsync/pusher"
	"github.com/scmtools/tenantsync/resolver"
)

var logger = loggo.GetLogger("tenantsync.migrate")

// PullConfig describes one capture of a source tenant.
type PullConfig struct {
	// Source is the client for the tenant being captured.
	Source puller.SourceClient

	// SourceID labels the captured graph, typically the tenant id or
	// profile name.
	SourceID string

	// Folders, Snippets and Types restrict the capture; empty means
	// everything.
	Folders  []string
	Snippets []string
	Types    []config.ItemType

	// Workers bounds concurrent fetches.
	Workers int

	Clock  clock.Clock
	Notify puller.NotifyFunc
}

// Validate checks the configuration.
func (cfg PullConfig) Validate() error {
	if cfg.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if cfg.SourceID == "" {
		return errors.NotValidf("empty SourceID")
	}
	return nil
}

// Pull captures the configuration graph of the source tenant. The
// graph and report are both meaningful even when err is non-nil; a
// fatal listing failure still returns what was captured before it.
func Pull(ctx context.Context, cfg PullConfig) (*config.Graph, *failure.Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	p, err := puller.New(puller.Config{
		Client:   cfg.Source,
		Clock:    cfg.Clock,
		Workers:  cfg.Workers,
		Folders:  cfg.Folders,
		Snippets: cfg.Snippets,
		Types:    cfg.Types,
		Notify:   cfg.Notify,
	})
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return p.Pull(ctx, cfg.SourceID)
}

// ResolveDependencies expands a selection to its transitive dependency
// closure. The closure is in deterministic traversal order; missing
// lists strict references the graph cannot satisfy.
func ResolveDependencies(g *config.Graph, selection []config.Identity) ([]*config.Item, []resolver.Missing, error) {
	result, err := resolver.Resolve(g, selection)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return result.Closure, result.Missing, nil
}

// PushConfig describes one replay into a destination tenant.
type PushConfig struct {
	// Destination is the client for the tenant being written.
	Destination pusher.DestinationClient

	// DestinationID labels the run in the push history.
	DestinationID string

	// Graph is the captured configuration to push from.
	Graph *config.Graph

	// Selection names the items to push. Empty means the whole graph.
	// A non-empty selection is expanded to its dependency closure
	// before pushing.
	Selection []config.Identity

	// Policy picks the conflict behaviour at the destination.
	Policy pusher.ConflictPolicy

	// DryRun computes every decision without mutating the destination.
	DryRun bool

	// IncludeVendorDefaults pushes vendor-supplied items too.
	IncludeVendorDefaults bool

	// AllowMissing pushes even when the selection's closure has
	// unsatisfied strict references. Off by default; the push would
	// create items whose references dangle at the destination.
	AllowMissing bool

	Clock  clock.Clock
	Notify pusher.NotifyFunc
}

// Validate checks the configuration.
func (cfg PushConfig) Validate() error {
	if cfg.Destination == nil {
		return errors.NotValidf("nil Destination")
	}
	if cfg.DestinationID == "" {
		return errors.NotValidf("empty DestinationID")
	}
	if cfg.Graph == nil {
		return errors.NotValidf("nil Graph")
	}
	return nil
}

// Push replays the selected items into the destination tenant and
// appends a push-history record to the graph.
func Push(ctx context.Context, cfg PushConfig) (*pusher.OutcomeReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	items := cfg.Graph.Items()
	if len(cfg.Selection) > 0 {
		closure, missing, err := ResolveDependencies(cfg.Graph, cfg.Selection)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(missing) > 0 {
			if !cfg.AllowMissing {
				return nil, errors.Trace(missingError(missing))
			}
			for _, m := range missing {
				logger.Warningf("pushing despite unresolved reference to %s %q from %s",
					m.Type, m.Name, m.ReferencedBy)
			}
		}
		items = closure
	}

	p, err := pusher.New(pusher.Config{
		Client:                cfg.Destination,
		Clock:                 cfg.Clock,
		Policy:                cfg.Policy,
		DryRun:                cfg.DryRun,
		IncludeVendorDefaults: cfg.IncludeVendorDefaults,
		Notify:                cfg.Notify,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return p.Push(ctx, cfg.Graph, items, cfg.DestinationID)
}

// missingError summarises unresolved references as one failure that
// callers can classify.
func missingError(missing []resolver.Missing) error {
	first := missing[0]
	err := errors.Errorf("%d unresolved references, first: %s %q wanted by %s",
		len(missing), first.Type, first.Name, first.ReferencedBy)
	return failure.Wrap(err, failure.MissingDependency)
}
