// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package puller captures a tenant's configuration into an in-memory
// graph. Containers are enumerated first, then (container, type) units
// are fetched by a bounded pool of workers; a single collector owns
// the graph, so no lock guards it.
package puller

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/sync/semaphore"
	"gopkg.in/tomb.v2"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/core/failure"
	"github.com/scmtools/tenantsync/scmapi"
	"github.com/scmtools/tenantsync/scmapi/transport"
)

var logger = loggo.GetLogger("tenantsync.puller")

const defaultWorkers = 4

// SourceClient is the remote API surface a pull consumes.
type SourceClient interface {
	ListFolders(ctx context.Context) ([]transport.FolderRecord, error)
	ListSnippets(ctx context.Context) ([]transport.SnippetRecord, error)
	GetSnippet(ctx context.Context, name string) (transport.SnippetRecord, error)
	ListAll(ctx context.Context, scope scmapi.Scope, t config.ItemType) ([]json.RawMessage, error)
}

// Progress reports one completed fetch unit. Completed is monotonically
// non-decreasing and reaches Total on a run that was not aborted.
type Progress struct {
	Completed int
	Total     int
	Scope     string
	Type      config.ItemType
	Items     int
}

// NotifyFunc receives progress updates. Called from the collector
// goroutine; implementations must not block for long.
type NotifyFunc func(Progress)

// Config holds the knobs of a pull run.
type Config struct {
	Client SourceClient
	Clock  clock.Clock

	// Workers bounds the number of in-flight fetch units.
	Workers int

	// Folders restricts the pull to the subtrees rooted at the given
	// folder paths. Empty means every folder.
	Folders []string

	// Snippets restricts the pull to the named snippets, fetched
	// directly rather than via enumeration. Empty means every snippet.
	Snippets []string

	// Types restricts the pull to a subset of the catalog. Empty means
	// every type.
	Types []config.ItemType

	Notify NotifyFunc
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if cfg.Workers < 0 {
		return errors.NotValidf("negative Workers")
	}
	for _, t := range cfg.Types {
		if _, err := config.ParseItemType(string(t)); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Puller captures tenant configuration graphs.
type Puller struct {
	client   SourceClient
	clock    clock.Clock
	workers  int64
	folders  []string
	snippets []string
	types    []config.ItemType
	notify   NotifyFunc
}

// New returns a Puller for the given configuration.
func New(cfg Config) (*Puller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	types := cfg.Types
	if len(types) == 0 {
		types = config.AllTypes
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(Progress) {}
	}
	return &Puller{
		client:   cfg.Client,
		clock:    cfg.Clock,
		workers:  int64(cfg.Workers),
		folders:  cfg.Folders,
		snippets: cfg.Snippets,
		types:    types,
		notify:   notify,
	}, nil
}

// workUnit is one (scope, type) fetch.
type workUnit struct {
	scope      scmapi.Scope
	folderPath string
	t          config.ItemType
}

type unitResult struct {
	unit   workUnit
	items  []*config.Item
	events []failure.Event
	err    error
}

// Pull captures the source tenant's configuration. On a fatal failure
// or cancellation the partially populated graph is still returned,
// together with the report and the error that stopped the run.
func (p *Puller) Pull(ctx context.Context, sourceID string) (*config.Graph, *failure.Report, error) {
	graph := config.NewGraph(sourceID, "pull", p.clock.Now().UTC())
	report := &failure.Report{}

	units, err := p.enumerate(ctx, graph, report)
	if err != nil {
		return graph, report, errors.Trace(err)
	}
	logger.Infof("pulling %d units from tenant %q with %d workers", len(units), sourceID, p.workers)

	// A tomb with no tracked goroutines never dies, so a run that
	// derived no work is complete right here.
	if len(units) == 0 {
		graph.Metadata.ModifiedAt = p.clock.Now().UTC()
		return graph, report, nil
	}

	var t tomb.Tomb
	workCtx := t.Context(ctx)
	sem := semaphore.NewWeighted(p.workers)

	// Every worker sends exactly one result; the channel is sized so
	// sends never block even after the collector stops reading.
	results := make(chan unitResult, len(units))
	for i := range units {
		unit := units[i]
		t.Go(func() error {
			if err := sem.Acquire(workCtx, 1); err != nil {
				results <- unitResult{unit: unit, err: errors.Trace(err)}
				return nil
			}
			defer sem.Release(1)
			results <- p.fetchUnit(workCtx, unit)
			return nil
		})
	}

	var fatal error
	for completed := 0; completed < len(units); completed++ {
		result := <-results
		if result.err != nil {
			if fatal == nil {
				// Any enumeration failure breaks the completeness
				// guarantee, so the run is aborted; in-flight units
				// are drained and the partial graph returned.
				fatal = failureToFatal(result.err, result.unit)
				report.Record("list "+string(result.unit.t), string(result.unit.t), "", result.unit.scope.String(), fatal)
				t.Kill(fatal)
			} else if !errors.Is(result.err, context.Canceled) && !errors.Is(result.err, context.DeadlineExceeded) {
				// Drained units that failed on their own account are
				// still reported; abort-induced cancellations are not.
				report.Record("list "+string(result.unit.t), string(result.unit.t), "", result.unit.scope.String(), result.err)
			}
			continue
		}
		report.Events = append(report.Events, result.events...)
		p.collect(graph, report, result)
		p.notify(Progress{
			Completed: completed + 1,
			Total:     len(units),
			Scope:     result.unit.scope.String(),
			Type:      result.unit.t,
			Items:     len(result.items),
		})
	}
	t.Kill(nil)
	if err := t.Wait(); err != nil && fatal == nil {
		fatal = errors.Trace(err)
	}
	if fatal != nil {
		return graph, report, errors.Trace(fatal)
	}
	graph.Metadata.ModifiedAt = p.clock.Now().UTC()
	logger.Infof("pulled %d items from tenant %q (%s)", graph.ItemCount(), sourceID, report.Summary())
	return graph, report, nil
}

// enumerate discovers containers, registers them in the graph and
// derives the fetch units.
func (p *Puller) enumerate(ctx context.Context, graph *config.Graph, report *failure.Report) ([]workUnit, error) {
	folderPaths, err := p.enumerateFolders(ctx, graph)
	if err != nil {
		return nil, errors.Annotate(err, "enumerating folders")
	}
	snippetNames, err := p.enumerateSnippets(ctx, graph, report)
	if err != nil {
		return nil, errors.Annotate(err, "enumerating snippets")
	}

	var containerTypes, infraTypes []config.ItemType
	for _, t := range p.types {
		if t.IsInfrastructure() {
			infraTypes = append(infraTypes, t)
		} else {
			containerTypes = append(containerTypes, t)
		}
	}

	var units []workUnit
	for _, path := range folderPaths {
		for _, t := range containerTypes {
			units = append(units, workUnit{scope: scmapi.FolderScope(path), folderPath: path, t: t})
		}
	}
	for _, name := range snippetNames {
		for _, t := range containerTypes {
			units = append(units, workUnit{scope: scmapi.SnippetScope(name), t: t})
		}
	}
	for _, t := range infraTypes {
		units = append(units, workUnit{scope: scmapi.InfraScope(), t: t})
	}
	return units, nil
}

// enumerateFolders lists the folder tree, applies the subtree
// allowlist and registers the kept folders parent-first.
func (p *Puller) enumerateFolders(ctx context.Context, graph *config.Graph) ([]string, error) {
	records, err := p.client.ListFolders(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	paths, err := folderPaths(records)
	if err != nil {
		return nil, errors.Trace(err)
	}

	kept := make([]string, 0, len(paths))
	for _, path := range paths {
		if p.keepFolder(path) {
			kept = append(kept, path)
		}
	}
	// Parents are strict path prefixes, so lexicographic order is
	// parent-first.
	sort.Strings(kept)

	keptSet := set.NewStrings(kept...)
	for _, path := range kept {
		parent := parentOf(path)
		if !keptSet.Contains(parent) {
			// Subtree root whose ancestors fall outside the
			// allowlist; registered as a root of the capture.
			parent = ""
		}
		if _, err := graph.AddFolder(path, parent); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return kept, nil
}

func (p *Puller) keepFolder(path string) bool {
	if len(p.folders) == 0 {
		return true
	}
	for _, root := range p.folders {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// enumerateSnippets registers snippets. With an allowlist each snippet
// is fetched directly; a missing one is a recorded permanent failure,
// not a fatal run error.
func (p *Puller) enumerateSnippets(ctx context.Context, graph *config.Graph, report *failure.Report) ([]string, error) {
	var records []transport.SnippetRecord
	if len(p.snippets) > 0 {
		for _, name := range p.snippets {
			record, err := p.client.GetSnippet(ctx, name)
			if err != nil {
				if failure.Classify(err) == failure.Fatal {
					return nil, errors.Trace(err)
				}
				report.Record("fetch snippet", "", name, "", err)
				continue
			}
			records = append(records, record)
		}
	} else {
		var err error
		records, err = p.client.ListSnippets(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	names := make([]string, 0, len(records))
	for _, record := range records {
		folders := make([]string, 0, len(record.Folders))
		for _, link := range record.Folders {
			folders = append(folders, link.Name)
		}
		if _, err := graph.AddSnippet(record.Name, record.DisplayName, folders); err != nil {
			return nil, errors.Trace(err)
		}
		names = append(names, record.Name)
	}
	return names, nil
}

// fetchUnit lists and decodes one (scope, type) unit. Per-record
// decode failures become events; only the listing itself can fail the
// unit.
func (p *Puller) fetchUnit(ctx context.Context, unit workUnit) unitResult {
	result := unitResult{unit: unit}
	records, err := p.client.ListAll(ctx, unit.scope, unit.t)
	if err != nil {
		result.err = errors.Trace(err)
		return result
	}
	for _, raw := range records {
		item, err := config.DecodeItem(unit.t, raw)
		if err != nil {
			result.events = append(result.events, failure.Event{
				Class:     failure.PermanentItem,
				Op:        "decode",
				ItemType:  string(unit.t),
				Container: unit.scope.String(),
				Message:   err.Error(),
			})
			continue
		}
		// Folder listings return the leaf name; the graph keys
		// folders by path.
		if unit.scope.Kind == config.FolderContainer {
			item.Folder = unit.folderPath
			if !item.VendorDefault {
				item.Snippet = ""
			}
		}
		result.items = append(result.items, item)
	}
	return result
}

// collect adds one unit's items to the graph. An identity already
// present is an inherited duplicate and is skipped.
func (p *Puller) collect(graph *config.Graph, report *failure.Report, result unitResult) {
	for _, item := range result.items {
		if err := graph.AddItem(item); err != nil {
			if errors.Is(err, errors.AlreadyExists) {
				logger.Debugf("skipping duplicate %s", item.Identity())
				continue
			}
			report.Record("add", string(item.Type), item.Name, result.unit.scope.String(), err)
		}
	}
}

// failureToFatal escalates a unit-level listing error to the run
// level. Transient errors arriving here have already exhausted the
// client's retry budget.
func failureToFatal(err error, unit workUnit) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Trace(err)
	}
	switch failure.Classify(err) {
	case failure.Fatal:
		return errors.Trace(err)
	default:
		return failure.Wrap(errors.Annotatef(err, "listing %s in %s", unit.t, unit.scope), failure.Fatal)
	}
}

func folderPaths(records []transport.FolderRecord) ([]string, error) {
	byName := make(map[string]transport.FolderRecord, len(records))
	for _, record := range records {
		if record.Name == "" {
			return nil, errors.NotValidf("folder record without a name")
		}
		byName[record.Name] = record
	}
	paths := make(map[string]string, len(records))
	var resolve func(name string, trail set.Strings) (string, error)
	resolve = func(name string, trail set.Strings) (string, error) {
		if path, ok := paths[name]; ok {
			return path, nil
		}
		if trail.Contains(name) {
			return "", errors.NotValidf("folder parent cycle at %q", name)
		}
		trail.Add(name)
		record := byName[name]
		path := record.Name
		if record.Parent != "" {
			if _, ok := byName[record.Parent]; !ok {
				return "", errors.NotFoundf("parent folder %q of %q", record.Parent, name)
			}
			parentPath, err := resolve(record.Parent, trail)
			if err != nil {
				return "", errors.Trace(err)
			}
			path = parentPath + "/" + record.Name
		}
		paths[name] = path
		return path, nil
	}
	result := make([]string, 0, len(records))
	for _, record := range records {
		path, err := resolve(record.Name, set.NewStrings())
		if err != nil {
			return nil, errors.Trace(err)
		}
		result = append(result, path)
	}
	return result, nil
}

func parentOf(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}
