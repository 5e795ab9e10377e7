// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pusher replays a set of configuration items into a
// destination tenant. Items are pushed one at a time in dependency
// order; a failed item never stops the run, it taints its dependents
// with a warning instead.
package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/core/failure"
	"github.com/scmtools/tenantsync/resolver"
	"github.com/scmtools/tenantsync/scmapi"
	"github.com/scmtools/tenantsync/scmapi/transport"
)

var logger = loggo.GetLogger("tenantsync.pusher")

// ConflictPolicy decides what happens when a pushed item's name is
// already taken in the destination container.
type ConflictPolicy string

const (
	// Skip leaves the destination object untouched.
	Skip ConflictPolicy = "skip"
	// Overwrite replaces the destination object in place.
	Overwrite ConflictPolicy = "overwrite"
	// Rename pushes under a suffixed name and rewrites references in
	// later items of the same run.
	Rename ConflictPolicy = "rename"
)

const renameSuffix = "-migrated"

// maximum rename probes before the item is failed.
const renameAttempts = 100

// DestinationClient is the remote API surface a push consumes.
type DestinationClient interface {
	ListFolders(ctx context.Context) ([]transport.FolderRecord, error)
	ListSnippets(ctx context.Context) ([]transport.SnippetRecord, error)
	ListAll(ctx context.Context, scope scmapi.Scope, t config.ItemType) ([]json.RawMessage, error)
	Create(ctx context.Context, t config.ItemType, scope scmapi.Scope, payload json.RawMessage) (transport.IDResponse, error)
	Update(ctx context.Context, t config.ItemType, id string, payload json.RawMessage) (transport.IDResponse, error)
	CreateFolder(ctx context.Context, record transport.FolderRecord) error
	CreateSnippet(ctx context.Context, record transport.SnippetRecord) error
}

// Action is the per-item verdict of a push run.
type Action string

const (
	Created Action = "created"
	Updated Action = "updated"
	Skipped Action = "skipped"
	Renamed Action = "renamed"
	Failed  Action = "failed"
)

// Outcome records what happened to one item.
type Outcome struct {
	Item     config.Identity `json:"item"`
	Action   Action          `json:"action"`
	NewName  string          `json:"new_name,omitempty"`
	RemoteID string          `json:"remote_id,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// OutcomeReport aggregates one push run.
type OutcomeReport struct {
	RunID       string         `json:"run_id"`
	Destination string         `json:"destination"`
	DryRun      bool           `json:"dry_run,omitempty"`
	Outcomes    []Outcome      `json:"outcomes,omitempty"`
	Counts      map[string]int `json:"counts"`

	// Failures carries the classified failure events of the run,
	// including ones not attached to a single item.
	Failures *failure.Report `json:"failures,omitempty"`
}

// Summary renders a one-line account, e.g.
// "pushed 12 items to tenant-dst: 10 created, 1 skipped, 1 failed".
func (r *OutcomeReport) Summary() string {
	var parts []string
	for _, action := range []Action{Created, Updated, Renamed, Skipped, Failed} {
		if n := r.Counts[string(action)]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, action))
		}
	}
	detail := "nothing to do"
	if len(parts) > 0 {
		detail = strings.Join(parts, ", ")
	}
	verb := "pushed"
	if r.DryRun {
		verb = "would push"
	}
	return fmt.Sprintf("%s %d items to %s: %s", verb, len(r.Outcomes), r.Destination, detail)
}

// NotifyFunc receives each outcome as it is decided.
type NotifyFunc func(Outcome)

// Config holds the knobs of a push run.
type Config struct {
	Client DestinationClient
	Clock  clock.Clock

	// Policy picks the conflict behaviour. Defaults to Skip.
	Policy ConflictPolicy

	// DryRun performs every read and decision but no mutation.
	DryRun bool

	// IncludeVendorDefaults pushes items flagged as vendor-supplied.
	// Off by default; the destination has its own copies.
	IncludeVendorDefaults bool

	Notify NotifyFunc
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.Client == nil {
		return errors.NotValidf("nil Client")
	}
	switch cfg.Policy {
	case "", Skip, Overwrite, Rename:
	default:
		return errors.NotValidf("conflict policy %q", cfg.Policy)
	}
	return nil
}

// Pusher replays configuration items into destination tenants.
type Pusher struct {
	client DestinationClient
	clock  clock.Clock
	policy ConflictPolicy
	dryRun bool
	vendor bool
	notify NotifyFunc
}

// New returns a Pusher for the given configuration.
func New(cfg Config) (*Pusher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Policy == "" {
		cfg.Policy = Skip
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(Outcome) {}
	}
	return &Pusher{
		client: cfg.Client,
		clock:  cfg.Clock,
		policy: cfg.Policy,
		dryRun: cfg.DryRun,
		vendor: cfg.IncludeVendorDefaults,
		notify: notify,
	}, nil
}

// run is the state of one push.
type run struct {
	*Pusher
	graph       *config.Graph
	destination string
	report      *OutcomeReport

	// existing caches the destination's (scope, type) name index.
	existing map[string]map[string]string

	// renames maps renamed source identities to their suffixed
	// destination names for reference rewriting in later items of the
	// same run. Keyed by full identity so a shadowed name in another
	// container is never caught by the remap.
	renames map[config.Identity]string

	// failed holds identities whose push failed; dependents are
	// pushed best-effort with a warning.
	failed map[config.Identity]bool
}

// Push replays items into the destination tenant in dependency order.
// The graph is the source the items came from; it is read for
// reference resolution and appended to with the run's push record.
// A fatal failure aborts the run and returns the partial report.
func (p *Pusher) Push(ctx context.Context, graph *config.Graph, items []*config.Item, destinationID string) (*OutcomeReport, error) {
	r := &run{
		Pusher:      p,
		graph:       graph,
		destination: destinationID,
		report: &OutcomeReport{
			RunID:       uuid.New().String(),
			Destination: destinationID,
			DryRun:      p.dryRun,
			Counts:      make(map[string]int),
			Failures:    &failure.Report{},
		},
		existing: make(map[string]map[string]string),
		renames:  make(map[config.Identity]string),
		failed:   make(map[config.Identity]bool),
	}

	ordered := resolver.Order(graph, items)
	logger.Infof("pushing %d items to tenant %q (policy %s, dry run %v)",
		len(ordered), destinationID, p.policy, p.dryRun)

	if err := r.ensureContainers(ctx, ordered); err != nil {
		r.report.Failures.Record("ensure containers", "", "", "", err)
		return r.finish(graph), errors.Trace(err)
	}

	for _, item := range ordered {
		if err := ctx.Err(); err != nil {
			return r.finish(graph), errors.Trace(err)
		}
		if item.VendorDefault && !p.vendor {
			r.record(Outcome{Item: item.Identity(), Action: Skipped, Message: "vendor-supplied default"})
			continue
		}
		if err := r.pushItem(ctx, item); err != nil {
			// Only fatal errors surface here; item failures are
			// already recorded.
			r.report.Failures.Record("push", string(item.Type), item.Name, item.Container().String(), err)
			return r.finish(graph), errors.Trace(err)
		}
	}
	report := r.finish(graph)
	logger.Infof("%s", report.Summary())
	return report, nil
}

func (r *run) finish(graph *config.Graph) *OutcomeReport {
	graph.AppendPushRecord(config.PushRecord{
		RunID:       r.report.RunID,
		Destination: r.destination,
		Timestamp:   r.clock.Now().UTC(),
		DryRun:      r.dryRun,
		Counts:      r.report.Counts,
		Summary:     r.report.Summary(),
	})
	return r.report
}

func (r *run) record(outcome Outcome) {
	r.report.Outcomes = append(r.report.Outcomes, outcome)
	r.report.Counts[string(outcome.Action)]++
	r.notify(outcome)
}

// pushItem pushes one item. The returned error is nil unless the run
// must abort.
func (r *run) pushItem(ctx context.Context, item *config.Item) error {
	identity := item.Identity()
	warning := r.dependencyWarning(item)

	clone, err := cloneItem(item)
	if err != nil {
		r.fail(identity, err)
		return nil
	}
	if n := resolver.RewriteReferences(r.graph, clone, r.renameFor); n > 0 {
		logger.Debugf("rewrote %d renamed references in %s", n, identity)
	}

	scope := scopeFor(item.Container())
	index, err := r.destinationIndex(ctx, scope, item.Type)
	if err != nil {
		return errors.Trace(err)
	}

	existingID, exists := index[clone.Name]
	switch {
	case !exists:
		return r.create(ctx, clone, scope, identity, index, warning)
	case r.policy == Skip:
		r.record(Outcome{Item: identity, Action: Skipped, Message: joinWarning("name already present in destination", warning)})
	case r.policy == Overwrite:
		return r.update(ctx, clone, existingID, identity, warning)
	case r.policy == Rename:
		newName, ok := freeName(clone.Name, index)
		if !ok {
			r.fail(identity, failure.PermanentItemf("no free rename for %q after %d attempts", clone.Name, renameAttempts))
			return nil
		}
		r.renames[identity] = newName
		clone.Name = newName
		return r.create(ctx, clone, scope, identity, index, warning)
	}
	return nil
}

func (r *run) create(ctx context.Context, clone *config.Item, scope scmapi.Scope, identity config.Identity, index map[string]string, warning string) error {
	action := Created
	if clone.Name != identity.Name {
		action = Renamed
	}
	outcome := Outcome{Item: identity, Action: action, Message: warning}
	if action == Renamed {
		outcome.NewName = clone.Name
	}
	if r.dryRun {
		index[clone.Name] = ""
		r.record(outcome)
		return nil
	}
	payload, err := clone.EncodePayload()
	if err != nil {
		r.fail(identity, err)
		return nil
	}
	resp, err := r.client.Create(ctx, clone.Type, scope, payload)
	if err != nil {
		if failure.Classify(err) == failure.Fatal {
			return errors.Trace(err)
		}
		r.fail(identity, err)
		return nil
	}
	index[clone.Name] = resp.ID
	outcome.RemoteID = resp.ID
	r.record(outcome)
	return nil
}

func (r *run) update(ctx context.Context, clone *config.Item, existingID string, identity config.Identity, warning string) error {
	outcome := Outcome{Item: identity, Action: Updated, RemoteID: existingID, Message: warning}
	if r.dryRun {
		r.record(outcome)
		return nil
	}
	payload, err := clone.EncodePayload()
	if err != nil {
		r.fail(identity, err)
		return nil
	}
	if _, err := r.client.Update(ctx, clone.Type, existingID, payload); err != nil {
		if failure.Classify(err) == failure.Fatal {
			return errors.Trace(err)
		}
		r.fail(identity, err)
		return nil
	}
	r.record(outcome)
	return nil
}

// fail records an item failure, downgrading an exhausted transient to
// a permanent item failure.
func (r *run) fail(identity config.Identity, err error) {
	if failure.Classify(err) == failure.Transient {
		err = failure.Wrap(err, failure.PermanentItem)
	}
	r.failed[identity] = true
	r.report.Failures.Record("push", string(identity.Type), identity.Name, identity.Container.String(), err)
	r.record(Outcome{Item: identity, Action: Failed, Message: err.Error()})
}

// dependencyWarning notes direct dependencies that failed earlier in
// this run; the item is still pushed best-effort.
func (r *run) dependencyWarning(item *config.Item) string {
	for _, dep := range resolver.DirectDependencies(r.graph, item) {
		if r.failed[dep.Identity()] {
			return fmt.Sprintf("dependency %s failed earlier in this run", dep.Identity())
		}
	}
	return ""
}

// destinationIndex lazily builds the destination's name index for one
// (scope, type) pair. A listing failure is fatal: without the index no
// conflict decision is sound.
func (r *run) destinationIndex(ctx context.Context, scope scmapi.Scope, t config.ItemType) (map[string]string, error) {
	key := scope.String() + "|" + string(t)
	if index, ok := r.existing[key]; ok {
		return index, nil
	}
	records, err := r.client.ListAll(ctx, scope, t)
	if err != nil {
		if failure.Classify(err) != failure.Fatal {
			err = failure.Wrap(err, failure.Fatal)
		}
		return nil, errors.Annotatef(err, "indexing %s in %s", t, scope)
	}
	index := make(map[string]string, len(records))
	for _, raw := range records {
		var head struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, errors.Annotatef(failure.Wrap(err, failure.Fatal), "indexing %s in %s", t, scope)
		}
		if head.Name != "" {
			index[head.Name] = head.ID
		}
	}
	r.existing[key] = index
	return index, nil
}

func (r *run) renameFor(dep config.Identity) (string, bool) {
	newName, ok := r.renames[dep]
	return newName, ok
}

// ensureContainers creates the destination folders and snippets the
// items need, parent-first. In a dry run missing containers are only
// noted.
func (r *run) ensureContainers(ctx context.Context, items []*config.Item) error {
	folderPaths, snippetNames := neededContainers(r.graph, items)
	if len(folderPaths) == 0 && len(snippetNames) == 0 {
		return nil
	}

	destFolders, err := r.client.ListFolders(ctx)
	if err != nil {
		return errors.Annotate(failureFatal(err), "listing destination folders")
	}
	havePaths := make(map[string]bool)
	for _, path := range destinationPaths(destFolders) {
		havePaths[path] = true
	}
	for _, path := range folderPaths {
		if havePaths[path] {
			continue
		}
		if r.dryRun {
			logger.Infof("would create destination folder %q", path)
			continue
		}
		record := transport.FolderRecord{Name: leafName(path)}
		if parent := parentPath(path); parent != "" {
			record.Parent = leafName(parent)
		}
		if err := r.client.CreateFolder(ctx, record); err != nil {
			return errors.Annotatef(failureFatal(err), "creating destination folder %q", path)
		}
		havePaths[path] = true
	}

	if len(snippetNames) == 0 {
		return nil
	}
	destSnippets, err := r.client.ListSnippets(ctx)
	if err != nil {
		return errors.Annotate(failureFatal(err), "listing destination snippets")
	}
	haveSnippets := make(map[string]bool, len(destSnippets))
	for _, record := range destSnippets {
		haveSnippets[record.Name] = true
	}
	for _, name := range snippetNames {
		if haveSnippets[name] {
			continue
		}
		if r.dryRun {
			logger.Infof("would create destination snippet %q", name)
			continue
		}
		record := transport.SnippetRecord{Name: name}
		if snippet, ok := r.graph.Snippets[name]; ok {
			record.DisplayName = snippet.DisplayName
		}
		if err := r.client.CreateSnippet(ctx, record); err != nil {
			return errors.Annotatef(failureFatal(err), "creating destination snippet %q", name)
		}
	}
	return nil
}

// neededContainers returns the folder paths (with ancestors) and
// snippet names the items occupy, in creation order.
func neededContainers(graph *config.Graph, items []*config.Item) ([]string, []string) {
	folderSet := make(map[string]bool)
	snippetSet := make(map[string]bool)
	for _, item := range items {
		switch ref := item.Container(); ref.Kind {
		case config.FolderContainer:
			for path := ref.Name; path != ""; {
				folderSet[path] = true
				if folder, ok := graph.Folders[path]; ok {
					path = folder.Parent
				} else {
					path = parentPath(path)
				}
			}
		case config.SnippetContainer:
			snippetSet[ref.Name] = true
		}
	}
	folders := sortedKeys(folderSet)
	snippets := sortedKeys(snippetSet)
	return folders, snippets
}

func cloneItem(item *config.Item) (*config.Item, error) {
	encoded, err := item.EncodePayload()
	if err != nil {
		return nil, errors.Trace(err)
	}
	clone, err := config.DecodeItem(item.Type, encoded)
	if err != nil {
		return nil, errors.Trace(err)
	}
	clone.ID = item.ID
	clone.Folder = item.Folder
	clone.Snippet = item.Snippet
	clone.VendorDefault = item.VendorDefault
	return clone, nil
}

func scopeFor(ref config.ContainerRef) scmapi.Scope {
	switch ref.Kind {
	case config.FolderContainer:
		return scmapi.FolderScope(ref.Name)
	case config.SnippetContainer:
		return scmapi.SnippetScope(ref.Name)
	default:
		return scmapi.InfraScope()
	}
}

// freeName probes suffixed variants of name until one is unused in
// the destination index.
func freeName(name string, index map[string]string) (string, bool) {
	candidate := name + renameSuffix
	for i := 2; ; i++ {
		if _, taken := index[candidate]; !taken {
			return candidate, true
		}
		if i > renameAttempts {
			return "", false
		}
		candidate = fmt.Sprintf("%s%s-%d", name, renameSuffix, i)
	}
}

func failureFatal(err error) error {
	if failure.Classify(err) == failure.Fatal {
		return err
	}
	return failure.Wrap(err, failure.Fatal)
}

func joinWarning(message, warning string) string {
	if warning == "" {
		return message
	}
	return message + "; " + warning
}

func leafName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func parentPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

// destinationPaths resolves the destination folder listing into
// slash-joined paths, the same shape the graph uses.
func destinationPaths(records []transport.FolderRecord) []string {
	byName := make(map[string]transport.FolderRecord, len(records))
	for _, record := range records {
		byName[record.Name] = record
	}
	paths := make([]string, 0, len(records))
	for _, record := range records {
		path := record.Name
		seen := map[string]bool{record.Name: true}
		for parent := record.Parent; parent != ""; {
			if seen[parent] {
				break
			}
			seen[parent] = true
			path = parent + "/" + path
			parent = byName[parent].Parent
		}
		paths = append(paths, path)
	}
	return paths
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	// Parents are strict path prefixes; lexicographic order is
	// parent-first.
	sort.Strings(keys)
	return keys
}
