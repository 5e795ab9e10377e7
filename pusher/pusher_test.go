// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pusher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/core/failure"
	"github.com/scmtools/tenantsync/pusher"
	"github.com/scmtools/tenantsync/scmapi"
	"github.com/scmtools/tenantsync/scmapi/transport"
)

type pusherSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&pusherSuite{})

type createCall struct {
	t       config.ItemType
	scope   scmapi.Scope
	payload json.RawMessage
}

type updateCall struct {
	t       config.ItemType
	id      string
	payload json.RawMessage
}

// fakeDestination records mutations and serves canned listings.
type fakeDestination struct {
	folders  []transport.FolderRecord
	snippets []transport.SnippetRecord
	records  map[string][]json.RawMessage

	createErr map[string]error

	created        []createCall
	updated        []updateCall
	createdFolders []transport.FolderRecord
	createdSnips   []transport.SnippetRecord
	nextID         int
}

func destKey(scope scmapi.Scope, t config.ItemType) string {
	return scope.String() + "|" + string(t)
}

func newDestination() *fakeDestination {
	return &fakeDestination{
		folders:   []transport.FolderRecord{{ID: "df1", Name: "Shared"}},
		records:   make(map[string][]json.RawMessage),
		createErr: make(map[string]error),
	}
}

func (f *fakeDestination) ListFolders(ctx context.Context) ([]transport.FolderRecord, error) {
	return f.folders, nil
}

func (f *fakeDestination) ListSnippets(ctx context.Context) ([]transport.SnippetRecord, error) {
	return f.snippets, nil
}

func (f *fakeDestination) ListAll(ctx context.Context, scope scmapi.Scope, t config.ItemType) ([]json.RawMessage, error) {
	return f.records[destKey(scope, t)], nil
}

func (f *fakeDestination) Create(ctx context.Context, t config.ItemType, scope scmapi.Scope, payload json.RawMessage) (transport.IDResponse, error) {
	name := payloadName(payload)
	if err := f.createErr[name]; err != nil {
		return transport.IDResponse{}, err
	}
	f.created = append(f.created, createCall{t: t, scope: scope, payload: payload})
	f.nextID++
	return transport.IDResponse{ID: fmt.Sprintf("new-%d", f.nextID), Name: name}, nil
}

func (f *fakeDestination) Update(ctx context.Context, t config.ItemType, id string, payload json.RawMessage) (transport.IDResponse, error) {
	f.updated = append(f.updated, updateCall{t: t, id: id, payload: payload})
	return transport.IDResponse{ID: id}, nil
}

func (f *fakeDestination) CreateFolder(ctx context.Context, record transport.FolderRecord) error {
	f.createdFolders = append(f.createdFolders, record)
	return nil
}

func (f *fakeDestination) CreateSnippet(ctx context.Context, record transport.SnippetRecord) error {
	f.createdSnips = append(f.createdSnips, record)
	return nil
}

func payloadName(payload json.RawMessage) string {
	var head struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(payload, &head)
	return head.Name
}

func newGraph(c *gc.C) *config.Graph {
	g := config.NewGraph("tenant-src", "pull", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	_, err := g.AddFolder("Shared", "")
	c.Assert(err, jc.ErrorIsNil)
	return g
}

func addItem(c *gc.C, g *config.Graph, item *config.Item) *config.Item {
	err := g.AddItem(item)
	c.Assert(err, jc.ErrorIsNil)
	return item
}

// webStack returns a graph with an address, a group referencing it
// and a rule referencing the group, all in Shared.
func webStack(c *gc.C) (*config.Graph, []*config.Item) {
	g := newGraph(c)
	addr := addItem(c, g, &config.Item{
		Type:    config.Address,
		Name:    "web",
		Folder:  "Shared",
		Payload: &config.AddressPayload{},
		Extra:   map[string]json.RawMessage{"ip_netmask": json.RawMessage(`"10.0.0.1/32"`)},
	})
	group := addItem(c, g, &config.Item{
		Type:    config.AddressGroup,
		Name:    "web-servers",
		Folder:  "Shared",
		Payload: &config.AddressGroupPayload{Static: []string{"web"}},
	})
	rule := addItem(c, g, &config.Item{
		Type:   config.SecurityRule,
		Name:   "allow-web",
		Folder: "Shared",
		Payload: &config.SecurityRulePayload{
			Action: "allow",
			Source: []string{"web-servers"},
		},
	})
	return g, []*config.Item{rule, group, addr}
}

func newPusher(c *gc.C, dest *fakeDestination, mutate ...func(*pusher.Config)) *pusher.Pusher {
	cfg := pusher.Config{Client: dest}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := pusher.New(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func (s *pusherSuite) TestPushCreatesInDependencyOrder(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	p := newPusher(c, dest)

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Failures.IsEmpty(), jc.IsTrue)
	c.Check(report.Counts[string(pusher.Created)], gc.Equals, 3)

	c.Assert(dest.created, gc.HasLen, 3)
	c.Check(dest.created[0].t, gc.Equals, config.Address)
	c.Check(dest.created[1].t, gc.Equals, config.AddressGroup)
	c.Check(dest.created[2].t, gc.Equals, config.SecurityRule)
	// Shared exists in the destination.
	c.Check(dest.createdFolders, gc.HasLen, 0)

	// The push is recorded in the graph's history.
	c.Assert(g.PushHistory, gc.HasLen, 1)
	c.Check(g.PushHistory[0].Destination, gc.Equals, "tenant-dst")
	c.Check(g.PushHistory[0].RunID, gc.Not(gc.Equals), "")
	c.Check(g.PushHistory[0].DryRun, jc.IsFalse)
}

func (s *pusherSuite) TestEnsureContainersCreatesMissingFoldersParentFirst(c *gc.C) {
	g := newGraph(c)
	_, err := g.AddFolder("Shared/Branch", "Shared")
	c.Assert(err, jc.ErrorIsNil)
	item := addItem(c, g, &config.Item{
		Type:    config.Address,
		Name:    "gw",
		Folder:  "Shared/Branch",
		Payload: &config.AddressPayload{},
	})
	dest := newDestination()
	dest.folders = nil
	p := newPusher(c, dest)

	_, err = p.Push(context.Background(), g, []*config.Item{item}, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(dest.createdFolders, gc.HasLen, 2)
	c.Check(dest.createdFolders[0], jc.DeepEquals, transport.FolderRecord{Name: "Shared"})
	c.Check(dest.createdFolders[1], jc.DeepEquals, transport.FolderRecord{Name: "Branch", Parent: "Shared"})
}

func (s *pusherSuite) TestEnsureContainersCreatesMissingSnippets(c *gc.C) {
	g := newGraph(c)
	_, err := g.AddSnippet("dns", "DNS defaults", nil)
	c.Assert(err, jc.ErrorIsNil)
	item := addItem(c, g, &config.Item{
		Type:    config.Address,
		Name:    "resolver-1",
		Snippet: "dns",
		Payload: &config.AddressPayload{},
	})
	dest := newDestination()
	p := newPusher(c, dest)

	_, err = p.Push(context.Background(), g, []*config.Item{item}, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(dest.createdSnips, gc.HasLen, 1)
	c.Check(dest.createdSnips[0], jc.DeepEquals, transport.SnippetRecord{Name: "dns", DisplayName: "DNS defaults"})
}

func (s *pusherSuite) TestSkipPolicyLeavesConflictsAlone(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	dest.records[destKey(scmapi.FolderScope("Shared"), config.Address)] = []json.RawMessage{
		json.RawMessage(`{"id": "d1", "name": "web"}`),
	}
	p := newPusher(c, dest)

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Counts[string(pusher.Skipped)], gc.Equals, 1)
	c.Check(report.Counts[string(pusher.Created)], gc.Equals, 2)
	c.Check(dest.created, gc.HasLen, 2)
	c.Check(dest.updated, gc.HasLen, 0)

	// Re-running with the now-populated destination is a no-op.
	for _, call := range dest.created {
		key := destKey(call.scope, call.t)
		dest.records[key] = append(dest.records[key],
			json.RawMessage(fmt.Sprintf(`{"id": "x", "name": %q}`, payloadName(call.payload))))
	}
	dest.created = nil
	report, err = p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(dest.created, gc.HasLen, 0)
	c.Check(report.Counts[string(pusher.Skipped)], gc.Equals, 3)
}

func (s *pusherSuite) TestOverwriteUpdatesExisting(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	dest.records[destKey(scmapi.FolderScope("Shared"), config.Address)] = []json.RawMessage{
		json.RawMessage(`{"id": "d1", "name": "web"}`),
	}
	p := newPusher(c, dest, func(cfg *pusher.Config) {
		cfg.Policy = pusher.Overwrite
	})

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Counts[string(pusher.Updated)], gc.Equals, 1)
	c.Check(report.Counts[string(pusher.Created)], gc.Equals, 2)
	c.Assert(dest.updated, gc.HasLen, 1)
	c.Check(dest.updated[0].id, gc.Equals, "d1")
}

func (s *pusherSuite) TestRenameRewritesLaterReferences(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	dest.records[destKey(scmapi.FolderScope("Shared"), config.Address)] = []json.RawMessage{
		json.RawMessage(`{"id": "d1", "name": "web"}`),
	}
	p := newPusher(c, dest, func(cfg *pusher.Config) {
		cfg.Policy = pusher.Rename
	})

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Counts[string(pusher.Renamed)], gc.Equals, 1)

	var renamed *pusher.Outcome
	for i, outcome := range report.Outcomes {
		if outcome.Action == pusher.Renamed {
			renamed = &report.Outcomes[i]
		}
	}
	c.Assert(renamed, gc.NotNil)
	c.Check(renamed.Item.Name, gc.Equals, "web")
	c.Check(renamed.NewName, gc.Equals, "web-migrated")

	// The group pushed later must reference the new name; the source
	// graph itself must be untouched.
	c.Assert(dest.created, gc.HasLen, 3)
	var group config.AddressGroupPayload
	err = json.Unmarshal(dest.created[1].payload, &group)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(group.Static, jc.DeepEquals, []string{"web-migrated"})

	src, ok := g.Item(config.Identity{
		Type: config.AddressGroup, Name: "web-servers", Container: config.FolderRef("Shared"),
	})
	c.Assert(ok, jc.IsTrue)
	c.Check(src.Payload.(*config.AddressGroupPayload).Static, jc.DeepEquals, []string{"web"})
}

func (s *pusherSuite) TestRenameRemapHonoursShadowedNames(c *gc.C) {
	g := newGraph(c)
	_, err := g.AddFolder("Shared/Branch", "Shared")
	c.Assert(err, jc.ErrorIsNil)
	addItem(c, g, &config.Item{
		Type:    config.Address,
		Name:    "web",
		Folder:  "Shared",
		Payload: &config.AddressPayload{},
	})
	addItem(c, g, &config.Item{
		Type:    config.Address,
		Name:    "web",
		Folder:  "Shared/Branch",
		Payload: &config.AddressPayload{},
	})
	addItem(c, g, &config.Item{
		Type:    config.AddressGroup,
		Name:    "shared-servers",
		Folder:  "Shared",
		Payload: &config.AddressGroupPayload{Static: []string{"web"}},
	})
	addItem(c, g, &config.Item{
		Type:    config.AddressGroup,
		Name:    "branch-servers",
		Folder:  "Shared/Branch",
		Payload: &config.AddressGroupPayload{Static: []string{"web"}},
	})

	dest := newDestination()
	dest.folders = []transport.FolderRecord{
		{ID: "df1", Name: "Shared"},
		{ID: "df2", Name: "Branch", Parent: "Shared"},
	}
	// Only Shared's copy of "web" collides at the destination.
	dest.records[destKey(scmapi.FolderScope("Shared"), config.Address)] = []json.RawMessage{
		json.RawMessage(`{"id": "d1", "name": "web"}`),
	}
	p := newPusher(c, dest, func(cfg *pusher.Config) {
		cfg.Policy = pusher.Rename
	})

	report, err := p.Push(context.Background(), g, g.Items(), "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Counts[string(pusher.Renamed)], gc.Equals, 1)

	groups := make(map[string][]string)
	for _, call := range dest.created {
		if call.t != config.AddressGroup {
			continue
		}
		var payload config.AddressGroupPayload
		c.Assert(json.Unmarshal(call.payload, &payload), jc.ErrorIsNil)
		groups[payloadName(call.payload)] = payload.Static
	}
	// Shared's group follows the rename; Branch's group references
	// Branch's own untouched "web" and must not be rewritten.
	c.Check(groups["shared-servers"], jc.DeepEquals, []string{"web-migrated"})
	c.Check(groups["branch-servers"], jc.DeepEquals, []string{"web"})
}

func (s *pusherSuite) TestRenameProbesForFreeSuffix(c *gc.C) {
	g := newGraph(c)
	item := addItem(c, g, &config.Item{
		Type:    config.Address,
		Name:    "web",
		Folder:  "Shared",
		Payload: &config.AddressPayload{},
	})
	dest := newDestination()
	dest.records[destKey(scmapi.FolderScope("Shared"), config.Address)] = []json.RawMessage{
		json.RawMessage(`{"id": "d1", "name": "web"}`),
		json.RawMessage(`{"id": "d2", "name": "web-migrated"}`),
	}
	p := newPusher(c, dest, func(cfg *pusher.Config) {
		cfg.Policy = pusher.Rename
	})

	report, err := p.Push(context.Background(), g, []*config.Item{item}, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report.Outcomes, gc.HasLen, 1)
	c.Check(report.Outcomes[0].NewName, gc.Equals, "web-migrated-2")
}

func (s *pusherSuite) TestFailedDependencyTaintsDependents(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	dest.createErr["web"] = failure.PermanentItemf("validation rejected")
	p := newPusher(c, dest)

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Counts[string(pusher.Failed)], gc.Equals, 1)
	c.Check(report.Counts[string(pusher.Created)], gc.Equals, 2)

	var groupOutcome *pusher.Outcome
	for i, outcome := range report.Outcomes {
		if outcome.Item.Type == config.AddressGroup {
			groupOutcome = &report.Outcomes[i]
		}
	}
	c.Assert(groupOutcome, gc.NotNil)
	c.Check(groupOutcome.Action, gc.Equals, pusher.Created)
	c.Check(groupOutcome.Message, gc.Matches, `dependency address "web" .* failed earlier in this run`)

	c.Assert(report.Failures.Events, gc.HasLen, 1)
	c.Check(report.Failures.Events[0].Class, gc.Equals, failure.PermanentItem)
}

func (s *pusherSuite) TestTransientExhaustionFailsItemOnly(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	dest.createErr["web"] = failure.Transientf("gateway timeout")
	p := newPusher(c, dest)

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Counts[string(pusher.Failed)], gc.Equals, 1)
	c.Assert(report.Failures.Events, gc.HasLen, 1)
	c.Check(report.Failures.Events[0].Class, gc.Equals, failure.PermanentItem)
}

func (s *pusherSuite) TestFatalAbortsRun(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	dest.createErr["web"] = failure.Fatalf("authentication revoked")
	p := newPusher(c, dest)

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, gc.NotNil)
	c.Check(failure.Classify(err), gc.Equals, failure.Fatal)
	// Nothing was created and the run stopped at the first item.
	c.Check(dest.created, gc.HasLen, 0)
	c.Check(report.Counts[string(pusher.Created)], gc.Equals, 0)
}

func (s *pusherSuite) TestDryRunMutatesNothing(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	dest.folders = nil
	dest.records[destKey(scmapi.FolderScope("Shared"), config.Address)] = []json.RawMessage{
		json.RawMessage(`{"id": "d1", "name": "web"}`),
	}
	p := newPusher(c, dest, func(cfg *pusher.Config) {
		cfg.DryRun = true
	})

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.DryRun, jc.IsTrue)
	c.Check(dest.created, gc.HasLen, 0)
	c.Check(dest.updated, gc.HasLen, 0)
	c.Check(dest.createdFolders, gc.HasLen, 0)
	c.Check(report.Counts[string(pusher.Skipped)], gc.Equals, 1)
	c.Check(report.Counts[string(pusher.Created)], gc.Equals, 2)

	c.Assert(g.PushHistory, gc.HasLen, 1)
	c.Check(g.PushHistory[0].DryRun, jc.IsTrue)
}

func (s *pusherSuite) TestVendorDefaultsNotPushed(c *gc.C) {
	g := newGraph(c)
	_, err := g.AddFolder("predefined", "")
	c.Assert(err, jc.ErrorIsNil)
	item := addItem(c, g, &config.Item{
		Type:          config.Address,
		Name:          "sinkhole",
		Folder:        "predefined",
		Payload:       &config.AddressPayload{},
		VendorDefault: true,
	})
	dest := newDestination()
	p := newPusher(c, dest)

	report, err := p.Push(context.Background(), g, []*config.Item{item}, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(dest.created, gc.HasLen, 0)
	c.Assert(report.Outcomes, gc.HasLen, 1)
	c.Check(report.Outcomes[0].Action, gc.Equals, pusher.Skipped)
	c.Check(report.Outcomes[0].Message, gc.Matches, "vendor.*")
}

func (s *pusherSuite) TestSummary(c *gc.C) {
	g, items := webStack(c)
	dest := newDestination()
	p := newPusher(c, dest)

	report, err := p.Push(context.Background(), g, items, "tenant-dst")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.Summary(), gc.Equals, "pushed 3 items to tenant-dst: 3 created")
}

func (s *pusherSuite) TestValidateConfig(c *gc.C) {
	_, err := pusher.New(pusher.Config{})
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = pusher.New(pusher.Config{Client: newDestination(), Policy: "merge"})
	c.Check(err, gc.ErrorMatches, `conflict policy "merge" not valid`)
}
