// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package puller_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/scmtools/tenantsync/core/config"
	"github.com/scmtools/tenantsync/core/failure"
	"github.com/scmtools/tenantsync/puller"
	"github.com/scmtools/tenantsync/scmapi"
	"github.com/scmtools/tenantsync/scmapi/transport"
)

type pullerSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&pullerSuite{})

// fakeSource serves canned records keyed by (scope, type).
type fakeSource struct {
	mu       sync.Mutex
	folders  []transport.FolderRecord
	snippets []transport.SnippetRecord
	records  map[string][]json.RawMessage
	listErr  map[string]error
}

func unitKey(scope scmapi.Scope, t config.ItemType) string {
	return scope.String() + "|" + string(t)
}

func (f *fakeSource) ListFolders(ctx context.Context) ([]transport.FolderRecord, error) {
	return f.folders, nil
}

func (f *fakeSource) ListSnippets(ctx context.Context) ([]transport.SnippetRecord, error) {
	return f.snippets, nil
}

func (f *fakeSource) GetSnippet(ctx context.Context, name string) (transport.SnippetRecord, error) {
	for _, record := range f.snippets {
		if record.Name == name {
			return record, nil
		}
	}
	return transport.SnippetRecord{}, failure.Wrap(errors.NotFoundf("snippet %q", name), failure.PermanentItem)
}

func (f *fakeSource) ListAll(ctx context.Context, scope scmapi.Scope, t config.ItemType) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[unitKey(scope, t)]; err != nil {
		return nil, err
	}
	return f.records[unitKey(scope, t)], nil
}

func record(c *gc.C, fields map[string]any) json.RawMessage {
	raw, err := json.Marshal(fields)
	c.Assert(err, jc.ErrorIsNil)
	return raw
}

func newSource(c *gc.C) *fakeSource {
	f := &fakeSource{
		folders: []transport.FolderRecord{
			{ID: "f1", Name: "Shared"},
			{ID: "f2", Name: "Branch", Parent: "Shared"},
		},
		snippets: []transport.SnippetRecord{
			{ID: "s1", Name: "dns", DisplayName: "DNS defaults"},
		},
		records: make(map[string][]json.RawMessage),
		listErr: make(map[string]error),
	}
	f.records[unitKey(scmapi.FolderScope("Shared"), config.Address)] = []json.RawMessage{
		record(c, map[string]any{"id": "a1", "name": "web-1", "folder": "Shared", "ip_netmask": "10.0.0.1/32"}),
	}
	f.records[unitKey(scmapi.FolderScope("Shared/Branch"), config.Address)] = []json.RawMessage{
		record(c, map[string]any{"id": "a2", "name": "gw", "folder": "Branch"}),
	}
	f.records[unitKey(scmapi.SnippetScope("dns"), config.Address)] = []json.RawMessage{
		record(c, map[string]any{"id": "a3", "name": "resolver-1", "snippet": "dns"}),
	}
	return f
}

func newPuller(c *gc.C, source *fakeSource, mutate ...func(*puller.Config)) *puller.Puller {
	cfg := puller.Config{
		Client:  source,
		Workers: 2,
		Types:   []config.ItemType{config.Address, config.AddressGroup},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := puller.New(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func (s *pullerSuite) TestPullBuildsGraph(c *gc.C) {
	source := newSource(c)
	p := newPuller(c, source)

	graph, report, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.IsEmpty(), jc.IsTrue)

	c.Check(graph.Metadata.SourceID, gc.Equals, "tenant-src")
	c.Check(graph.ItemCount(), gc.Equals, 3)

	// The folder listing returns leaf names; items must be re-homed
	// onto graph paths.
	item, ok := graph.Item(config.Identity{
		Type: config.Address, Name: "gw", Container: config.FolderRef("Shared/Branch"),
	})
	c.Assert(ok, jc.IsTrue)
	c.Check(item.Folder, gc.Equals, "Shared/Branch")

	_, ok = graph.Item(config.Identity{
		Type: config.Address, Name: "resolver-1", Container: config.SnippetRef("dns"),
	})
	c.Check(ok, jc.IsTrue)

	// Unknown payload fields survive verbatim.
	item, ok = graph.Item(config.Identity{
		Type: config.Address, Name: "web-1", Container: config.FolderRef("Shared"),
	})
	c.Assert(ok, jc.IsTrue)
	c.Check(string(item.Extra["ip_netmask"]), gc.Equals, `"10.0.0.1/32"`)
}

func (s *pullerSuite) TestProgressIsMonotoneAndComplete(c *gc.C) {
	source := newSource(c)
	var mu sync.Mutex
	var seen []puller.Progress
	p := newPuller(c, source, func(cfg *puller.Config) {
		cfg.Notify = func(progress puller.Progress) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, progress)
		}
	})

	_, _, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, jc.ErrorIsNil)

	// 3 containers x 2 types.
	c.Assert(seen, gc.HasLen, 6)
	for i, progress := range seen {
		c.Check(progress.Completed, gc.Equals, i+1)
		c.Check(progress.Total, gc.Equals, 6)
	}
}

func (s *pullerSuite) TestDecodeFailureIsRecordedAndSkipped(c *gc.C) {
	source := newSource(c)
	key := unitKey(scmapi.FolderScope("Shared"), config.Address)
	source.records[key] = append(source.records[key],
		json.RawMessage(`{"id": "bad", "folder": "Shared"}`))
	p := newPuller(c, source)

	graph, report, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(graph.ItemCount(), gc.Equals, 3)
	c.Assert(report.Events, gc.HasLen, 1)
	c.Check(report.Events[0].Class, gc.Equals, failure.PermanentItem)
	c.Check(report.Events[0].Op, gc.Equals, "decode")
	c.Check(report.Events[0].Message, gc.Matches, ".*without a name.*")
}

func (s *pullerSuite) TestPullEmptyTenantReturnsPromptly(c *gc.C) {
	source := &fakeSource{
		records: make(map[string][]json.RawMessage),
		listErr: make(map[string]error),
	}
	p := newPuller(c, source)

	type pullResult struct {
		graph  *config.Graph
		report *failure.Report
		err    error
	}
	done := make(chan pullResult, 1)
	go func() {
		graph, report, err := p.Pull(context.Background(), "tenant-src")
		done <- pullResult{graph, report, err}
	}()
	select {
	case res := <-done:
		c.Assert(res.err, jc.ErrorIsNil)
		c.Check(res.report.IsEmpty(), jc.IsTrue)
		c.Check(res.graph.ItemCount(), gc.Equals, 0)
		c.Check(res.graph.Folders, gc.HasLen, 0)
	case <-time.After(10 * time.Second):
		c.Fatalf("pull of an empty tenant did not complete")
	}
}

// gatedFailSource holds every listing at a barrier until all of them
// have started, then fails them together.
type gatedFailSource struct {
	*fakeSource
	expected int32
	entered  int32
	release  chan struct{}
}

func (g *gatedFailSource) ListAll(ctx context.Context, scope scmapi.Scope, t config.ItemType) ([]json.RawMessage, error) {
	if atomic.AddInt32(&g.entered, 1) == g.expected {
		close(g.release)
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, failure.Transientf("listing %s: gateway timeout", t)
}

func (s *pullerSuite) TestFailuresAfterAbortAreStillRecorded(c *gc.C) {
	source := &gatedFailSource{
		fakeSource: &fakeSource{
			folders: []transport.FolderRecord{{ID: "f1", Name: "Shared"}},
			records: make(map[string][]json.RawMessage),
			listErr: make(map[string]error),
		},
		expected: 2,
		release:  make(chan struct{}),
	}
	p := newPuller(c, source.fakeSource, func(cfg *puller.Config) {
		cfg.Client = source
	})

	_, report, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, gc.NotNil)
	c.Check(failure.Classify(err), gc.Equals, failure.Fatal)
	// The first failure aborts the run; the one drained afterwards
	// still lands in the report.
	c.Assert(report.Events, gc.HasLen, 2)
}

func (s *pullerSuite) TestListingFailureAbortsWithPartialGraph(c *gc.C) {
	source := newSource(c)
	source.listErr[unitKey(scmapi.SnippetScope("dns"), config.Address)] =
		failure.Transientf("listing addresses: gateway timeout")
	p := newPuller(c, source, func(cfg *puller.Config) {
		cfg.Workers = 1
	})

	graph, report, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, gc.NotNil)
	c.Check(failure.Classify(err), gc.Equals, failure.Fatal)
	c.Check(report.IsEmpty(), jc.IsFalse)
	// The partial graph is returned, not discarded.
	c.Check(graph.ItemCount() >= 0, jc.IsTrue)
	c.Check(len(graph.Folders), gc.Equals, 2)
}

func (s *pullerSuite) TestFolderAllowlistKeepsSubtree(c *gc.C) {
	source := newSource(c)
	p := newPuller(c, source, func(cfg *puller.Config) {
		cfg.Folders = []string{"Shared/Branch"}
		cfg.Snippets = []string{"dns"}
	})

	graph, report, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.IsEmpty(), jc.IsTrue)
	c.Check(len(graph.Folders), gc.Equals, 1)
	_, ok := graph.Folders["Shared/Branch"]
	c.Check(ok, jc.IsTrue)
	_, ok = graph.Item(config.Identity{
		Type: config.Address, Name: "web-1", Container: config.FolderRef("Shared"),
	})
	c.Check(ok, jc.IsFalse)
}

func (s *pullerSuite) TestMissingAllowlistedSnippetIsRecorded(c *gc.C) {
	source := newSource(c)
	p := newPuller(c, source, func(cfg *puller.Config) {
		cfg.Snippets = []string{"dns", "ghost"}
	})

	graph, report, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(report.Events, gc.HasLen, 1)
	c.Check(report.Events[0].Class, gc.Equals, failure.PermanentItem)
	c.Check(report.Events[0].Name, gc.Equals, "ghost")
	_, ok := graph.Snippets["dns"]
	c.Check(ok, jc.IsTrue)
}

func (s *pullerSuite) TestDuplicateIdentitiesAreSkipped(c *gc.C) {
	source := newSource(c)
	key := unitKey(scmapi.FolderScope("Shared"), config.Address)
	source.records[key] = append(source.records[key], source.records[key][0])
	p := newPuller(c, source)

	graph, report, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(report.IsEmpty(), jc.IsTrue)
	c.Check(graph.ItemCount(), gc.Equals, 3)
}

func (s *pullerSuite) TestTypeRestrictionSkipsInfrastructure(c *gc.C) {
	source := newSource(c)
	source.records[unitKey(scmapi.InfraScope(), config.IKEGateway)] = []json.RawMessage{
		record(c, map[string]any{"id": "g1", "name": "gw-east"}),
	}
	p := newPuller(c, source, func(cfg *puller.Config) {
		cfg.Types = []config.ItemType{config.Address, config.IKEGateway}
	})

	graph, _, err := p.Pull(context.Background(), "tenant-src")
	c.Assert(err, jc.ErrorIsNil)
	_, ok := graph.Item(config.Identity{
		Type: config.IKEGateway, Name: "gw-east", Container: config.InfraRef(),
	})
	c.Check(ok, jc.IsTrue)
	c.Check(graph.ItemCount(), gc.Equals, 4)
}

func (s *pullerSuite) TestValidateConfig(c *gc.C) {
	_, err := puller.New(puller.Config{})
	c.Check(err, jc.ErrorIs, errors.NotValid)

	_, err = puller.New(puller.Config{
		Client: &fakeSource{},
		Types:  []config.ItemType{"bogus"},
	})
	c.Check(err, gc.ErrorMatches, fmt.Sprintf(`item type %q not valid`, "bogus"))
}
