// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the in-memory configuration graph: the typed
// items captured from a tenant, the folder/snippet/infrastructure
// containers that own them, and the capture metadata and push history
// that travel with a snapshot.
//
// A graph has a single-writer lifecycle: it is populated by the pull
// phase (or a snapshot load) and treated as read-only once handed to
// the resolver or pusher for a run.
package config

import (
	"sort"
	"time"

	"github.com/juju/errors"
	"github.com/juju/naturalsort"
)

// Folder is one node of the folder hierarchy.
type Folder struct {
	// Path is the slash-joined chain of folder names from the root,
	// e.g. "Shared" or "Shared/Branch-Offices".
	Path     string
	Name     string
	Parent   string
	Children []string
	Items    []*Item
}

// Snippet is a named, reusable bundle of configuration that may be
// associated with any number of folders.
type Snippet struct {
	Name        string
	DisplayName string
	Folders     []string
	Items       []*Item
}

// Infrastructure is the flat container for network-topology items.
type Infrastructure struct {
	Items []*Item
}

// Metadata describes where and when a graph was captured or loaded.
type Metadata struct {
	SourceID    string
	LoadType    string
	CreatedAt   time.Time
	ModifiedAt  time.Time
	Description string
}

// PushRecord is one entry of the append-only push history.
type PushRecord struct {
	RunID       string
	Destination string
	Timestamp   time.Time
	DryRun      bool
	Counts      map[string]int
	Summary     string
}

// Graph aggregates one tenant's captured configuration.
type Graph struct {
	Folders        map[string]*Folder
	Snippets       map[string]*Snippet
	Infrastructure Infrastructure
	Metadata       Metadata
	PushHistory    []PushRecord

	index map[Identity]*Item
}

// NewGraph returns an empty graph for the given source tenant.
func NewGraph(sourceID, loadType string, now time.Time) *Graph {
	return &Graph{
		Folders:  make(map[string]*Folder),
		Snippets: make(map[string]*Snippet),
		Metadata: Metadata{
			SourceID:   sourceID,
			LoadType:   loadType,
			CreatedAt:  now,
			ModifiedAt: now,
		},
		index: make(map[Identity]*Item),
	}
}

// AddFolder registers a folder node. A parent, when named, must have
// been added first so paths always chain to a known root.
func (g *Graph) AddFolder(path, parent string) (*Folder, error) {
	if path == "" {
		return nil, errors.NotValidf("folder with empty path")
	}
	if existing, ok := g.Folders[path]; ok {
		return existing, nil
	}
	if parent != "" {
		parentFolder, ok := g.Folders[parent]
		if !ok {
			return nil, errors.NotFoundf("parent folder %q of %q", parent, path)
		}
		parentFolder.Children = append(parentFolder.Children, path)
	}
	folder := &Folder{
		Path:   path,
		Name:   lastPathElement(path),
		Parent: parent,
	}
	g.Folders[path] = folder
	return folder, nil
}

// AddSnippet registers a snippet container.
func (g *Graph) AddSnippet(name, displayName string, folders []string) (*Snippet, error) {
	if name == "" {
		return nil, errors.NotValidf("snippet with empty name")
	}
	if existing, ok := g.Snippets[name]; ok {
		return existing, nil
	}
	snippet := &Snippet{
		Name:        name,
		DisplayName: displayName,
		Folders:     folders,
	}
	g.Snippets[name] = snippet
	return snippet, nil
}

// AddItem inserts an item into its container, enforcing identity
// uniqueness within the (container, type) pair.
func (g *Graph) AddItem(item *Item) error {
	if err := item.Validate(); err != nil {
		return errors.Trace(err)
	}
	identity := item.Identity()
	if _, ok := g.index[identity]; ok {
		return errors.AlreadyExistsf("%s", identity)
	}
	switch ref := identity.Container; ref.Kind {
	case InfrastructureContainer:
		g.Infrastructure.Items = append(g.Infrastructure.Items, item)
	case FolderContainer:
		folder, ok := g.Folders[ref.Name]
		if !ok {
			return errors.NotFoundf("folder %q for %s %q", ref.Name, item.Type, item.Name)
		}
		folder.Items = append(folder.Items, item)
	case SnippetContainer:
		snippet, ok := g.Snippets[ref.Name]
		if !ok {
			return errors.NotFoundf("snippet %q for %s %q", ref.Name, item.Type, item.Name)
		}
		snippet.Items = append(snippet.Items, item)
	}
	g.index[identity] = item
	return nil
}

// Item looks up a single identity.
func (g *Graph) Item(identity Identity) (*Item, bool) {
	item, ok := g.index[identity]
	return item, ok
}

// LookupScoped resolves a by-name reference the way the platform does:
// the referrer's own container first, then the folder ancestor chain
// for folder-scoped referrers, then the flat infrastructure container
// for infrastructure types.
func (g *Graph) LookupScoped(t ItemType, name string, from ContainerRef) (*Item, bool) {
	if t.IsInfrastructure() {
		return g.Item(Identity{Type: t, Name: name, Container: InfraRef()})
	}
	if item, ok := g.Item(Identity{Type: t, Name: name, Container: from}); ok {
		return item, true
	}
	if from.Kind != FolderContainer {
		return nil, false
	}
	for parent := g.parentPath(from.Name); parent != ""; parent = g.parentPath(parent) {
		if item, ok := g.Item(Identity{Type: t, Name: name, Container: FolderRef(parent)}); ok {
			return item, true
		}
	}
	return nil, false
}

func (g *Graph) parentPath(path string) string {
	folder, ok := g.Folders[path]
	if !ok {
		return ""
	}
	return folder.Parent
}

// Items returns every item in the graph in the canonical deterministic
// order: container kind (folders, snippets, infrastructure), container
// name, type order, then natural name order.
func (g *Graph) Items() []*Item {
	var result []*Item
	for _, path := range naturalsort.Sort(mapKeys(g.Folders)) {
		result = append(result, sortedItems(g.Folders[path].Items)...)
	}
	for _, name := range naturalsort.Sort(mapKeys(g.Snippets)) {
		result = append(result, sortedItems(g.Snippets[name].Items)...)
	}
	result = append(result, sortedItems(g.Infrastructure.Items)...)
	return result
}

// ItemCount returns the number of items in the graph.
func (g *Graph) ItemCount() int {
	return len(g.index)
}

// AppendPushRecord appends one push-history entry from a completed
// push run.
func (g *Graph) AppendPushRecord(record PushRecord) {
	g.PushHistory = append(g.PushHistory, record)
	g.Metadata.ModifiedAt = record.Timestamp
}

// Stats counts items per type and per container for the snapshot
// stats block and partial-success reporting.
type Stats struct {
	Total        int            `json:"total"`
	PerType      map[string]int `json:"per_type"`
	PerContainer map[string]int `json:"per_container"`
}

// Stats computes the current item counts.
func (g *Graph) Stats() Stats {
	stats := Stats{
		PerType:      make(map[string]int),
		PerContainer: make(map[string]int),
	}
	for identity := range g.index {
		stats.Total++
		stats.PerType[string(identity.Type)]++
		stats.PerContainer[identity.Container.String()]++
	}
	return stats
}

func sortedItems(items []*Item) []*Item {
	sorted := append([]*Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type.Order() < sorted[j].Type.Order()
		}
		return naturalLess(sorted[i].Name, sorted[j].Name)
	})
	return sorted
}

func naturalLess(a, b string) bool {
	pair := naturalsort.Sort([]string{a, b})
	return pair[0] == a && a != b
}

func lastPathElement(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}
