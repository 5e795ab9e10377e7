// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package resolver computes dependency closures over a configuration
// graph. Resolution is pure: the graph is only read, never mutated,
// and the same graph and selection always produce the same closure,
// missing set and ordering.
package resolver

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/scmtools/tenantsync/core/config"
)

var logger = loggo.GetLogger("tenantsync.resolver")

// Missing records one strict reference that named an identity not
// present in the graph.
type Missing struct {
	// Type is the first candidate type of the unresolved reference.
	Type config.ItemType
	// Name is the referenced name as written.
	Name string
	// ReferencedBy is the item holding the dangling reference.
	ReferencedBy config.Identity
}

// Result carries the outcome of one resolution pass.
type Result struct {
	// Closure holds the selection plus every transitively referenced
	// item found in the graph, in the graph's canonical order.
	Closure []*config.Item
	// Missing lists strict references that resolved to nothing, one
	// entry per (referrer, name) pair.
	Missing []Missing
}

// Resolve expands a selection to its transitive dependency closure.
// Every identity in the selection must be present in the graph.
// Dangling references never fail resolution; they are reported in the
// result so the caller can decide whether to push regardless.
func Resolve(g *config.Graph, selection []config.Identity) (Result, error) {
	visited := make(map[config.Identity]*config.Item)
	var missing []Missing

	var visit func(item *config.Item)
	visit = func(item *config.Item) {
		identity := item.Identity()
		if _, ok := visited[identity]; ok {
			return
		}
		visited[identity] = item
		deps, itemMissing := references(g, item)
		missing = append(missing, itemMissing...)
		for _, dep := range deps {
			visit(dep)
		}
	}

	for _, identity := range selection {
		item, ok := g.Item(identity)
		if !ok {
			return Result{}, errors.NotFoundf("selected %s", identity)
		}
		visit(item)
	}

	result := Result{
		Closure: ordered(g, visited),
		Missing: dedupeMissing(missing),
	}
	logger.Debugf("resolved %d selected items to a closure of %d (%d missing references)",
		len(selection), len(result.Closure), len(result.Missing))
	return result, nil
}

// Closure is Resolve restricted to the closure itself.
func Closure(g *config.Graph, selection []config.Identity) ([]*config.Item, error) {
	result, err := Resolve(g, selection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result.Closure, nil
}

// MissingReferences is Resolve restricted to the dangling strict
// references of the selection's closure.
func MissingReferences(g *config.Graph, selection []config.Identity) ([]Missing, error) {
	result, err := Resolve(g, selection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result.Missing, nil
}

// DirectDependencies resolves the direct (non-transitive) references
// of one item to graph items. Unresolved references are omitted.
func DirectDependencies(g *config.Graph, item *config.Item) []*config.Item {
	deps, _ := references(g, item)
	return deps
}

// references resolves the direct dependencies of one item. A reference
// is tried against its candidate types in order, scoped from the
// item's own container. Unresolved strict references are reported;
// unresolved soft references are assumed vendor-predefined.
func references(g *config.Graph, item *config.Item) ([]*config.Item, []Missing) {
	var deps []*config.Item
	var missing []Missing
	from := item.Container()
	for _, ref := range refsFor(item) {
		if dep, ok := lookupRef(g, ref, from); ok {
			deps = append(deps, dep)
			continue
		}
		if ref.soft {
			continue
		}
		missing = append(missing, Missing{
			Type:         ref.types[0],
			Name:         ref.name,
			ReferencedBy: item.Identity(),
		})
	}
	return deps, missing
}

func lookupRef(g *config.Graph, r ref, from config.ContainerRef) (*config.Item, bool) {
	for _, t := range r.types {
		if item, ok := g.LookupScoped(t, r.name, from); ok {
			return item, true
		}
	}
	return nil, false
}

// ordered projects a visited set onto the graph's canonical item
// order.
func ordered(g *config.Graph, visited map[config.Identity]*config.Item) []*config.Item {
	var result []*config.Item
	for _, item := range g.Items() {
		if _, ok := visited[item.Identity()]; ok {
			result = append(result, item)
		}
	}
	return result
}

func dedupeMissing(missing []Missing) []Missing {
	if len(missing) == 0 {
		return nil
	}
	seen := make(map[Missing]bool, len(missing))
	result := make([]Missing, 0, len(missing))
	for _, m := range missing {
		if seen[m] {
			continue
		}
		seen[m] = true
		result = append(result, m)
	}
	return result
}
