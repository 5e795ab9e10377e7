// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resolver

import (
	"github.com/scmtools/tenantsync/core/config"
)

// RenameFunc maps the identity a reference resolves to onto its
// replacement name. The second result reports whether a rename
// applies.
type RenameFunc func(dep config.Identity) (string, bool)

// RewriteReferences applies rename to every by-name reference in the
// item's payload and returns the number of rewritten references. The
// payload is mutated in place, so callers pass a clone, never an item
// owned by a graph. Each reference is resolved against the graph from
// the item's own container first, so a name shadowed in another
// container is never rewritten: only references that actually point at
// the renamed identity change.
func RewriteReferences(g *config.Graph, item *config.Item, rename RenameFunc) int {
	from := item.Container()
	rewritten := 0
	for _, r := range refsFor(item) {
		dep, ok := lookupRef(g, r, from)
		if !ok {
			// An unresolved reference cannot point at a renamed item;
			// renames only ever apply to items present in the graph.
			continue
		}
		if newName, ok := rename(dep.Identity()); ok {
			r.set(newName)
			rewritten++
		}
	}
	return rewritten
}
