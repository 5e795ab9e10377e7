// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resolver

import (
	"github.com/scmtools/tenantsync/core/config"
)

// Order sorts a set of items so that every item follows the
// dependencies it references within the set. Ties keep the graph's
// canonical order, so the result is fully deterministic. Reference
// cycles cannot stall the sort: when no item is free the first
// remaining one is emitted and the cycle unwinds behind it.
func Order(g *config.Graph, items []*config.Item) []*config.Item {
	inSet := make(map[config.Identity]*config.Item, len(items))
	for _, item := range items {
		inSet[item.Identity()] = item
	}

	// Dependency edges restricted to the set.
	deps := make(map[config.Identity][]config.Identity, len(items))
	for _, item := range items {
		direct, _ := references(g, item)
		for _, dep := range direct {
			identity := dep.Identity()
			if _, ok := inSet[identity]; ok && identity != item.Identity() {
				deps[item.Identity()] = append(deps[item.Identity()], identity)
			}
		}
	}

	pending := ordered(g, inSet)
	emitted := make(map[config.Identity]bool, len(items))
	result := make([]*config.Item, 0, len(items))

	emit := func(i int) {
		item := pending[i]
		emitted[item.Identity()] = true
		result = append(result, item)
		pending = append(pending[:i], pending[i+1:]...)
	}

	for len(pending) > 0 {
		free := -1
		for i, item := range pending {
			ready := true
			for _, dep := range deps[item.Identity()] {
				if !emitted[dep] {
					ready = false
					break
				}
			}
			if ready {
				free = i
				break
			}
		}
		if free < 0 {
			// Cycle; break it at the first pending item.
			logger.Warningf("reference cycle involving %s; pushing in canonical order", pending[0].Identity())
			free = 0
		}
		emit(free)
	}
	return result
}
