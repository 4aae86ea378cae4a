package search

import (
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/tags"
)

// walk is the associative pass: starting from the tag sets of the top
// literal hits, traverse tag co-occurrence edges outward up to
// WalkerMaxHops, surfacing atoms that share no text with the query but are
// tag-connected to a confirmed hit. Each result carries the tag path that
// justified it.
//
// Organizational tags (years, weekdays, seasons, archival markers) are not
// traversed; nearly every atom shares a calendar with every other, so
// walking them would connect the whole corpus in one hop.
func (e *Engine) walk(literal []*Hit, req Request) ([]*Hit, error) {
	if len(literal) == 0 {
		return nil, nil
	}

	visited := make(map[storage.AtomID]struct{}, len(literal))
	for _, hit := range literal {
		visited[hit.Atom.ID] = struct{}{}
	}

	type frontierTag struct {
		tag  string
		path []string
	}

	seeds := literal
	if len(seeds) > e.config.WalkerSeeds {
		seeds = seeds[:e.config.WalkerSeeds]
	}
	frontier := make([]frontierTag, 0)
	seenTags := make(map[string]struct{})
	for _, hit := range seeds {
		for _, tag := range hit.Atom.Tags {
			if tags.IsOrganizationalTag(tag) {
				continue
			}
			if _, dup := seenTags[tag]; dup {
				continue
			}
			seenTags[tag] = struct{}{}
			frontier = append(frontier, frontierTag{tag: tag, path: []string{tag}})
		}
	}

	associative := make([]*Hit, 0)
	for hop := 0; hop < e.config.WalkerMaxHops && len(frontier) > 0; hop++ {
		next := make([]frontierTag, 0)
		for _, ft := range frontier {
			adjacent, err := e.store.AtomsByTag(ft.tag)
			if err != nil {
				return nil, err
			}
			for _, atom := range adjacent {
				if _, done := visited[atom.ID]; done {
					continue
				}
				visited[atom.ID] = struct{}{}
				if !eligible(atom, req) {
					continue
				}
				associative = append(associative, &Hit{
					Atom:        atom,
					Score:       associativeScore(len(ft.path)),
					Associative: true,
					Path:        ft.path,
				})
				if len(associative) >= e.config.WalkerMaxResults {
					return associative, nil
				}
				for _, tag := range atom.Tags {
					if tags.IsOrganizationalTag(tag) || tag == ft.tag {
						continue
					}
					if _, dup := seenTags[tag]; dup {
						continue
					}
					seenTags[tag] = struct{}{}
					path := make([]string, len(ft.path), len(ft.path)+1)
					copy(path, ft.path)
					next = append(next, frontierTag{tag: tag, path: append(path, tag)})
				}
			}
		}
		frontier = next
	}
	return associative, nil
}

// associativeScore decays with path length so closer associations rank
// first. The literal tier starts at 100, so associative hits can never
// outrank it.
func associativeScore(pathLen int) float64 {
	score := 50.0
	for i := 1; i < pathLen; i++ {
		score *= 0.5
	}
	return score
}
