package region

import (
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/samber/lo"
)

// adjacency is built on first use; boundaries of neighbouring departments
// share vertices, so a rounded-vertex index finds them in one pass
type adjacency struct {
	once  sync.Once
	graph map[string][]string
}

type vertexKey struct{ x, y int64 }

// Neighbors returns the codes of regions sharing a boundary vertex with code,
// in catalog order
func (c *Catalog) Neighbors(code string) []string {
	c.neighbors.once.Do(func() {
		c.neighbors.graph = buildAdjacency(c.regions)
	})
	return c.neighbors.graph[code]
}

func buildAdjacency(regions []Region) map[string][]string {
	owners := make(map[vertexKey][]int)
	for i, r := range regions {
		seen := make(map[vertexKey]bool)
		eachVertex(r.Geometry, func(p orb.Point) {
			k := vertexKey{int64(math.Round(p[0])), int64(math.Round(p[1]))}
			if seen[k] {
				return
			}
			seen[k] = true
			owners[k] = append(owners[k], i)
		})
	}

	pairs := make(map[int]map[int]bool)
	for _, idx := range owners {
		if len(idx) < 2 {
			continue
		}
		for _, a := range idx {
			for _, b := range idx {
				if a == b {
					continue
				}
				if pairs[a] == nil {
					pairs[a] = make(map[int]bool)
				}
				pairs[a][b] = true
			}
		}
	}

	graph := make(map[string][]string, len(pairs))
	for a, set := range pairs {
		idx := lo.Keys(set)
		sort.Ints(idx)
		graph[regions[a].Code] = lo.Map(idx, func(i int, _ int) string { return regions[i].Code })
	}
	return graph
}

func eachVertex(g orb.Geometry, fn func(orb.Point)) {
	switch v := g.(type) {
	case orb.Polygon:
		for _, ring := range v {
			for _, p := range ring {
				fn(p)
			}
		}
	case orb.MultiPolygon:
		for _, poly := range v {
			eachVertex(poly, fn)
		}
	}
}
