package consensus

import (
	"sort"
	"time"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// dfgRecencyHalfLifeDays decays a source's contribution to an edge weight by
// the age of its claim.
const dfgRecencyHalfLifeDays = 90

// DFG is the weighted directly-follows graph discovered from PRECEDES
// assertions, on canonical activity names.
type DFG struct {
	nodes map[string]bool
	edges map[[2]string]float64

	// support records which evidence items back each edge, for the
	// co-observation test that separates AND from XOR splits.
	support map[[2]string]map[string]bool
}

// BuildDFG folds the live PRECEDES assertions into a weighted graph. Each
// assertion contributes plane_weight x recency to its edge; parallel claims
// about the same canonical pair accumulate.
func BuildDFG(precedes []model.Assertion, canon *Canonicalizer, now time.Time) (*DFG, error) {
	g := &DFG{
		nodes:   map[string]bool{},
		edges:   map[[2]string]float64{},
		support: map[[2]string]map[string]bool{},
	}
	for _, a := range precedes {
		if a.RetractedAt != nil || a.Negated {
			continue
		}
		src, err := canon.Canonical(a.Subject.Name)
		if err != nil {
			return nil, err
		}
		dst, err := canon.Canonical(a.Object.Name)
		if err != nil {
			return nil, err
		}
		if src == dst {
			continue
		}

		ageDays := now.Sub(a.AssertedAt).Hours() / 24
		w := model.PlaneWeight(a.SourcePlane) * model.Freshness(ageDays, dfgRecencyHalfLifeDays)

		key := [2]string{src, dst}
		g.nodes[src], g.nodes[dst] = true, true
		g.edges[key] += w
		if g.support[key] == nil {
			g.support[key] = map[string]bool{}
		}
		if a.EvidenceID != nil {
			g.support[key][a.EvidenceID.String()] = true
		}
	}
	return g, nil
}

// Nodes returns the canonical activity names in sorted order.
func (g *DFG) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Weight returns the accumulated weight of an edge, 0 when absent.
func (g *DFG) Weight(src, dst string) float64 {
	return g.edges[[2]string{src, dst}]
}

// Successors returns the sorted targets of a node's surviving edges.
func (g *DFG) Successors(src string) []string {
	var out []string
	for key := range g.edges {
		if key[0] == src {
			out = append(out, key[1])
		}
	}
	sort.Strings(out)
	return out
}

// Prune drops edges lighter than threshold x the node's max outgoing
// weight. Noise edges from a single stale mention disappear; the dominant
// flow survives.
func (g *DFG) Prune(threshold float64) {
	maxOut := map[string]float64{}
	for key, w := range g.edges {
		if w > maxOut[key[0]] {
			maxOut[key[0]] = w
		}
	}
	for key, w := range g.edges {
		if w < threshold*maxOut[key[0]] {
			delete(g.edges, key)
			delete(g.support, key)
		}
	}
}

// Split is a discovered gateway at a node with two or more parallel or
// exclusive branches.
type Split struct {
	At       string
	Branches []string
	Kind     model.GatewayKind
}

// Splits discovers AND/XOR gateways: branches that both follow the split
// node with no ordering between them. Branches co-observed by a shared
// source are parallel; branches never seen together are exclusive.
func (g *DFG) Splits() []Split {
	var out []Split
	for _, node := range g.Nodes() {
		succ := g.Successors(node)
		if len(succ) < 2 {
			continue
		}

		// Partition the unordered successor pairs by co-observation.
		var and, xor []string
		for i := 0; i < len(succ); i++ {
			for j := i + 1; j < len(succ); j++ {
				a, b := succ[i], succ[j]
				if g.Weight(a, b) > 0 || g.Weight(b, a) > 0 {
					continue // ordered: plain sequence, not a gateway
				}
				if g.coObserved(node, a, b) {
					and = appendUnique(and, a, b)
				} else {
					xor = appendUnique(xor, a, b)
				}
			}
		}
		if len(and) >= 2 {
			out = append(out, Split{At: node, Branches: and, Kind: model.GatewayAND})
		}
		if len(xor) >= 2 {
			out = append(out, Split{At: node, Branches: xor, Kind: model.GatewayXOR})
		}
	}
	return out
}

// coObserved reports whether any single evidence item supports both branch
// edges out of the split node.
func (g *DFG) coObserved(node, a, b string) bool {
	sa := g.support[[2]string{node, a}]
	sb := g.support[[2]string{node, b}]
	for id := range sa {
		if sb[id] {
			return true
		}
	}
	return false
}

// Loops returns the back-edges of the graph: edges whose target reaches
// their source through the remaining forward structure. Back-edges are
// preserved in the output model, annotated as loops.
func (g *DFG) Loops() [][2]string {
	var loops [][2]string
	for key := range g.edges {
		if g.reaches(key[1], key[0], key) {
			loops = append(loops, key)
		}
	}
	sort.Slice(loops, func(i, j int) bool {
		if loops[i][0] != loops[j][0] {
			return loops[i][0] < loops[j][0]
		}
		return loops[i][1] < loops[j][1]
	})
	// Keep only one direction of a 2-cycle: the lighter edge is the
	// back-edge.
	kept := loops[:0]
	for _, l := range loops {
		rev := [2]string{l[1], l[0]}
		if _, ok := g.edges[rev]; ok {
			if g.edges[l] > g.edges[rev] {
				continue
			}
			if g.edges[l] == g.edges[rev] && l[0] < l[1] {
				continue
			}
		}
		kept = append(kept, l)
	}
	return kept
}

// reaches runs a DFS from src to dst excluding one edge.
func (g *DFG) reaches(src, dst string, excluded [2]string) bool {
	visited := map[string]bool{}
	var walk func(string) bool
	walk = func(n string) bool {
		if n == dst {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for key := range g.edges {
			if key == excluded || key[0] != n {
				continue
			}
			if walk(key[1]) {
				return true
			}
		}
		return false
	}
	return walk(src)
}

// Edges returns the surviving edges in deterministic order.
func (g *DFG) Edges() [][2]string {
	out := make([][2]string, 0, len(g.edges))
	for key := range g.edges {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

func appendUnique(s []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, existing := range s {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			s = append(s, v)
		}
	}
	return s
}
