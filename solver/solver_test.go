package solver

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func unitNodes(ids ...string) []Node {
	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = Node{ID: id, Weight: 1}
	}
	return nodes
}

// mediumInstance builds a 20-node instance with mixed weights and a seeded
// random link set, large enough to skip exhaustive enumeration.
func mediumInstance() ([]Node, LinkTable) {
	rng := rand.New(rand.NewSource(7))
	nodes := make([]Node, 20)
	for i := range nodes {
		nodes[i] = Node{ID: fmt.Sprintf("n%02d", i), Weight: float64(1 + i%3)}
	}
	var links []Link
	for len(links) < 40 {
		a := rng.Intn(len(nodes))
		b := rng.Intn(len(nodes))
		if a == b {
			continue
		}
		w := float64(rng.Intn(21) - 5)
		if w == 0 {
			continue
		}
		links = append(links, Link{From: nodes[a].ID, To: nodes[b].ID, Weight: w})
	}
	return nodes, BuildLinkTable(links)
}

func pairWeight(links LinkTable, a, b string, symmetric bool) float64 {
	if symmetric {
		if w := links[LinkKey{From: a, To: b}]; w != 0 {
			return w
		}
		return links[LinkKey{From: b, To: a}]
	}
	return links[LinkKey{From: a, To: b}] + links[LinkKey{From: b, To: a}]
}

// checkSolution verifies the structural invariants every returned solution
// must satisfy: exact partition, weight bounds, and self-consistent sums.
func checkSolution(t *testing.T, nodes []Node, links LinkTable, minW, maxW float64, opts Options, s Solution) {
	t.Helper()

	weightOf := map[string]float64{}
	for _, n := range nodes {
		weightOf[n.ID] = n.Weight
	}
	fixedMember := map[string]bool{}
	for _, fg := range opts.FixedGroups {
		for _, id := range fg {
			fixedMember[id] = true
		}
	}

	seen := map[string]int{}
	for _, id := range s.FreeNodes {
		seen[id]++
	}
	if !opts.AllowFreeNodes {
		require.Empty(t, s.FreeNodes)
	}

	total := 0.0
	for _, g := range s.Groups {
		require.NotEmpty(t, g.Members)
		sum := 0.0
		aff := 0.0
		hasFixed := false
		for i, id := range g.Members {
			seen[id]++
			sum += weightOf[id]
			if fixedMember[id] {
				hasFixed = true
			}
			for j := i + 1; j < len(g.Members); j++ {
				aff += pairWeight(links, id, g.Members[j], opts.SymmetricLinks)
			}
		}
		require.InDelta(t, sum, g.WeightSum, 1e-9)
		require.InDelta(t, aff, g.Affinity, 1e-9)
		require.LessOrEqual(t, g.WeightSum, maxW+1e-9)
		if !hasFixed {
			require.GreaterOrEqual(t, g.WeightSum, minW-1e-9)
		}
		total += aff
	}
	require.InDelta(t, total, s.TotalWeight, 1e-9)

	require.Len(t, seen, len(nodes))
	for _, n := range nodes {
		require.Equal(t, 1, seen[n.ID], "node %s assigned %d times", n.ID, seen[n.ID])
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	errs := Validate(nil, LinkTable{}, 0, 10)
	require.Equal(t, []string{"no nodes to group"}, errs)

	nodes := []Node{
		{ID: "a", Weight: 1},
		{ID: "a", Weight: 2},
		{ID: "c", Weight: 9},
	}
	errs = Validate(nodes, LinkTable{}, 5, 4)
	require.Len(t, errs, 3)
	joined := strings.Join(errs, "\n")
	require.Contains(t, joined, `duplicate node id "a"`)
	require.Contains(t, joined, "minimum group weight 5 exceeds maximum group weight 4")
	require.Contains(t, joined, `node "c" weight 9 exceeds maximum group weight 4`)
}

func TestValidateAcceptsFeasibleInput(t *testing.T) {
	require.Empty(t, Validate(unitNodes("a", "b"), LinkTable{}, 1, 2))
}

func TestComputeGroupsRejectsInvalidInput(t *testing.T) {
	res := ComputeGroups(nil, LinkTable{}, 0, 1, DefaultOptions)
	require.NotEmpty(t, res.Errors)
	require.Empty(t, res.Solutions)
	require.False(t, res.Optimal)
}

func TestFixedGroupValidation(t *testing.T) {
	nodes := unitNodes("a", "b", "c", "d")

	opts := DefaultOptions
	opts.FixedGroups = [][]string{{"a", "zz"}}
	res := ComputeGroups(nodes, LinkTable{}, 0, 4, opts)
	require.Equal(t, []string{`fixed group 1 references unknown node "zz"`}, res.Errors)

	opts.FixedGroups = [][]string{{"a", "b"}, {"b", "c"}}
	res = ComputeGroups(nodes, LinkTable{}, 0, 4, opts)
	require.Equal(t, []string{`node "b" appears in more than one fixed group`}, res.Errors)

	opts.FixedGroups = [][]string{{"a", "b", "c"}}
	res = ComputeGroups(nodes, LinkTable{}, 0, 2, opts)
	require.Equal(t, []string{"fixed group 1 weight 3 exceeds maximum group weight 2"}, res.Errors)
}

func TestDisconnectedComponentsSplit(t *testing.T) {
	nodes := unitNodes("a", "b", "c", "d")
	links := BuildLinkTable([]Link{
		{From: "a", To: "b", Weight: 10},
		{From: "c", To: "d", Weight: 3},
	})

	res := ComputeGroups(nodes, links, 2, 2, DefaultOptions)
	require.Empty(t, res.Errors)
	require.True(t, res.Optimal)
	require.Len(t, res.Solutions, 1)

	best := res.Solutions[0]
	require.InDelta(t, 13, best.TotalWeight, 1e-9)
	require.Len(t, best.Groups, 2)
	require.Equal(t, []string{"a", "b"}, best.Groups[0].Members)
	require.Equal(t, []string{"c", "d"}, best.Groups[1].Members)

	// looser bounds where one merged group would also be feasible
	heavy := []Node{
		{ID: "a", Weight: 10}, {ID: "b", Weight: 10},
		{ID: "c", Weight: 10}, {ID: "d", Weight: 10},
	}
	links = BuildLinkTable([]Link{
		{From: "a", To: "b", Weight: 5},
		{From: "c", To: "d", Weight: 8},
	})
	res = ComputeGroups(heavy, links, 10, 25, DefaultOptions)
	require.True(t, res.Optimal)
	require.NotEmpty(t, res.Solutions)
	best = res.Solutions[0]
	require.InDelta(t, 13, best.TotalWeight, 1e-9)
	require.Len(t, best.Groups, 2)
	require.Equal(t, []string{"a", "b"}, best.Groups[0].Members)
	require.Equal(t, []string{"c", "d"}, best.Groups[1].Members)
}

func TestIsolatedNodeLeftFree(t *testing.T) {
	nodes := unitNodes("a", "b", "x")
	links := BuildLinkTable([]Link{{From: "a", To: "b", Weight: 7}})

	opts := DefaultOptions
	opts.AllowFreeNodes = true
	res := ComputeGroups(nodes, links, 2, 2, opts)
	require.Empty(t, res.Errors)
	require.True(t, res.Optimal)
	require.NotEmpty(t, res.Solutions)

	best := res.Solutions[0]
	require.InDelta(t, 7, best.TotalWeight, 1e-9)
	require.Len(t, best.Groups, 1)
	require.Equal(t, []string{"a", "b"}, best.Groups[0].Members)
	require.Equal(t, []string{"x"}, best.FreeNodes)

	// the isolated node fits inside the weight bound but adds nothing
	heavy := []Node{
		{ID: "a", Weight: 10}, {ID: "b", Weight: 10}, {ID: "x", Weight: 5},
	}
	res = ComputeGroups(heavy, links, 10, 25, opts)
	require.True(t, res.Optimal)
	require.NotEmpty(t, res.Solutions)
	best = res.Solutions[0]
	require.InDelta(t, 7, best.TotalWeight, 1e-9)
	require.Equal(t, []string{"x"}, best.FreeNodes)
}

func TestSymmetricResolutionPrefersForwardLink(t *testing.T) {
	nodes := unitNodes("a", "b")
	links := LinkTable{
		{From: "a", To: "b"}: 5,
		{From: "b", To: "a"}: 3,
	}

	res := ComputeGroups(nodes, links, 0, 2, DefaultOptions)
	require.NotEmpty(t, res.Solutions)
	require.InDelta(t, 5, res.Solutions[0].TotalWeight, 1e-9)

	reverse := LinkTable{{From: "b", To: "a"}: 3}
	res = ComputeGroups(nodes, reverse, 0, 2, DefaultOptions)
	require.NotEmpty(t, res.Solutions)
	require.InDelta(t, 3, res.Solutions[0].TotalWeight, 1e-9)
}

func TestDirectedResolutionSumsBothDirections(t *testing.T) {
	nodes := unitNodes("a", "b")
	links := LinkTable{
		{From: "a", To: "b"}: 5,
		{From: "b", To: "a"}: 3,
	}

	res := ComputeGroups(nodes, links, 0, 2, Options{})
	require.NotEmpty(t, res.Solutions)
	require.InDelta(t, 8, res.Solutions[0].TotalWeight, 1e-9)
}

func TestBonusPerGroupFavorsSplitting(t *testing.T) {
	nodes := unitNodes("a", "b", "c", "d")
	links := BuildLinkTable([]Link{
		{From: "a", To: "b", Weight: 4},
		{From: "c", To: "d", Weight: 4},
		{From: "a", To: "c", Weight: 1},
	})

	res := ComputeGroups(nodes, links, 2, 4, DefaultOptions)
	require.True(t, res.Optimal)
	require.NotEmpty(t, res.Solutions)
	require.Len(t, res.Solutions[0].Groups, 1)
	require.InDelta(t, 9, res.Solutions[0].TotalWeight, 1e-9)

	opts := DefaultOptions
	opts.BonusPerGroup = 10
	res = ComputeGroups(nodes, links, 2, 4, opts)
	require.NotEmpty(t, res.Solutions)
	require.Len(t, res.Solutions[0].Groups, 2)
	require.InDelta(t, 8, res.Solutions[0].TotalWeight, 1e-9)
	require.InDelta(t, 28, res.Solutions[0].Score, 1e-9)
}

func TestBalanceFactorPenalizesUnevenGroups(t *testing.T) {
	nodes := unitNodes("a", "b", "c", "d")
	links := BuildLinkTable([]Link{
		{From: "a", To: "b", Weight: 6},
		{From: "c", To: "d", Weight: 2},
	})

	opts := DefaultOptions
	opts.BalanceGroupWeightsFactor = 0.5
	res := ComputeGroups(nodes, links, 2, 2, opts)
	require.NotEmpty(t, res.Solutions)

	// affinities 6 and 2, variance 4, score 8 - 0.5*4
	best := res.Solutions[0]
	require.InDelta(t, 8, best.TotalWeight, 1e-9)
	require.InDelta(t, 6, best.Score, 1e-9)
}

func TestWastefulSolutionsDropped(t *testing.T) {
	nodes := unitNodes("a", "b", "c")
	links := BuildLinkTable([]Link{{From: "a", To: "b", Weight: 5}})

	res := ComputeGroups(nodes, links, 0, 3, DefaultOptions)
	require.NotEmpty(t, res.Solutions)
	for _, s := range res.Solutions {
		for _, g := range s.Groups {
			if len(g.Members) < 2 {
				continue
			}
			for _, id := range g.Members {
				connected := false
				for _, other := range g.Members {
					if other != id && pairWeight(links, id, other, true) != 0 {
						connected = true
						break
					}
				}
				require.True(t, connected, "node %s has no link inside group %v", id, g.Members)
			}
		}
	}
}

func TestAllWastefulSolutionsKept(t *testing.T) {
	nodes := unitNodes("a", "b")

	res := ComputeGroups(nodes, LinkTable{}, 2, 2, DefaultOptions)
	require.Empty(t, res.Errors)
	require.NotEmpty(t, res.Solutions)
	require.Equal(t, []string{"a", "b"}, res.Solutions[0].Groups[0].Members)
}

func TestOverConstrainedInstanceReturnsNoSolutions(t *testing.T) {
	res := ComputeGroups(unitNodes("a", "b", "c"), LinkTable{}, 2, 2, DefaultOptions)
	require.Empty(t, res.Errors)
	require.Empty(t, res.Solutions)
}

func TestFixedGroupsStayTogetherAndApart(t *testing.T) {
	nodes := unitNodes("a", "b", "c", "d", "e", "f")
	links := BuildLinkTable([]Link{
		{From: "a", To: "b", Weight: -5},
		{From: "b", To: "c", Weight: 20},
		{From: "e", To: "f", Weight: 4},
	})

	opts := DefaultOptions
	opts.FixedGroups = [][]string{{"a", "b"}, {"c", "d"}}
	res := ComputeGroups(nodes, links, 0, 4, opts)
	require.Empty(t, res.Errors)
	require.NotEmpty(t, res.Solutions)

	groupIndex := func(s Solution, id string) int {
		for gi, g := range s.Groups {
			for _, m := range g.Members {
				if m == id {
					return gi
				}
			}
		}
		return -1
	}
	for _, s := range res.Solutions {
		require.Equal(t, groupIndex(s, "a"), groupIndex(s, "b"))
		require.Equal(t, groupIndex(s, "c"), groupIndex(s, "d"))
		require.NotEqual(t, groupIndex(s, "a"), groupIndex(s, "c"))
	}
}

func TestSolutionLimitAndOrdering(t *testing.T) {
	nodes, links := mediumInstance()

	opts := DefaultOptions
	opts.AllowFreeNodes = true
	res := ComputeGroups(nodes, links, 2, 8, opts)
	require.Empty(t, res.Errors)
	require.False(t, res.Optimal)
	require.NotEmpty(t, res.Solutions)
	require.LessOrEqual(t, len(res.Solutions), DefaultParams.MaxSolutions)

	for i := 1; i < len(res.Solutions); i++ {
		require.GreaterOrEqual(t, res.Solutions[i-1].Score, res.Solutions[i].Score)
	}

	keys := map[string]bool{}
	for _, s := range res.Solutions {
		key := solutionKey(s)
		require.False(t, keys[key], "duplicate solution %s", key)
		keys[key] = true
	}
}

func TestSolutionsAreExactPartitions(t *testing.T) {
	nodes, links := mediumInstance()

	opts := DefaultOptions
	opts.AllowFreeNodes = true
	opts.BonusPerGroup = 1
	opts.BalanceGroupWeightsFactor = 0.5
	opts.FixedGroups = [][]string{{"n00", "n01"}}
	res := ComputeGroups(nodes, links, 2, 8, opts)
	require.Empty(t, res.Errors)
	require.NotEmpty(t, res.Solutions)

	for _, s := range res.Solutions {
		checkSolution(t, nodes, links, 2, 8, opts, s)

		affs := make([]float64, len(s.Groups))
		for i, g := range s.Groups {
			affs[i] = g.Affinity
		}
		want := s.TotalWeight + 1*float64(len(s.Groups)) - 0.5*popVariance(affs)
		require.InDelta(t, want, s.Score, 1e-9)
	}
}

func TestNoFreeNodesWithoutOptIn(t *testing.T) {
	nodes, links := mediumInstance()

	res := ComputeGroups(nodes, links, 0, 10, DefaultOptions)
	require.Empty(t, res.Errors)
	require.NotEmpty(t, res.Solutions)
	for _, s := range res.Solutions {
		require.Empty(t, s.FreeNodes)
		checkSolution(t, nodes, links, 0, 10, DefaultOptions, s)
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	nodes, links := mediumInstance()

	opts := DefaultOptions
	opts.AllowFreeNodes = true
	opts.FixedGroups = [][]string{{"n03", "n04"}}

	first := ComputeGroups(nodes, links, 2, 8, opts)
	second := ComputeGroups(nodes, links, 2, 8, opts)
	require.Equal(t, first, second)
}

func TestCustomSeedBaseStaysValid(t *testing.T) {
	nodes, links := mediumInstance()

	params := DefaultParams
	params.SeedBase = 31337
	res := ComputeGroupsWithParams(nodes, links, 2, 8, DefaultOptions, params)
	require.Empty(t, res.Errors)
	require.NotEmpty(t, res.Solutions)
	for _, s := range res.Solutions {
		checkSolution(t, nodes, links, 2, 8, DefaultOptions, s)
	}
}

func TestOptimalFlagOnlyForSmallInstances(t *testing.T) {
	small := ComputeGroups(unitNodes("a", "b", "c"), LinkTable{}, 0, 3, DefaultOptions)
	require.True(t, small.Optimal)

	ids := make([]string, 17)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%02d", i)
	}
	links := BuildLinkTable([]Link{{From: "p00", To: "p01", Weight: 2}})
	large := ComputeGroups(unitNodes(ids...), links, 0, 17, DefaultOptions)
	require.Empty(t, large.Errors)
	require.False(t, large.Optimal)

	// 13 nodes with free placement exceeds the tighter enumeration bound
	ids = ids[:13]
	opts := DefaultOptions
	opts.AllowFreeNodes = true
	mid := ComputeGroups(unitNodes(ids...), links, 0, 13, opts)
	require.Empty(t, mid.Errors)
	require.False(t, mid.Optimal)
}

func TestFixedGroupsDisableExhaustive(t *testing.T) {
	nodes := unitNodes("a", "b", "c", "d")
	opts := DefaultOptions
	opts.FixedGroups = [][]string{{"a", "b"}}

	res := ComputeGroups(nodes, LinkTable{}, 0, 4, opts)
	require.Empty(t, res.Errors)
	require.False(t, res.Optimal)
	require.NotEmpty(t, res.Solutions)
}

func TestNodeHeavierThanMaxRejected(t *testing.T) {
	nodes := []Node{{ID: "a", Weight: 5}, {ID: "b", Weight: 1}}
	res := ComputeGroups(nodes, LinkTable{}, 0, 4, DefaultOptions)
	require.Equal(t, []string{`node "a" weight 5 exceeds maximum group weight 4`}, res.Errors)
}
