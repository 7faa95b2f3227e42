package solver

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"
)

// Node is a weighted item to be grouped. IDs must be unique.
type Node struct {
	ID     string
	Weight float64
}

// Options control one solve. The zero value sums directed links; use
// DefaultOptions for the usual symmetric interpretation.
type Options struct {
	AllowFreeNodes            bool
	SymmetricLinks            bool
	BalanceGroupWeightsFactor float64
	BonusPerGroup             float64
	FixedGroups               [][]string
}

var DefaultOptions = Options{SymmetricLinks: true}

// Params bound the search effort. ComputeGroups uses DefaultParams; the
// tuning harness sweeps them.
type Params struct {
	Restarts     int
	MaxPasses    int
	MaxSolutions int
	SeedBase     int64
}

var DefaultParams = Params{Restarts: 20, MaxPasses: 200, MaxSolutions: 10}

const (
	exhaustiveLimit     = 16
	exhaustiveFreeLimit = 12

	// seed offset for shuffling leftover nodes when fixed groups are present,
	// so the shuffle stream is independent of the edge tie-break stream
	leftoverSeedOffset = 1000
)

// GroupDetail describes one group of a solution. Members are sorted by id.
type GroupDetail struct {
	Members   []string
	WeightSum float64
	Affinity  float64
}

// Solution is one complete partition of the nodes into groups plus free
// nodes, with its derived weights.
type Solution struct {
	Groups      []GroupDetail
	FreeNodes   []string
	TotalWeight float64
	Score       float64
}

// Result is the outcome of ComputeGroups. A non-empty Errors list means the
// inputs were rejected and no search ran.
type Result struct {
	Solutions []Solution
	Optimal   bool
	Errors    []string
}

// Validate checks structural feasibility of the inputs and returns all
// applicable human-readable errors, or an empty list when the instance is
// solvable in principle.
func Validate(nodes []Node, links LinkTable, minWeight, maxWeight float64) []string {
	var errs []string
	if len(nodes) == 0 {
		errs = append(errs, "no nodes to group")
	}
	seen := map[string]bool{}
	for _, n := range nodes {
		if seen[n.ID] {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
	}
	if minWeight > maxWeight {
		errs = append(errs, fmt.Sprintf("minimum group weight %v exceeds maximum group weight %v", minWeight, maxWeight))
	}
	for _, n := range nodes {
		if n.Weight > maxWeight {
			errs = append(errs, fmt.Sprintf("node %q weight %v exceeds maximum group weight %v", n.ID, n.Weight, maxWeight))
		}
	}
	return errs
}

// ComputeGroups partitions nodes into groups whose weight sums stay within
// [minWeight, maxWeight], maximizing the affinity retained inside groups.
// It returns up to DefaultParams.MaxSolutions distinct solutions ordered by
// score. An empty solution list with no errors means the instance is
// over-constrained, not that the call failed.
func ComputeGroups(nodes []Node, links LinkTable, minWeight, maxWeight float64, opts Options) Result {
	return ComputeGroupsWithParams(nodes, links, minWeight, maxWeight, opts, DefaultParams)
}

// ComputeGroupsWithParams is ComputeGroups with explicit search bounds.
func ComputeGroupsWithParams(nodes []Node, links LinkTable, minWeight, maxWeight float64, opts Options, params Params) Result {
	if errs := Validate(nodes, links, minWeight, maxWeight); len(errs) > 0 {
		return Result{Errors: errs}
	}

	st := newSolverState(nodes, links, minWeight, maxWeight, opts, params)
	if errs := st.resolveFixedGroups(); len(errs) > 0 {
		return Result{Errors: errs}
	}

	arch := newArchive(params.MaxSolutions)

	optimal := false
	if len(st.fixedGroups) == 0 && st.smallEnough() {
		optimal = st.exhaustive(arch)
	}

	for s := range params.Restarts {
		p := st.construct(params.SeedBase + int64(s))
		if p == nil {
			continue
		}
		arch.add(st.buildSolution(p.groups, p.free))
		st.localSearch(p, arch)
	}

	arch.dropWasteful(st.isWasteful)

	return Result{Solutions: arch.entries, Optimal: optimal}
}

const (
	unassigned = -2
	freeNode   = -1
)

type solverState struct {
	nodes     []Node
	n         int
	minWeight float64
	maxWeight float64
	opts      Options
	params    Params

	index    map[string]int
	weight   []float64
	affinity [][]float64
	isolated []bool

	fixedGroups [][]int
	fixedOf     []int
}

func newSolverState(nodes []Node, links LinkTable, minWeight, maxWeight float64, opts Options, params Params) *solverState {
	n := len(nodes)
	st := &solverState{
		nodes:     nodes,
		n:         n,
		minWeight: minWeight,
		maxWeight: maxWeight,
		opts:      opts,
		params:    params,
		index:     make(map[string]int, n),
		weight:    make([]float64, n),
		affinity:  make([][]float64, n),
		isolated:  make([]bool, n),
		fixedOf:   make([]int, n),
	}
	for i, node := range nodes {
		st.index[node.ID] = i
		st.weight[i] = node.Weight
		st.affinity[i] = make([]float64, n)
		st.fixedOf[i] = -1
	}
	for i := range n {
		for j := i + 1; j < n; j++ {
			a := resolvePair(links, nodes[i].ID, nodes[j].ID, opts.SymmetricLinks)
			st.affinity[i][j] = a
			st.affinity[j][i] = a
		}
	}
	for i := range n {
		iso := true
		for j := range n {
			if j != i && st.affinity[i][j] != 0 {
				iso = false
				break
			}
		}
		st.isolated[i] = iso
	}
	return st
}

// resolvePair applies the configured link resolution rule to one unordered
// pair, queried in (a, b) order. Symmetric: the a-to-b entry wins when
// nonzero, otherwise b-to-a; the two directions are never summed. Directed:
// both directions sum.
func resolvePair(links LinkTable, a, b string, symmetric bool) float64 {
	ab := links[LinkKey{From: a, To: b}]
	if symmetric {
		if ab != 0 {
			return ab
		}
		return links[LinkKey{From: b, To: a}]
	}
	return ab + links[LinkKey{From: b, To: a}]
}

func (st *solverState) resolveFixedGroups() []string {
	for gi, ids := range st.opts.FixedGroups {
		if len(ids) == 0 {
			continue
		}
		members := make([]int, 0, len(ids))
		sum := 0.0
		for _, id := range ids {
			i, ok := st.index[id]
			if !ok {
				return []string{fmt.Sprintf("fixed group %d references unknown node %q", gi+1, id)}
			}
			if st.fixedOf[i] >= 0 {
				return []string{fmt.Sprintf("node %q appears in more than one fixed group", id)}
			}
			st.fixedOf[i] = len(st.fixedGroups)
			members = append(members, i)
			sum += st.weight[i]
		}
		if sum > st.maxWeight {
			return []string{fmt.Sprintf("fixed group %d weight %v exceeds maximum group weight %v", gi+1, sum, st.maxWeight)}
		}
		slices.Sort(members)
		st.fixedGroups = append(st.fixedGroups, members)
	}
	return nil
}

func (st *solverState) smallEnough() bool {
	if st.opts.AllowFreeNodes {
		return st.n <= exhaustiveFreeLimit
	}
	return st.n <= exhaustiveLimit
}

func (st *solverState) nodeGroupAffinity(i int, members []int) float64 {
	total := 0.0
	for _, m := range members {
		if m != i {
			total += st.affinity[i][m]
		}
	}
	return total
}

func (st *solverState) unitAffinity(unit, members []int) float64 {
	total := 0.0
	for _, u := range unit {
		for _, m := range members {
			if !slices.Contains(unit, m) {
				total += st.affinity[u][m]
			}
		}
	}
	return total
}

func (st *solverState) groupAffinity(members []int) float64 {
	total := 0.0
	for x := range members {
		for y := x + 1; y < len(members); y++ {
			total += st.affinity[members[x]][members[y]]
		}
	}
	return total
}

func (st *solverState) overlapsFixed(members []int) bool {
	for _, m := range members {
		if st.fixedOf[m] >= 0 {
			return true
		}
	}
	return false
}

func (st *solverState) overlapsOtherFixed(members []int, fixed int) bool {
	for _, m := range members {
		if st.fixedOf[m] >= 0 && st.fixedOf[m] != fixed {
			return true
		}
	}
	return false
}

type partition struct {
	groups  [][]int
	sums    []float64
	groupOf []int
	free    []int
}

func newPartition(n int) *partition {
	p := &partition{groupOf: make([]int, n)}
	for i := range p.groupOf {
		p.groupOf[i] = unassigned
	}
	return p
}

func (p *partition) addGroup(members []int, sum float64) {
	g := len(p.groups)
	p.groups = append(p.groups, members)
	p.sums = append(p.sums, sum)
	for _, i := range members {
		p.groupOf[i] = g
	}
}

func (p *partition) appendNode(g, i int, w float64) {
	p.groups[g] = append(p.groups[g], i)
	p.sums[g] += w
	p.groupOf[i] = g
}

func (p *partition) setFree(i int) {
	p.groupOf[i] = freeNode
	p.free = append(p.free, i)
}

func (p *partition) removeGroup(g int) {
	p.groups = slices.Delete(p.groups, g, g+1)
	p.sums = slices.Delete(p.sums, g, g+1)
	for i, gi := range p.groupOf {
		if gi > g {
			p.groupOf[i] = gi - 1
		}
	}
}

func (p *partition) merge(dst, src int) {
	for _, i := range p.groups[src] {
		p.groupOf[i] = dst
	}
	p.groups[dst] = append(p.groups[dst], p.groups[src]...)
	p.sums[dst] += p.sums[src]
	p.removeGroup(src)
}

func (p *partition) freeGroup(g int) {
	for _, i := range p.groups[g] {
		p.groupOf[i] = freeNode
		p.free = append(p.free, i)
	}
	p.groups[g] = nil
	p.removeGroup(g)
}

func (p *partition) moveUnit(unit []int, from, to int, w float64) {
	p.groups[from] = slices.DeleteFunc(p.groups[from], func(i int) bool {
		return slices.Contains(unit, i)
	})
	p.groups[to] = append(p.groups[to], unit...)
	for _, i := range unit {
		p.groupOf[i] = to
	}
	p.sums[from] -= w
	p.sums[to] += w
	if len(p.groups[from]) == 0 {
		p.removeGroup(from)
	}
}

func (p *partition) moveToFree(i, from int, w float64) {
	p.groups[from] = slices.DeleteFunc(p.groups[from], func(m int) bool { return m == i })
	p.sums[from] -= w
	p.groupOf[i] = freeNode
	p.free = append(p.free, i)
	if len(p.groups[from]) == 0 {
		p.removeGroup(from)
	}
}

func (p *partition) fromFree(i, to int, w float64) {
	fi := slices.Index(p.free, i)
	p.free = slices.Delete(p.free, fi, fi+1)
	p.appendNode(to, i, w)
}

func (p *partition) swapNodes(a, b, ga, gb int, wa, wb float64) {
	p.groups[ga][slices.Index(p.groups[ga], a)] = b
	p.groups[gb][slices.Index(p.groups[gb], b)] = a
	p.groupOf[a] = gb
	p.groupOf[b] = ga
	p.sums[ga] += wb - wa
	p.sums[gb] += wa - wb
}

// exhaustive enumerates every partition compatible with the capacity bound,
// assigning nodes in index order and numbering new groups canonically so no
// relabeled duplicate of an earlier partition is visited. Reports whether at
// least one feasible assignment was registered.
func (st *solverState) exhaustive(arch *archive) bool {
	assign := make([]int, st.n)
	sums := make([]float64, st.n)
	found := false

	var rec func(i, used int)
	rec = func(i, used int) {
		if i == st.n {
			for g := range used {
				if sums[g] < st.minWeight || sums[g] > st.maxWeight {
					return
				}
			}
			groups := make([][]int, used)
			var free []int
			for m, g := range assign {
				if g == freeNode {
					free = append(free, m)
				} else {
					groups[g] = append(groups[g], m)
				}
			}
			arch.add(st.buildSolution(groups, free))
			found = true
			return
		}
		if st.opts.AllowFreeNodes {
			assign[i] = freeNode
			rec(i+1, used)
		}
		w := st.weight[i]
		for g := 0; g < used; g++ {
			if sums[g]+w > st.maxWeight {
				continue
			}
			assign[i] = g
			sums[g] += w
			rec(i+1, used)
			sums[g] -= w
		}
		if used < st.n {
			assign[i] = used
			sums[used] += w
			rec(i+1, used+1)
			sums[used] -= w
		}
	}
	rec(0, 0)
	return found
}

// construct builds one feasible partition from the weighted edge list using
// the generator seeded for this restart. Returns nil when repair cannot reach
// feasibility; that restart simply contributes nothing.
func (st *solverState) construct(seed int64) *partition {
	rng := rand.New(rand.NewSource(seed))
	p := newPartition(st.n)

	for _, members := range st.fixedGroups {
		sum := 0.0
		for _, i := range members {
			sum += st.weight[i]
		}
		p.addGroup(slices.Clone(members), sum)
	}

	type edge struct {
		a, b int
		aff  float64
		tie  float64
	}
	var edges []edge
	for i := range st.n {
		for j := i + 1; j < st.n; j++ {
			if st.affinity[i][j] != 0 {
				edges = append(edges, edge{a: i, b: j, aff: st.affinity[i][j]})
			}
		}
	}
	for i := range edges {
		edges[i].tie = rng.Float64()
	}
	slices.SortFunc(edges, func(x, y edge) int {
		if x.aff != y.aff {
			if x.aff > y.aff {
				return -1
			}
			return 1
		}
		if x.tie != y.tie {
			if x.tie < y.tie {
				return -1
			}
			return 1
		}
		return 0
	})

	for _, e := range edges {
		aAssigned := p.groupOf[e.a] != unassigned
		bAssigned := p.groupOf[e.b] != unassigned
		switch {
		case aAssigned && bAssigned:
			// both placed already; groups are never merged here
		case !aAssigned && !bAssigned:
			if st.weight[e.a]+st.weight[e.b] <= st.maxWeight {
				p.addGroup([]int{e.a, e.b}, st.weight[e.a]+st.weight[e.b])
			}
		default:
			anchor, other := e.a, e.b
			if bAssigned {
				anchor, other = e.b, e.a
			}
			g := p.groupOf[anchor]
			if p.sums[g]+st.weight[other] <= st.maxWeight {
				p.appendNode(g, other, st.weight[other])
			}
		}
	}

	var leftover []int
	for i := range st.n {
		if p.groupOf[i] == unassigned {
			leftover = append(leftover, i)
		}
	}
	shuffleRng := rng
	if len(st.fixedGroups) > 0 {
		shuffleRng = rand.New(rand.NewSource(seed + leftoverSeedOffset))
	}
	shuffleRng.Shuffle(len(leftover), func(i, j int) {
		leftover[i], leftover[j] = leftover[j], leftover[i]
	})

	for _, i := range leftover {
		if st.opts.AllowFreeNodes && st.isolated[i] {
			p.setFree(i)
			continue
		}
		placed := false
		for g := range p.groups {
			if p.sums[g]+st.weight[i] <= st.maxWeight {
				p.appendNode(g, i, st.weight[i])
				placed = true
				break
			}
		}
		if placed {
			continue
		}
		if st.opts.AllowFreeNodes {
			p.setFree(i)
		} else {
			p.addGroup([]int{i}, st.weight[i])
		}
	}

	if !st.repair(p) {
		return nil
	}
	return p
}

// repair merges under-minimum groups into whichever group still fits, or
// frees their nodes when permitted. Groups holding fixed-group members are
// exempt from the minimum and are never merged away or freed.
func (st *solverState) repair(p *partition) bool {
	for {
		under := -1
		for g := range p.groups {
			if p.sums[g] < st.minWeight && !st.overlapsFixed(p.groups[g]) {
				under = g
				break
			}
		}
		if under < 0 {
			break
		}
		merged := false
		for g := range p.groups {
			if g != under && p.sums[g]+p.sums[under] <= st.maxWeight {
				p.merge(g, under)
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		if !st.opts.AllowFreeNodes {
			return false
		}
		p.freeGroup(under)
	}
	for g := range p.groups {
		if p.sums[g] > st.maxWeight {
			return false
		}
		if p.sums[g] < st.minWeight && !st.overlapsFixed(p.groups[g]) {
			return false
		}
	}
	return true
}

func (st *solverState) localSearch(p *partition, arch *archive) {
	for range st.params.MaxPasses {
		if !st.improveOnce(p) {
			break
		}
		arch.add(st.buildSolution(p.groups, p.free))
	}
}

// improveOnce applies the first improving move found, scanning the four move
// types in priority order, and reports whether anything was applied.
func (st *solverState) improveOnce(p *partition) bool {
	// relocate a node, or a whole fixed group atomically
	for i := range st.n {
		gi := p.groupOf[i]
		if gi < 0 {
			continue
		}
		unit := []int{i}
		fixed := st.fixedOf[i]
		if fixed >= 0 {
			if st.fixedGroups[fixed][0] != i {
				continue
			}
			unit = st.fixedGroups[fixed]
		}
		unitW := 0.0
		for _, u := range unit {
			unitW += st.weight[u]
		}
		empties := len(unit) == len(p.groups[gi])
		if !empties && p.sums[gi]-unitW < st.minWeight {
			continue
		}
		current := st.unitAffinity(unit, p.groups[gi])
		for gj := range p.groups {
			if gj == gi || p.sums[gj]+unitW > st.maxWeight {
				continue
			}
			if fixed >= 0 && st.overlapsOtherFixed(p.groups[gj], fixed) {
				continue
			}
			delta := st.unitAffinity(unit, p.groups[gj]) - current
			// a relocation that empties its source group also passes on
			// equal total; every other acceptance is strict improvement
			if delta > 0 || (empties && delta >= 0) {
				p.moveUnit(unit, gi, gj, unitW)
				return true
			}
		}
	}

	// relocate to the free set
	if st.opts.AllowFreeNodes {
		for i := range st.n {
			gi := p.groupOf[i]
			if gi < 0 || st.fixedOf[i] >= 0 {
				continue
			}
			if len(p.groups[gi]) > 1 && p.sums[gi]-st.weight[i] < st.minWeight {
				continue
			}
			if -st.nodeGroupAffinity(i, p.groups[gi]) > 0 {
				p.moveToFree(i, gi, st.weight[i])
				return true
			}
		}
	}

	// pull a free node into a group
	for _, i := range p.free {
		for gj := range p.groups {
			if p.sums[gj]+st.weight[i] > st.maxWeight {
				continue
			}
			if st.nodeGroupAffinity(i, p.groups[gj]) > 0 {
				p.fromFree(i, gj, st.weight[i])
				return true
			}
		}
	}

	// swap one node between two non-fixed groups
	for gi := range p.groups {
		if st.overlapsFixed(p.groups[gi]) {
			continue
		}
		for gj := gi + 1; gj < len(p.groups); gj++ {
			if st.overlapsFixed(p.groups[gj]) {
				continue
			}
			for _, a := range p.groups[gi] {
				for _, b := range p.groups[gj] {
					newI := p.sums[gi] - st.weight[a] + st.weight[b]
					newJ := p.sums[gj] - st.weight[b] + st.weight[a]
					if newI < st.minWeight || newI > st.maxWeight ||
						newJ < st.minWeight || newJ > st.maxWeight {
						continue
					}
					delta := st.nodeGroupAffinity(a, p.groups[gj]) +
						st.nodeGroupAffinity(b, p.groups[gi]) -
						2*st.affinity[a][b] -
						st.nodeGroupAffinity(a, p.groups[gi]) -
						st.nodeGroupAffinity(b, p.groups[gj])
					if delta > 0 {
						p.swapNodes(a, b, gi, gj, st.weight[a], st.weight[b])
						return true
					}
				}
			}
		}
	}

	return false
}

func (st *solverState) buildSolution(groups [][]int, free []int) Solution {
	details := make([]GroupDetail, 0, len(groups))
	total := 0.0
	for _, members := range groups {
		ids := make([]string, len(members))
		sum := 0.0
		for k, i := range members {
			ids[k] = st.nodes[i].ID
			sum += st.weight[i]
		}
		slices.Sort(ids)
		aff := st.groupAffinity(members)
		total += aff
		details = append(details, GroupDetail{Members: ids, WeightSum: sum, Affinity: aff})
	}
	slices.SortFunc(details, func(a, b GroupDetail) int {
		return slices.Compare(a.Members, b.Members)
	})

	freeIDs := make([]string, len(free))
	for k, i := range free {
		freeIDs[k] = st.nodes[i].ID
	}
	slices.Sort(freeIDs)

	affs := make([]float64, len(details))
	for k, d := range details {
		affs[k] = d.Affinity
	}
	score := total +
		st.opts.BonusPerGroup*float64(len(details)) -
		st.opts.BalanceGroupWeightsFactor*popVariance(affs)

	return Solution{
		Groups:      details,
		FreeNodes:   freeIDs,
		TotalWeight: total,
		Score:       score,
	}
}

// isWasteful reports whether some group of size > 1 carries a member with
// zero affinity to every one of its groupmates.
func (st *solverState) isWasteful(s Solution) bool {
	for _, g := range s.Groups {
		if len(g.Members) < 2 {
			continue
		}
		for _, id := range g.Members {
			i := st.index[id]
			connected := false
			for _, other := range g.Members {
				if other != id && st.affinity[i][st.index[other]] != 0 {
					connected = true
					break
				}
			}
			if !connected {
				return true
			}
		}
	}
	return false
}

func popVariance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		d := x - mean
		v += d * d
	}
	return v / float64(len(xs))
}

type archive struct {
	limit   int
	seen    map[string]bool
	entries []Solution
}

func newArchive(limit int) *archive {
	return &archive{limit: limit, seen: map[string]bool{}}
}

// solutionKey builds the canonical order-insensitive identity of a solution.
// Groups and members arrive already sorted from buildSolution.
func solutionKey(s Solution) string {
	var buf strings.Builder
	for _, g := range s.Groups {
		for i, id := range g.Members {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(id)
		}
		buf.WriteByte(';')
	}
	buf.WriteByte('|')
	for i, id := range s.FreeNodes {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(id)
	}
	return buf.String()
}

func (a *archive) add(s Solution) {
	key := solutionKey(s)
	if a.seen[key] {
		return
	}
	a.seen[key] = true
	a.entries = append(a.entries, s)
	slices.SortStableFunc(a.entries, func(x, y Solution) int {
		if x.Score > y.Score {
			return -1
		}
		if x.Score < y.Score {
			return 1
		}
		return 0
	})
	if len(a.entries) > a.limit {
		a.entries = a.entries[:a.limit]
	}
}

// dropWasteful removes wasteful solutions, but only when at least one
// non-wasteful alternative survived the run.
func (a *archive) dropWasteful(wasteful func(Solution) bool) {
	hasClean := false
	for _, s := range a.entries {
		if !wasteful(s) {
			hasClean = true
			break
		}
	}
	if !hasClean {
		return
	}
	a.entries = slices.DeleteFunc(a.entries, wasteful)
}
