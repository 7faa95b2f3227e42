package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmsmuy/nodeGroupOrganizer/solver"
)

// planFile matches the document served by GET /api/plans/{planID}/export.
type planFile struct {
	Name           string  `json:"name"`
	MinWeight      float64 `json:"min_weight"`
	MaxWeight      float64 `json:"max_weight"`
	AllowFreeNodes bool    `json:"allow_free_nodes"`
	SymmetricLinks bool    `json:"symmetric_links"`
	BalanceFactor  float64 `json:"balance_factor"`
	BonusPerGroup  float64 `json:"bonus_per_group"`
	Nodes          []struct {
		Name   string  `json:"name"`
		Weight float64 `json:"weight"`
	} `json:"nodes"`
	Links []struct {
		From   string  `json:"from"`
		To     string  `json:"to"`
		Weight float64 `json:"weight"`
	} `json:"links"`
	FixedGroups []struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	} `json:"fixed_groups"`
}

func solutionKey(s solver.Solution) string {
	var buf strings.Builder
	for _, g := range s.Groups {
		buf.WriteString(strings.Join(g.Members, ","))
		buf.WriteByte(';')
	}
	buf.WriteByte('|')
	buf.WriteString(strings.Join(s.FreeNodes, ","))
	return buf.String()
}

type runResult struct {
	score     float64
	solutions []string
	optimal   bool
	elapsed   time.Duration
}

func printStats(label string, results []runResult, runs int) {
	scores := map[float64]int{}
	solutionSets := map[string]int{}
	var totalTime time.Duration
	var totalSolutions int
	optimalRuns := 0

	for _, r := range results {
		totalTime += r.elapsed
		scores[r.score]++
		totalSolutions += len(r.solutions)
		if r.optimal {
			optimalRuns++
		}
		for _, key := range r.solutions {
			solutionSets[key]++
		}
	}

	fmt.Printf("--- %s ---\n", label)
	fmt.Printf("  avg time: %v\n", totalTime/time.Duration(runs))
	if optimalRuns > 0 {
		fmt.Printf("  exhaustive runs: %d/%d\n", optimalRuns, runs)
	}

	var scoreList []struct {
		score float64
		count int
	}
	for s, c := range scores {
		scoreList = append(scoreList, struct {
			score float64
			count int
		}{s, c})
	}
	sort.Slice(scoreList, func(i, j int) bool { return scoreList[i].score > scoreList[j].score })

	fmt.Printf("  best-score distribution:\n")
	for _, sc := range scoreList {
		fmt.Printf("    score %.3f: %d/%d runs (%.0f%%)\n", sc.score, sc.count, runs, float64(sc.count)/float64(runs)*100)
	}

	fmt.Printf("  unique solutions seen: %d\n", len(solutionSets))
	fmt.Printf("  avg solutions per run: %.1f\n", float64(totalSolutions)/float64(runs))

	var solFreqs []struct {
		key   string
		count int
	}
	for k, c := range solutionSets {
		solFreqs = append(solFreqs, struct {
			key   string
			count int
		}{k, c})
	}
	sort.Slice(solFreqs, func(i, j int) bool { return solFreqs[i].count > solFreqs[j].count })

	stableCount := 0
	for _, sf := range solFreqs {
		if sf.count == runs {
			stableCount++
		}
	}
	fmt.Printf("  solutions found in all runs: %d\n", stableCount)
	if len(solFreqs) > 0 {
		topN := min(5, len(solFreqs))
		fmt.Printf("  top %d solution frequencies: ", topN)
		for i := range topN {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Printf("%d/%d", solFreqs[i].count, runs)
		}
		fmt.Println()
	}
	fmt.Println()
}

func main() {
	file := flag.String("file", "plan.json", "plan export JSON file")
	runs := flag.Int("runs", 20, "number of solver runs per parameter set")
	restarts := flag.String("restarts", "20", "comma-separated restart counts")
	passes := flag.String("passes", "200", "comma-separated local search pass limits")
	maxSolutions := flag.Int("solutions", 10, "solutions kept per run")
	flag.Parse()

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading plan: %v\n", err)
		os.Exit(1)
	}
	var plan planFile
	if err := json.Unmarshal(raw, &plan); err != nil {
		fmt.Fprintf(os.Stderr, "parsing plan: %v\n", err)
		os.Exit(1)
	}

	nodes := make([]solver.Node, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodes = append(nodes, solver.Node{ID: n.Name, Weight: n.Weight})
	}
	links := make([]solver.Link, 0, len(plan.Links))
	for _, l := range plan.Links {
		links = append(links, solver.Link{From: l.From, To: l.To, Weight: l.Weight})
	}
	table := solver.BuildLinkTable(links)
	opts := solver.DefaultOptions
	opts.AllowFreeNodes = plan.AllowFreeNodes
	opts.SymmetricLinks = plan.SymmetricLinks
	opts.BalanceGroupWeightsFactor = plan.BalanceFactor
	opts.BonusPerGroup = plan.BonusPerGroup
	for _, g := range plan.FixedGroups {
		opts.FixedGroups = append(opts.FixedGroups, g.Members)
	}

	if errs := solver.Validate(nodes, table, plan.MinWeight, plan.MaxWeight); len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "invalid plan: %s\n", strings.Join(errs, "; "))
		os.Exit(1)
	}

	fmt.Printf("Plan: %s, Nodes: %d, Links: %d, Fixed groups: %d\n",
		plan.Name, len(nodes), len(links), len(plan.FixedGroups))
	fmt.Printf("Weight bounds: [%v, %v], Balance factor: %v, Bonus per group: %v\n",
		plan.MinWeight, plan.MaxWeight, plan.BalanceFactor, plan.BonusPerGroup)
	fmt.Printf("Runs per config: %d\n\n", *runs)

	restartCounts := parseIntList(*restarts)
	passCounts := parseIntList(*passes)
	for _, nr := range restartCounts {
		for _, np := range passCounts {
			params := solver.Params{
				Restarts:     nr,
				MaxPasses:    np,
				MaxSolutions: *maxSolutions,
			}
			var results []runResult
			for run := range *runs {
				params.SeedBase = int64(run * 31337)
				start := time.Now()
				res := solver.ComputeGroupsWithParams(nodes, table, plan.MinWeight, plan.MaxWeight, opts, params)
				elapsed := time.Since(start)
				if len(res.Solutions) > 0 {
					keys := make([]string, 0, len(res.Solutions))
					for _, s := range res.Solutions {
						keys = append(keys, solutionKey(s))
					}
					results = append(results, runResult{res.Solutions[0].Score, keys, res.Optimal, elapsed})
				}
			}
			label := fmt.Sprintf("restarts=%d passes=%d solutions=%d", nr, np, *maxSolutions)
			printStats(label, results, *runs)
		}
	}
}

func parseIntList(s string) []int {
	parts := strings.Split(s, ",")
	var result []int
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil {
			result = append(result, v)
		}
	}
	return result
}
