package solver

import (
	"slices"
	"strings"
)

// LinkKey is an ordered pair of node ids. Keeping the pair explicit instead
// of joining the ids into one string avoids delimiter collisions.
type LinkKey struct {
	From string
	To   string
}

// LinkTable maps ordered node-id pairs to link weights. A missing or zero
// entry means no link.
type LinkTable map[LinkKey]float64

// Link is the sparse list form of one LinkTable entry.
type Link struct {
	From   string
	To     string
	Weight float64
}

// BuildLinkTable converts a sparse link list into a LinkTable. Zero-weight
// entries clear the pair; a later entry for the same ordered pair overwrites
// an earlier one.
func BuildLinkTable(links []Link) LinkTable {
	t := make(LinkTable, len(links))
	for _, l := range links {
		k := LinkKey{From: l.From, To: l.To}
		if l.Weight == 0 {
			delete(t, k)
			continue
		}
		t[k] = l.Weight
	}
	return t
}

// Links is the inverse of BuildLinkTable. The list is sorted by From then To
// so repeated serializations of the same table are identical.
func (t LinkTable) Links() []Link {
	out := make([]Link, 0, len(t))
	for k, w := range t {
		if w == 0 {
			continue
		}
		out = append(out, Link{From: k.From, To: k.To, Weight: w})
	}
	slices.SortFunc(out, func(a, b Link) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.To, b.To)
	})
	return out
}
