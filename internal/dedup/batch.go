package dedup

import (
	"math/rand/v2"
	"sort"
)

// IndexSet is a set of global fact indices.
type IndexSet map[int]struct{}

func NewIndexSet(idx ...int) IndexSet {
	s := make(IndexSet, len(idx))
	for _, i := range idx {
		s[i] = struct{}{}
	}
	return s
}

func (s IndexSet) Add(i int) { s[i] = struct{}{} }

func (s IndexSet) Has(i int) bool {
	_, ok := s[i]
	return ok
}

func (s IndexSet) Len() int { return len(s) }

// Union adds every member of o to s.
func (s IndexSet) Union(o IndexSet) {
	for i := range o {
		s[i] = struct{}{}
	}
}

// Sorted returns the members in ascending order.
func (s IndexSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Batch is a contiguous run of facts starting at Start.
type Batch struct {
	Start int
	Items []string
}

// Keyed maps Start+position to each item, the shape the oracle receives.
func (b Batch) Keyed() map[int]string {
	m := make(map[int]string, len(b.Items))
	for i, f := range b.Items {
		m[b.Start+i] = f
	}
	return m
}

// Contains reports whether i falls inside the batch's key range.
func (b Batch) Contains(i int) bool {
	return i >= b.Start && i < b.Start+len(b.Items)
}

// Partition splits facts into contiguous batches of size, the last possibly
// shorter.
func Partition(facts []string, size int) []Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out []Batch
	for start := 0; start < len(facts); start += size {
		end := min(start+size, len(facts))
		out = append(out, Batch{Start: start, Items: facts[start:end]})
	}
	return out
}

// ShuffleMapping maps a position in a shuffled sequence to the global index
// of the fact placed there.
type ShuffleMapping []int

// Shuffle permutes keep with rng.
func Shuffle(rng *rand.Rand, keep []int) ShuffleMapping {
	m := make(ShuffleMapping, len(keep))
	for pos, k := range rng.Perm(len(keep)) {
		m[pos] = keep[k]
	}
	return m
}

// Global translates a shuffled position. ok is false for positions outside
// the mapping.
func (m ShuffleMapping) Global(pos int) (idx int, ok bool) {
	if pos < 0 || pos >= len(m) {
		return 0, false
	}
	return m[pos], true
}

// Facts returns the shuffled fact sequence.
func (m ShuffleMapping) Facts(facts []string) []string {
	out := make([]string, len(m))
	for pos, g := range m {
		out[pos] = facts[g]
	}
	return out
}
