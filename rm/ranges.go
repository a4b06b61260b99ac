package rm

import (
	"fmt"
	"sort"
	"strings"
)

// AckRange is an inclusive interval of acknowledged message numbers
type AckRange struct {
	Lower uint64
	Upper uint64
}

// Contains reports whether n lies in the range
func (r AckRange) Contains(n uint64) bool {
	return n >= r.Lower && n <= r.Upper
}

func (r AckRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Lower, r.Upper)
}

// Ranges is a sorted set of disjoint, non-adjacent ranges. Adding never
// removes numbers; adjacent and overlapping ranges are merged.
type Ranges []AckRange

// Add inserts n and reports whether it was new
func (rs *Ranges) Add(n uint64) bool {
	if n == 0 || rs.Contains(n) {
		return false
	}
	rs.AddRange(AckRange{Lower: n, Upper: n})
	return true
}

// AddRange merges an interval into the set
func (rs *Ranges) AddRange(r AckRange) {
	if r.Lower == 0 {
		r.Lower = 1
	}
	if r.Upper < r.Lower {
		return
	}

	merged := make(Ranges, 0, len(*rs)+1)
	for _, cur := range *rs {
		switch {
		case cur.Upper < r.Lower && r.Lower-cur.Upper > 1:
			merged = append(merged, cur)
		case r.Upper < cur.Lower && cur.Lower-r.Upper > 1:
			merged = append(merged, cur)
		default:
			r.Lower = min(r.Lower, cur.Lower)
			r.Upper = max(r.Upper, cur.Upper)
		}
	}
	merged = append(merged, r)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Lower < merged[j].Lower })
	*rs = merged
}

// Merge adds every range of other
func (rs *Ranges) Merge(other []AckRange) {
	for _, r := range other {
		rs.AddRange(r)
	}
}

// Contains reports whether n is acknowledged
func (rs Ranges) Contains(n uint64) bool {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].Upper >= n })
	return i < len(rs) && rs[i].Contains(n)
}

// Contiguous returns the highest n such that 1..n are all acknowledged
func (rs Ranges) Contiguous() uint64 {
	if len(rs) == 0 || rs[0].Lower != 1 {
		return 0
	}
	return rs[0].Upper
}

// Clone returns an independent copy
func (rs Ranges) Clone() Ranges {
	return append(Ranges(nil), rs...)
}

func (rs Ranges) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
