package interval

import "sort"

// Interval is a half-open time span [Start, End) in epoch milliseconds.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (iv Interval) Valid() bool { return iv.End > iv.Start }

// Overlaps reports whether a and b intersect. Half-open intervals: touching
// endpoints do not overlap.
func Overlaps(a, b Interval) bool {
	return a.End > b.Start && a.Start < b.End
}

// Subtract returns the ordered remainder of free not covered by any busy
// interval. Busy intervals may be unsorted and may overlap each other; the
// result contains only positive-length intervals fully inside free.
func Subtract(free Interval, busy []Interval) []Interval {
	if !free.Valid() {
		return nil
	}
	if len(busy) == 0 {
		return []Interval{free}
	}

	relevant := make([]Interval, 0, len(busy))
	for _, b := range busy {
		// Zero/negative-length intervals are never stored; drop them before
		// they can split the remainder or move the cursor backwards.
		if b.Valid() && b.End > free.Start && b.Start < free.End {
			relevant = append(relevant, b)
		}
	}
	sort.Slice(relevant, func(i, j int) bool { return relevant[i].Start < relevant[j].Start })

	var out []Interval
	cursor := free.Start
	for _, b := range relevant {
		if b.Start > cursor {
			end := min(b.Start, free.End)
			if end > cursor {
				out = append(out, Interval{Start: cursor, End: end})
			}
		}
		if b.End > cursor {
			cursor = b.End
		}
		if cursor >= free.End {
			return out
		}
	}
	if cursor < free.End {
		out = append(out, Interval{Start: cursor, End: free.End})
	}
	return out
}
