package bmffbox

import (
	"io"
	"sort"
	"strings"
)

// ExclusionRange is a half-open byte span [Offset, Offset+Length) that
// hashing must skip.
type ExclusionRange struct {
	Offset uint64
	Length uint64
}

// End returns the offset immediately after the range.
func (r ExclusionRange) End() uint64 {
	return r.Offset + r.Length
}

// ExclusionRule names a box (or set of boxes) by hierarchical path, the
// way ExclusionsMap does in the assertion. Only the last element of
// XPath is used, compared against the types of the top-level boxes Walk
// returns: "/uuid" or "/moof" match top-level boxes, while a nested path
// such as "/moof/traf/tfhd" matches only a top-level "tfhd" box, since
// this walker does not parse box bodies.
type ExclusionRule struct {
	XPath  string
	Length *uint32 // if set, only the first Length bytes of the match are excluded
}

// ExclusionsToRanges converts declarative exclusion rules into concrete,
// sorted, non-overlapping byte ranges for the boxes present in boxes. In
// v2 mode the entire C2PA uuid box is always excluded, regardless of
// whether a rule names it explicitly.
func ExclusionsToRanges(boxes []Box, rules []ExclusionRule, v2 bool) []ExclusionRange {
	var ranges []ExclusionRange

	if v2 {
		for _, b := range boxes {
			if b.IsC2PA {
				ranges = append(ranges, ExclusionRange{Offset: b.Offset, Length: b.Size})
			}
		}
	}

	for _, rule := range rules {
		leaf := lastPathElement(rule.XPath)
		for _, b := range boxes {
			if b.Path != leaf {
				continue
			}
			length := b.Size
			if rule.Length != nil && uint64(*rule.Length) < length {
				length = uint64(*rule.Length)
			}
			ranges = append(ranges, ExclusionRange{Offset: b.Offset, Length: length})
		}
	}

	return coalesce(ranges)
}

func lastPathElement(xpath string) string {
	parts := strings.Split(strings.Trim(xpath, "/"), "/")
	return parts[len(parts)-1]
}

// coalesce sorts ranges by offset and merges overlapping or duplicate
// ranges, matching the invariant that exclusions passed to the hasher
// must be sorted and non-overlapping.
func coalesce(ranges []ExclusionRange) []ExclusionRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Offset < ranges[j].Offset
	})

	out := make([]ExclusionRange, 0, len(ranges))
	cur := ranges[0]
	for _, r := range ranges[1:] {
		if r.Offset <= cur.End() {
			if r.End() > cur.End() {
				cur.Length = r.End() - cur.Offset
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}

// WalkAndExclude is a convenience that walks r's box framing and resolves
// rules against it in one call.
func WalkAndExclude(r io.ReadSeeker, rules []ExclusionRule, v2 bool) ([]ExclusionRange, error) {
	boxes, err := Walk(r)
	if err != nil {
		return nil, err
	}
	return ExclusionsToRanges(boxes, rules, v2), nil
}
