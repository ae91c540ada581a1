// Package rangeset tracks sets of byte offsets as sorted, merged
// half-open intervals.
package rangeset

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Whole is the range that covers every offset of any blob. It is
// clipped to the blob size wherever a size is known.
var Whole = Range{Start: 0, End: math.MaxUint64}

var (
	ErrInvalidRange  = errors.New("invalid range")
	ErrTooManyRanges = errors.New("too many ranges")
)

// Range is the half-open byte interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in r.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether r contains no bytes.
func (r Range) Empty() bool { return r.End <= r.Start }

// Clip restricts r to [0, size).
func (r Range) Clip(size uint64) Range {
	if r.End > size {
		r.End = size
	}
	if r.Start > r.End {
		r.Start = r.End
	}
	return r
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// RangeSet is an ordered set of disjoint, non-adjacent ranges. The zero
// value is an empty set ready to use. Methods that return a RangeSet
// never alias the receiver's storage.
type RangeSet struct {
	ranges []Range
}

// New builds a canonical set from arbitrary, possibly overlapping ranges.
func New(ranges ...Range) RangeSet {
	return normalize(append([]Range(nil), ranges...))
}

// normalize sorts ranges in place and merges overlapping and touching
// neighbours. It takes ownership of ranges.
func normalize(ranges []Range) RangeSet {
	out := ranges[:0]
	for _, r := range ranges {
		if !r.Empty() {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return RangeSet{}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Start < out[b].Start })
	merged := out[:1]
	for _, r := range out[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		merged = append(merged, r)
	}
	return RangeSet{ranges: merged}
}

// Clone returns an independent copy of s.
func (s RangeSet) Clone() RangeSet {
	if len(s.ranges) == 0 {
		return RangeSet{}
	}
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return RangeSet{ranges: out}
}

// Ranges returns a copy of the canonical intervals in ascending order.
func (s RangeSet) Ranges() []Range {
	return s.Clone().ranges
}

// IsEmpty reports whether s contains no bytes.
func (s RangeSet) IsEmpty() bool { return len(s.ranges) == 0 }

// Len returns the total number of bytes covered by s.
func (s RangeSet) Len() uint64 {
	var n uint64
	for _, r := range s.ranges {
		n += r.Len()
	}
	return n
}

// Insert adds r to the set, merging overlapping and touching neighbours.
func (s *RangeSet) Insert(r Range) {
	if r.Empty() {
		return
	}
	// First range whose end reaches r.Start (touching counts).
	i := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].End >= r.Start })
	// First range that starts strictly after r.End.
	j := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].Start > r.End })

	if i < j {
		if s.ranges[i].Start < r.Start {
			r.Start = s.ranges[i].Start
		}
		if s.ranges[j-1].End > r.End {
			r.End = s.ranges[j-1].End
		}
	}

	merged := make([]Range, 0, len(s.ranges)-(j-i)+1)
	merged = append(merged, s.ranges[:i]...)
	merged = append(merged, r)
	merged = append(merged, s.ranges[j:]...)
	s.ranges = merged
}

// Contains reports whether the byte at off is in the set.
func (s RangeSet) Contains(off uint64) bool {
	return s.Covered(Range{Start: off, End: off + 1})
}

// Covered reports whether every byte of r is in the set. An empty range
// is always covered.
func (s RangeSet) Covered(r Range) bool {
	if r.Empty() {
		return true
	}
	i := sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].End > r.Start })
	if i == len(s.ranges) {
		return false
	}
	return s.ranges[i].Start <= r.Start && s.ranges[i].End >= r.End
}

// CoversSet reports whether every byte of other is in s.
func (s RangeSet) CoversSet(other RangeSet) bool {
	for _, r := range other.ranges {
		if !s.Covered(r) {
			return false
		}
	}
	return true
}

// Union returns the set of bytes present in either s or other.
func (s RangeSet) Union(other RangeSet) RangeSet {
	all := make([]Range, 0, len(s.ranges)+len(other.ranges))
	all = append(all, s.ranges...)
	all = append(all, other.ranges...)
	return normalize(all)
}

// Intersect returns the set of bytes present in both s and other.
func (s RangeSet) Intersect(other RangeSet) RangeSet {
	var out RangeSet
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		lo := max(a.Start, b.Start)
		hi := min(a.End, b.End)
		if lo < hi {
			out.ranges = append(out.ranges, Range{Start: lo, End: hi})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	return out
}

// Complement returns [0, size) minus s.
func (s RangeSet) Complement(size uint64) RangeSet {
	var out RangeSet
	var cursor uint64
	for _, r := range s.ranges {
		if r.Start >= size {
			break
		}
		if r.Start > cursor {
			out.ranges = append(out.ranges, Range{Start: cursor, End: r.Start})
		}
		cursor = r.End
	}
	if cursor < size {
		out.ranges = append(out.ranges, Range{Start: cursor, End: size})
	}
	return out
}

// Clip restricts every range in s to [0, size).
func (s RangeSet) Clip(size uint64) RangeSet {
	return s.Intersect(RangeSet{ranges: []Range{{Start: 0, End: size}}})
}

// Missing returns the bytes of want, clipped to [0, size), that are not
// yet in s. This is the request a resuming receiver sends.
func (s RangeSet) Missing(want RangeSet, size uint64) RangeSet {
	return want.Clip(size).Intersect(s.Complement(size))
}

// IsComplete reports whether s covers [0, size).
func (s RangeSet) IsComplete(size uint64) bool {
	return s.Covered(Range{Start: 0, End: size})
}

// AlignToChunks widens every range outward to chunk boundaries and clips
// the result to [0, size).
func (s RangeSet) AlignToChunks(chunkSize, size uint64) RangeSet {
	out := make([]Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		start := r.Start / chunkSize * chunkSize
		end := r.End
		if rem := end % chunkSize; rem != 0 && end < math.MaxUint64-chunkSize {
			end += chunkSize - rem
		}
		out = append(out, Range{Start: start, End: end}.Clip(size))
	}
	return normalize(out)
}

// Equal reports whether s and other hold exactly the same bytes.
func (s RangeSet) Equal(other RangeSet) bool {
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i := range s.ranges {
		if s.ranges[i] != other.ranges[i] {
			return false
		}
	}
	return true
}

// String renders s as comma separated "start-end" pairs, e.g.
// "0-1024,4096-8192". The empty set renders as "".
func (s RangeSet) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Parse reads the form produced by String. Ranges may arrive unsorted or
// overlapping; the result is canonical.
func Parse(text string) (RangeSet, error) {
	return ParseLimit(text, 0)
}

// ParseLimit is Parse for untrusted input: more than limit ranges is
// ErrTooManyRanges. A limit of zero means no limit.
func ParseLimit(text string, limit int) (RangeSet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return RangeSet{}, nil
	}
	count := strings.Count(text, ",") + 1
	if limit > 0 && count > limit {
		return RangeSet{}, fmt.Errorf("%w: %d, at most %d", ErrTooManyRanges, count, limit)
	}
	ranges := make([]Range, 0, count)
	for _, part := range strings.Split(text, ",") {
		bounds := strings.SplitN(strings.TrimSpace(part), "-", 2)
		if len(bounds) != 2 {
			return RangeSet{}, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
		start, err := strconv.ParseUint(bounds[0], 10, 64)
		if err != nil {
			return RangeSet{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, part, err)
		}
		end, err := strconv.ParseUint(bounds[1], 10, 64)
		if err != nil {
			return RangeSet{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, part, err)
		}
		if end < start {
			return RangeSet{}, fmt.Errorf("%w: %q ends before it starts", ErrInvalidRange, part)
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return normalize(ranges), nil
}

// MarshalText implements encoding.TextMarshaler.
func (s RangeSet) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RangeSet) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
