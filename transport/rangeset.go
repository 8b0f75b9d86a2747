package transport

import "sort"

// PacketRange is an inclusive interval [Start, End] of packet or byte
// numbers.
type PacketRange struct {
	Start uint64
	End   uint64
}

// RangeSet is a compact, ordered set of non-overlapping, non-adjacent
// intervals. It backs both the received-packet-number tracking used to
// build ACK frames and the received-byte-offset tracking used by stream
// reassembly.
//
// Expressed as a plain sorted slice since Go has no ordered map in the
// standard library and the set rarely holds more than maxAckBlocks
// entries.
type RangeSet []PacketRange

// Insert adds [start, end] to the set, merging with any overlapping or
// adjacent ranges.
func (s *RangeSet) Insert(start, end uint64) {
	if end < start {
		start, end = end, start
	}
	rs := *s
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End+1 >= start })
	if i == len(rs) {
		*s = append(rs, PacketRange{start, end})
		return
	}
	if rs[i].Start > end+1 {
		rs = append(rs, PacketRange{})
		copy(rs[i+1:], rs[i:])
		rs[i] = PacketRange{start, end}
		*s = rs
		return
	}
	if start < rs[i].Start {
		rs[i].Start = start
	}
	if end > rs[i].End {
		rs[i].End = end
	}
	// Merge with any following ranges now overlapping.
	j := i + 1
	for j < len(rs) && rs[j].Start <= rs[i].End+1 {
		if rs[j].End > rs[i].End {
			rs[i].End = rs[j].End
		}
		j++
	}
	rs = append(rs[:i+1], rs[j:]...)
	*s = rs
}

// InsertOne adds a single value to the set.
func (s *RangeSet) InsertOne(v uint64) {
	s.Insert(v, v)
}

// Contains reports whether v lies in any range of the set.
func (s RangeSet) Contains(v uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End >= v })
	return i < len(s) && s[i].Start <= v
}

// RemoveUntil discards every range, or part of a range, at or below v.
func (s *RangeSet) RemoveUntil(v uint64) {
	rs := *s
	i := 0
	for i < len(rs) && rs[i].End <= v {
		i++
	}
	if i < len(rs) && rs[i].Start <= v {
		rs[i].Start = v + 1
	}
	*s = rs[i:]
}

// Subtract removes every value present in other from s.
func (s *RangeSet) Subtract(other RangeSet) {
	if len(other) == 0 {
		return
	}
	var out RangeSet
	for _, r := range *s {
		start := r.Start
		for _, o := range other {
			if o.End < start || o.Start > r.End {
				continue
			}
			if o.Start > start {
				out = append(out, PacketRange{start, o.Start - 1})
			}
			if o.End >= r.End {
				start = r.End + 1
				break
			}
			start = o.End + 1
		}
		if start <= r.End {
			out = append(out, PacketRange{start, r.End})
		}
	}
	*s = out
}

// PopMin removes and returns the lowest range in the set;
// Conn.onPacketAuthenticated calls it to evict the oldest ACK block once
// maxAckBlocks is exceeded (step 5).
func (s *RangeSet) PopMin() (PacketRange, bool) {
	rs := *s
	if len(rs) == 0 {
		return PacketRange{}, false
	}
	r := rs[0]
	*s = rs[1:]
	return r, true
}

// Len returns the number of disjoint ranges.
func (s RangeSet) Len() int {
	return len(s)
}

// Max returns the highest value in the set.
func (s RangeSet) Max() uint64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].End
}

// Min returns the lowest value in the set.
func (s RangeSet) Min() uint64 {
	if len(s) == 0 {
		return 0
	}
	return s[0].Start
}

// Clone returns a deep copy, since the set is frequently handed off to
// be encoded into an ACK frame while the original keeps accumulating.
func (s RangeSet) Clone() RangeSet {
	if s == nil {
		return nil
	}
	out := make(RangeSet, len(s))
	copy(out, s)
	return out
}

// rangesBelow returns the inclusive sub-ranges of s strictly below
// upperExclusive, in ascending order.
func rangesBelow(s RangeSet, upperExclusive uint64) RangeSet {
	var out RangeSet
	for _, r := range s {
		if r.Start >= upperExclusive {
			break
		}
		if r.End >= upperExclusive {
			out = append(out, PacketRange{r.Start, upperExclusive - 1})
		} else {
			out = append(out, r)
		}
	}
	return out
}
