package transport

// assembler reorders bytes arriving out of order on a stream, indexed by
// absolute offset. It keeps disjoint, non-overlapping segments sorted
// by offset and serves in-order reads from the front as well as
// arbitrary out-of-order reads.
type assembler struct {
	segments []segment
}

type segment struct {
	offset uint64
	data   []byte
}

// insert adds data starting at offset, clipping away any part that
// overlaps bytes already buffered (duplicate retransmissions are
// expected and must be idempotent).
// It walks the new span left to right, carving out the sub-intervals
// not already covered by an existing segment and inserting each of
// those disjointly.
func (a *assembler) insert(base uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	end := base + uint64(len(data))
	cursor := base
	i := 0
	for cursor < end {
		for i < len(a.segments) && a.segments[i].offset+uint64(len(a.segments[i].data)) <= cursor {
			i++
		}
		if i >= len(a.segments) || a.segments[i].offset >= end {
			a.insertDisjoint(cursor, data[cursor-base:end-base])
			return
		}
		if a.segments[i].offset > cursor {
			gapEnd := a.segments[i].offset
			a.insertDisjoint(cursor, data[cursor-base:gapEnd-base])
			cursor = gapEnd
			continue
		}
		// cursor falls inside segment i: skip past its covered range.
		cursor = a.segments[i].offset + uint64(len(a.segments[i].data))
		i++
	}
}

func (a *assembler) insertDisjoint(offset uint64, data []byte) {
	i := 0
	for i < len(a.segments) && a.segments[i].offset < offset {
		i++
	}
	a.segments = append(a.segments, segment{})
	copy(a.segments[i+1:], a.segments[i:])
	buf := make([]byte, len(data))
	copy(buf, data)
	a.segments[i] = segment{offset: offset, data: buf}
}

// read copies the next contiguous run of bytes starting at readOffset
// into buf, returning the number of bytes copied. It drains across
// multiple buffered segments if they are contiguous.
func (a *assembler) read(readOffset uint64, buf []byte) int {
	n := 0
	for len(a.segments) > 0 && a.segments[0].offset == readOffset && n < len(buf) {
		s := &a.segments[0]
		m := copy(buf[n:], s.data)
		n += m
		readOffset += uint64(m)
		if m == len(s.data) {
			a.segments = a.segments[1:]
		} else {
			s.data = s.data[m:]
			s.offset = readOffset
			break
		}
	}
	return n
}

// readable reports whether a contiguous run is available starting at
// readOffset.
func (a *assembler) readable(readOffset uint64) bool {
	return len(a.segments) > 0 && a.segments[0].offset == readOffset
}

// readUnordered pops an arbitrary ready segment, returning its absolute
// offset and data, for callers that don't need strict ordering.
func (a *assembler) readUnordered() (uint64, []byte, bool) {
	if len(a.segments) == 0 {
		return 0, nil, false
	}
	s := a.segments[0]
	a.segments = a.segments[1:]
	return s.offset, s.data, true
}

func (a *assembler) empty() bool {
	return len(a.segments) == 0
}
