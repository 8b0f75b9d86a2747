package transport

import "testing"

func TestRangeSetInsertMerge(t *testing.T) {
	var s RangeSet
	s.InsertOne(5)
	s.InsertOne(3)
	s.InsertOne(4)
	if len(s) != 1 || s[0] != (PacketRange{3, 5}) {
		t.Fatalf("got %v", s)
	}
}

func TestRangeSetInsertDisjoint(t *testing.T) {
	var s RangeSet
	s.InsertOne(1)
	s.InsertOne(10)
	if len(s) != 2 {
		t.Fatalf("expected 2 disjoint ranges, got %v", s)
	}
}

func TestRangeSetInsertOverlap(t *testing.T) {
	var s RangeSet
	s.Insert(1, 5)
	s.Insert(3, 8)
	if len(s) != 1 || s[0] != (PacketRange{1, 8}) {
		t.Fatalf("got %v", s)
	}
}

func TestRangeSetContains(t *testing.T) {
	var s RangeSet
	s.Insert(2, 4)
	s.Insert(10, 12)
	for _, v := range []uint64{2, 3, 4, 10, 11, 12} {
		if !s.Contains(v) {
			t.Fatalf("expected %d to be contained in %v", v, s)
		}
	}
	for _, v := range []uint64{0, 1, 5, 9, 13} {
		if s.Contains(v) {
			t.Fatalf("expected %d to not be contained in %v", v, s)
		}
	}
}

func TestRangeSetRemoveUntil(t *testing.T) {
	var s RangeSet
	s.Insert(0, 3)
	s.Insert(5, 9)
	s.RemoveUntil(6)
	if len(s) != 1 || s[0] != (PacketRange{7, 9}) {
		t.Fatalf("got %v", s)
	}
}

func TestRangeSetSubtract(t *testing.T) {
	var s RangeSet
	s.Insert(0, 10)
	var other RangeSet
	other.Insert(3, 5)
	s.Subtract(other)
	if len(s) != 2 || s[0] != (PacketRange{0, 2}) || s[1] != (PacketRange{6, 10}) {
		t.Fatalf("got %v", s)
	}
}

func TestRangeSetPopMin(t *testing.T) {
	var s RangeSet
	s.Insert(5, 6)
	s.Insert(10, 11)
	r, ok := s.PopMin()
	if !ok || r != (PacketRange{5, 6}) {
		t.Fatalf("got %v %v", r, ok)
	}
	if len(s) != 1 || s[0] != (PacketRange{10, 11}) {
		t.Fatalf("got %v", s)
	}
}

func TestRangeSetMinMax(t *testing.T) {
	var s RangeSet
	if s.Min() != 0 || s.Max() != 0 {
		t.Fatalf("empty set should report 0/0")
	}
	s.Insert(4, 6)
	s.Insert(10, 12)
	if s.Min() != 4 {
		t.Fatalf("expected min 4, got %d", s.Min())
	}
	if s.Max() != 12 {
		t.Fatalf("expected max 12, got %d", s.Max())
	}
}

func TestRangeSetClone(t *testing.T) {
	var s RangeSet
	s.Insert(1, 2)
	c := s.Clone()
	c.InsertOne(100)
	if len(s) != 1 {
		t.Fatalf("original set mutated by clone: %v", s)
	}
}

func TestRangesBelow(t *testing.T) {
	var s RangeSet
	s.Insert(0, 5)
	s.Insert(8, 12)
	out := rangesBelow(s, 10)
	if len(out) != 2 || out[0] != (PacketRange{0, 5}) || out[1] != (PacketRange{8, 9}) {
		t.Fatalf("got %v", out)
	}
}
