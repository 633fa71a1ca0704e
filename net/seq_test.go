package net

import (
	"testing"

	"badc0de.net/pkg/go-bigworld/ttesting"
)

func TestSeqWraps(t *testing.T) {
	s := Seq(0x0FFFFFFF)
	ttesting.AssertEqualUint32(t, "add wraps", uint32(s.Add(1)), 0)
	ttesting.AssertEqualUint32(t, "distance across wrap", Seq(2).Sub(s), 3)
	if !s.Less(Seq(1)) {
		t.Errorf("%d should come before 1", s)
	}
	if Seq(1).Less(s) {
		t.Errorf("1 should not come before %d", s)
	}

	a := NewSeqAllocator(0x0FFFFFFE)
	ttesting.AssertEqualUint32(t, "first", uint32(a.Alloc(3)), 0x0FFFFFFE)
	ttesting.AssertEqualUint32(t, "next", uint32(a.Peek()), 1)
}
