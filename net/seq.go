package net

// Seq is a packet sequence number. Sequence numbers live in a 28-bit space
// and wrap; comparisons are made on the wrapped distance.
type Seq uint32

const (
	seqSize = 0x1000_0000
	seqMask = seqSize - 1
)

// Add returns s advanced by n, wrapped.
func (s Seq) Add(n uint32) Seq {
	return Seq((uint32(s) + n) & seqMask)
}

// Sub returns the wrapped distance from o to s.
func (s Seq) Sub(o Seq) uint32 {
	return (uint32(s) - uint32(o)) & seqMask
}

// Less reports whether s comes before o, taking wrapping into account.
func (s Seq) Less(o Seq) bool {
	return s != o && o.Sub(s) < seqSize/2
}

// SeqAllocator hands out consecutive sequence numbers.
type SeqAllocator struct {
	next Seq
}

// NewSeqAllocator returns an allocator whose first number is first.
func NewSeqAllocator(first Seq) *SeqAllocator {
	return &SeqAllocator{next: first & seqMask}
}

// Alloc reserves n consecutive numbers and returns the first one.
func (a *SeqAllocator) Alloc(n uint32) Seq {
	first := a.next
	a.next = a.next.Add(n)
	return first
}

// Peek returns the number the next Alloc will return.
func (a *SeqAllocator) Peek() Seq {
	return a.next
}
