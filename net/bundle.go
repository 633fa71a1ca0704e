package net

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Bundle is a completed run of elements received on a channel.
type Bundle struct {
	Elements []Element
	// Group is the group sequence of a fragmented bundle.
	Group uint32
	// Fragments is the number of packets the bundle arrived in.
	Fragments int
}

func (b *Bundle) String() string {
	return fmt.Sprintf("Bundle{elements: %d, fragments: %d}", len(b.Elements), b.Fragments)
}

// Builder accumulates elements to be sent as one bundle. Elements are
// serialized as they are added, so errors surface at the offending call.
type Builder struct {
	table      *SchemaTable
	maxPayload int

	buf   []byte
	count int
	ended bool
}

// NewBuilder returns an empty builder. maxPayload bounds the payload of each
// packet Finish produces.
func NewBuilder(table *SchemaTable, maxPayload int) *Builder {
	return &Builder{table: table, maxPayload: maxPayload}
}

// Len returns the serialized size of the elements added so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Count returns the number of elements added so far.
func (b *Builder) Count() int {
	return b.count
}

// Add appends a fully populated element.
func (b *Builder) Add(e Element) error {
	if b.ended {
		return errors.Errorf("opcode 0x%02x: bundle already ends with a to-end element", e.Opcode)
	}
	buf, err := WriteElement(b.buf, e, b.table)
	if err != nil {
		return err
	}
	b.buf = buf
	b.count++
	if s, _ := b.table.Lookup(e.Opcode); s.Kind == KindToEnd {
		b.ended = true
	}
	return nil
}

// AddElement appends an element that carries no reply id.
func (b *Builder) AddElement(op uint8, body []byte) error {
	if s, ok := b.table.Lookup(op); ok && s.Reply {
		return errors.Errorf("opcode 0x%02x requires a reply id", op)
	}
	return b.Add(Element{Opcode: op, Body: body})
}

// AddRequest appends a reply-bearing element. The peer answers it with a reply
// element carrying the same id.
func (b *Builder) AddRequest(op uint8, replyID uint32, body []byte) error {
	if s, ok := b.table.Lookup(op); ok && !s.Reply {
		return errors.Errorf("opcode 0x%02x does not carry a reply id", op)
	}
	return b.Add(Element{Opcode: op, ReplyID: replyID, HasReplyID: true, Body: body})
}

// AddReply appends the answer to the request identified by replyID.
func (b *Builder) AddReply(replyID uint32, body []byte) error {
	return b.AddRequest(ReplyOpcode, replyID, body)
}

// Finish slices the bundle into packets for c and resets the builder. The
// payloads are encrypted once c has an established session. Multi-packet bundles carry
// fragment fields whose group is the sequence number of the first packet.
func (b *Builder) Finish(c *Channel) ([]*Packet, error) {
	chunk := b.maxPayload
	if cph := sendCipher(c.session); cph != nil {
		chunk = cph.MaxPlainLen(b.maxPayload)
	}
	if chunk <= 0 {
		return nil, errors.Errorf("max payload %d leaves no room for data", b.maxPayload)
	}

	n := 1
	if len(b.buf) > chunk {
		n = (len(b.buf) + chunk - 1) / chunk
	}
	if n > math.MaxUint16 {
		return nil, errors.Wrapf(ErrTooLarge, "bundle of %d bytes needs %d fragments", len(b.buf), n)
	}

	// The largest packet is one full chunk; it must fit before any sequence
	// number is spent.
	flags := FlagSequence
	if n > 1 {
		flags |= FlagFragment
	}
	if c.cfg.Index != nil {
		flags |= FlagIndexedChannel
	}
	if c.cfg.Checksum {
		flags |= FlagChecksum
	}
	largest := min(chunk, len(b.buf))
	if cph := sendCipher(c.session); cph != nil {
		largest = cph.SealedLen(largest)
	}
	if size := packetOverhead(flags) + largest; size > PacketCap {
		return nil, errors.Wrapf(ErrTooLarge, "packets of %d bytes exceed cap %d", size, PacketCap)
	}

	first := c.seq.Alloc(uint32(n))
	packets := make([]*Packet, 0, n)
	for i := 0; i < n; i++ {
		lo := i * chunk
		hi := min(lo+chunk, len(b.buf))

		p := &Packet{
			Sequence: Uint32(uint32(first.Add(uint32(i)))),
			Channel:  c.cfg.Index,
			Checksum: c.cfg.Checksum,
		}
		if n > 1 {
			p.Fragment = &Fragment{Group: uint32(first), Index: uint16(i), Count: uint16(n)}
		}
		if i == 0 && c.cfg.Index != nil && !c.createSent {
			p.CreateChannel = true
			c.createSent = true
		}
		p.Payload, p.Encrypted = c.sealPayload(b.buf[lo:hi])
		packets = append(packets, p)
	}

	b.buf = b.buf[:0]
	b.count = 0
	b.ended = false
	return packets, nil
}
