package net

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Element is one application-level record inside a bundle.
type Element struct {
	Opcode uint8
	Kind   LengthKind
	// ReplyID correlates a request and its reply. It is only carried on the
	// wire when the opcode's schema is reply-bearing, in which case HasReplyID
	// is set on decode.
	ReplyID    uint32
	HasReplyID bool
	Body       []byte
}

// IsReply reports whether e answers an earlier request.
func (e Element) IsReply() bool {
	return e.Opcode == ReplyOpcode
}

// ReplyTo returns the reply element answering req with body.
func ReplyTo(req Element, body []byte) Element {
	return Element{Opcode: ReplyOpcode, ReplyID: req.ReplyID, HasReplyID: true, Body: body}
}

func (e Element) String() string {
	if e.HasReplyID {
		return fmt.Sprintf("Element{0x%02x %v reply:%d body:%d bytes}", e.Opcode, e.Kind, e.ReplyID, len(e.Body))
	}
	return fmt.Sprintf("Element{0x%02x %v body:%d bytes}", e.Opcode, e.Kind, len(e.Body))
}

// ReadElement decodes the element at the start of buf and returns it along with
// the number of bytes it occupied. The returned body does not alias buf.
func ReadElement(buf []byte, table *SchemaTable) (Element, int, error) {
	c := cursor{buf: buf}

	op, err := c.u8("opcode")
	if err != nil {
		return Element{}, 0, err
	}
	s, ok := table.Lookup(op)
	if !ok {
		return Element{}, 0, errors.Wrapf(ErrUnknownOpcode, "opcode 0x%02x", op)
	}

	var n uint64
	switch s.Kind {
	case KindFixed:
		n = uint64(s.Size)
		if s.Reply {
			n += 4
		}
	case KindVar1:
		v, err := c.u8("element length")
		if err != nil {
			return Element{}, 0, err
		}
		n = uint64(v)
	case KindVar2:
		v, err := c.u16("element length")
		if err != nil {
			return Element{}, 0, err
		}
		n = uint64(v)
	case KindVar3:
		v, err := c.u24("element length")
		if err != nil {
			return Element{}, 0, err
		}
		n = uint64(v)
	case KindVar4:
		v, err := c.u32("element length")
		if err != nil {
			return Element{}, 0, err
		}
		n = uint64(v)
	case KindToEnd:
		n = uint64(c.remaining())
	}
	if n > uint64(c.remaining()) {
		return Element{}, 0, errors.Wrapf(ErrTruncated, "opcode 0x%02x declares %d bytes, %d remain", op, n, c.remaining())
	}
	body, _ := c.take(int(n), "element body")

	e := Element{Opcode: op, Kind: s.Kind}
	if s.Reply {
		if len(body) < 4 {
			return Element{}, 0, errors.Wrapf(ErrCorrupt, "opcode 0x%02x: %d bytes cannot hold a reply id", op, len(body))
		}
		e.ReplyID = binary.LittleEndian.Uint32(body)
		e.HasReplyID = true
		body = body[4:]
	}
	if len(body) > 0 {
		e.Body = append([]byte(nil), body...)
	}
	return e, c.off, nil
}

// WriteElement appends the encoding of e to dst.
func WriteElement(dst []byte, e Element, table *SchemaTable) ([]byte, error) {
	s, ok := table.Lookup(e.Opcode)
	if !ok {
		return dst, errors.Wrapf(ErrUnknownOpcode, "opcode 0x%02x", e.Opcode)
	}

	n := uint64(len(e.Body))
	if s.Reply {
		n += 4
	}
	switch s.Kind {
	case KindFixed:
		if len(e.Body) != s.Size {
			return dst, errors.Errorf("opcode 0x%02x: body of %d bytes; fixed size is %d", e.Opcode, len(e.Body), s.Size)
		}
	case KindVar1, KindVar2, KindVar3, KindVar4:
		if n > s.Kind.maxLen() {
			return dst, errors.Wrapf(ErrTooLarge, "opcode 0x%02x: %d bytes do not fit a %v prefix", e.Opcode, n, s.Kind)
		}
	}

	dst = append(dst, e.Opcode)
	switch s.Kind {
	case KindVar1:
		dst = append(dst, byte(n))
	case KindVar2:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(n))
	case KindVar3:
		dst = appendUint24(dst, uint32(n))
	case KindVar4:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(n))
	}
	if s.Reply {
		dst = binary.LittleEndian.AppendUint32(dst, e.ReplyID)
	}
	return append(dst, e.Body...), nil
}

// ReadElements parses a flat run of elements, stopping at the end of buf or
// after a KindToEnd element.
func ReadElements(buf []byte, table *SchemaTable) ([]Element, error) {
	var elems []Element
	for off := 0; off < len(buf); {
		e, n, err := ReadElement(buf[off:], table)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d at offset %d", len(elems), off)
		}
		elems = append(elems, e)
		off += n
		if e.Kind == KindToEnd {
			break
		}
	}
	return elems, nil
}
