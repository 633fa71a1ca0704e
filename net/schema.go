package net

import (
	"fmt"

	"github.com/pkg/errors"
)

// LengthKind describes how an element's body length is delimited on the wire.
type LengthKind uint8

const (
	kindUnregistered LengthKind = iota
	// KindFixed bodies always have the schema's Size, no prefix is written.
	KindFixed
	// KindVar1 to KindVar4 bodies are prefixed by an unsigned little-endian
	// length of 1 to 4 bytes.
	KindVar1
	KindVar2
	KindVar3
	KindVar4
	// KindToEnd bodies extend to the end of the bundle. Only legal as the last
	// element of a bundle.
	KindToEnd
)

func (k LengthKind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindVar1:
		return "var1"
	case KindVar2:
		return "var2"
	case KindVar3:
		return "var3"
	case KindVar4:
		return "var4"
	case KindToEnd:
		return "toend"
	default:
		return fmt.Sprintf("LengthKind(%d)", uint8(k))
	}
}

// prefixLen is the size of the length prefix written before the body.
func (k LengthKind) prefixLen() int {
	switch k {
	case KindVar1:
		return 1
	case KindVar2:
		return 2
	case KindVar3:
		return 3
	case KindVar4:
		return 4
	default:
		return 0
	}
}

// maxLen is the largest length the prefix can represent.
func (k LengthKind) maxLen() uint64 {
	switch k {
	case KindVar1:
		return 1<<8 - 1
	case KindVar2:
		return 1<<16 - 1
	case KindVar3:
		return 1<<24 - 1
	case KindVar4:
		return 1<<32 - 1
	default:
		return 1<<63 - 1
	}
}

// ParseLengthKind is the inverse of LengthKind.String.
func ParseLengthKind(s string) (LengthKind, error) {
	for k := KindFixed; k <= KindToEnd; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return kindUnregistered, errors.Errorf("unknown length kind %q", s)
}

// Schema describes how one opcode is laid out.
type Schema struct {
	Kind LengthKind
	// Size is the body length of a KindFixed element, not counting the reply
	// id.
	Size int
	// Reply marks the element as reply-bearing: a u32 reply id immediately
	// precedes the body.
	Reply bool
}

var (
	Var1  = Schema{Kind: KindVar1}
	Var2  = Schema{Kind: KindVar2}
	Var3  = Schema{Kind: KindVar3}
	Var4  = Schema{Kind: KindVar4}
	ToEnd = Schema{Kind: KindToEnd}
)

// Fixed returns the schema of an element whose body is always n bytes.
func Fixed(n int) Schema {
	return Schema{Kind: KindFixed, Size: n}
}

// WithReply returns a copy of s that carries a reply id.
func (s Schema) WithReply() Schema {
	s.Reply = true
	return s
}

func (s Schema) String() string {
	str := s.Kind.String()
	if s.Kind == KindFixed {
		str = fmt.Sprintf("fixed(%d)", s.Size)
	}
	if s.Reply {
		str += "+reply"
	}
	return str
}

// Reserved opcodes, present in every SchemaTable.
const (
	// ReplyOpcode carries a reply to an earlier request; the reply id names
	// the request.
	ReplyOpcode uint8 = 0xFF
	// HandshakeOpcode carries a session key encrypted for the peer's public key.
	HandshakeOpcode uint8 = 0xFE
	// HandshakeAckOpcode confirms the session key; it is sent encrypted.
	HandshakeAckOpcode uint8 = 0xFD
)

// HandshakeNonceLen is the body size of a handshake ack.
const HandshakeNonceLen = 4

func reservedSchema(op uint8) (Schema, bool) {
	switch op {
	case ReplyOpcode:
		return Var4.WithReply(), true
	case HandshakeOpcode:
		return Var2, true
	case HandshakeAckOpcode:
		return Fixed(HandshakeNonceLen), true
	}
	return Schema{}, false
}

// SchemaTable maps each opcode to its schema. It is built once per protocol
// version and shared read-only by every channel using it.
type SchemaTable struct {
	entries [256]Schema
}

// NewSchemaTable returns a table holding only the reserved opcodes.
func NewSchemaTable() *SchemaTable {
	t := &SchemaTable{}
	for _, op := range []uint8{ReplyOpcode, HandshakeOpcode, HandshakeAckOpcode} {
		t.entries[op], _ = reservedSchema(op)
	}
	return t
}

// Register assigns a schema to an opcode.
func (t *SchemaTable) Register(op uint8, s Schema) error {
	if _, ok := reservedSchema(op); ok {
		return errors.Errorf("opcode 0x%02x is reserved", op)
	}
	if s.Kind < KindFixed || s.Kind > KindToEnd {
		return errors.Errorf("opcode 0x%02x: invalid length kind %v", op, s.Kind)
	}
	if s.Kind == KindFixed && s.Size < 0 {
		return errors.Errorf("opcode 0x%02x: negative fixed size %d", op, s.Size)
	}
	t.entries[op] = s
	return nil
}

// MustRegister is like Register but panics on error. Intended for tables
// built from constants.
func (t *SchemaTable) MustRegister(op uint8, s Schema) *SchemaTable {
	if err := t.Register(op, s); err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the schema registered for op.
func (t *SchemaTable) Lookup(op uint8) (Schema, bool) {
	s := t.entries[op]
	return s, s.Kind != kindUnregistered
}

// Opcodes lists the registered opcodes in ascending order.
func (t *SchemaTable) Opcodes() []uint8 {
	var ops []uint8
	for op := range t.entries {
		if t.entries[op].Kind != kindUnregistered {
			ops = append(ops, uint8(op))
		}
	}
	return ops
}
