package net

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"strings"

	"github.com/pkg/errors"
)

const (
	// PacketCap is the largest datagram we send or accept: a 1500 byte MTU
	// minus the IPv4 and UDP headers.
	PacketCap = 1500 - 28

	// PacketHeaderLen is the flags byte plus the u16 payload length.
	PacketHeaderLen = 1 + 2

	checksumLen = 4
)

// PacketFlags declares which optional fields follow the packet header. The
// flag bits are listed in catalog order: fields are laid out on the wire in
// the same order as their bits, lowest first, and the checksum always comes
// last, after the payload.
type PacketFlags uint8

const (
	FlagReliable       PacketFlags = 1 << iota // marker
	FlagSequence                               // sequence u32
	FlagFragment                               // group u32, index u16, count u16
	FlagAck                                    // cumulative ack u32
	FlagIndexedChannel                         // channel index u32, version u32
	FlagCreateChannel                          // marker
	FlagEncrypted                              // marker; payload is ciphertext
	FlagChecksum                               // adler32 u32, trails the payload
)

var flagNames = [8]string{"RELI", "SEQN", "FRAG", "CUMU", "INDX", "CREA", "ENCR", "CSUM"}

func (f PacketFlags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for i, name := range flagNames {
		if f&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// Fragment locates a packet within a multi-packet bundle. All fragments of a
// bundle share the same Group, which is the sequence number of fragment 0.
type Fragment struct {
	Group uint32
	Index uint16
	Count uint16
}

// ChannelIndex identifies an indexed channel. Neither value may be zero.
type ChannelIndex struct {
	Index   uint32
	Version uint32
}

// Packet is a decoded datagram. Optional fields are present when non-nil (or
// true, for markers); the flags byte is derived from them and never stored, so
// the header cannot disagree with the fields that follow it.
type Packet struct {
	Reliable      bool
	Sequence      *uint32
	Fragment      *Fragment
	CumulativeAck *uint32
	Channel       *ChannelIndex
	CreateChannel bool
	Encrypted     bool
	// Checksum requests a trailing adler32 on encode. On decode it reports that
	// one was present and valid.
	Checksum bool

	Payload []byte
}

// Uint32 returns a pointer to v, for populating optional packet fields.
func Uint32(v uint32) *uint32 {
	return &v
}

// Flags derives the flags byte from the populated fields.
func (p *Packet) Flags() PacketFlags {
	var f PacketFlags
	if p.Reliable {
		f |= FlagReliable
	}
	if p.Sequence != nil {
		f |= FlagSequence
	}
	if p.Fragment != nil {
		f |= FlagFragment
	}
	if p.CumulativeAck != nil {
		f |= FlagAck
	}
	if p.Channel != nil {
		f |= FlagIndexedChannel
	}
	if p.CreateChannel {
		f |= FlagCreateChannel
	}
	if p.Encrypted {
		f |= FlagEncrypted
	}
	if p.Checksum {
		f |= FlagChecksum
	}
	return f
}

// overhead returns the encoded length of everything except the payload.
func (p *Packet) overhead() int {
	return packetOverhead(p.Flags())
}

func packetOverhead(f PacketFlags) int {
	n := PacketHeaderLen
	if f&FlagSequence != 0 {
		n += 4
	}
	if f&FlagFragment != 0 {
		n += 4 + 2 + 2
	}
	if f&FlagAck != 0 {
		n += 4
	}
	if f&FlagIndexedChannel != 0 {
		n += 4 + 4
	}
	if f&FlagChecksum != 0 {
		n += checksumLen
	}
	return n
}

// Len returns the encoded length of the packet.
func (p *Packet) Len() int {
	return p.overhead() + len(p.Payload)
}

// Encode serializes the packet.
func (p *Packet) Encode() ([]byte, error) {
	n := p.Len()
	if n > PacketCap {
		return nil, errors.Wrapf(ErrTooLarge, "packet of %d bytes exceeds cap %d", n, PacketCap)
	}
	if p.Fragment != nil && (p.Fragment.Count == 0 || p.Fragment.Index >= p.Fragment.Count) {
		return nil, errors.Wrapf(ErrCorrupt, "fragment %d of %d", p.Fragment.Index, p.Fragment.Count)
	}
	if p.Channel != nil && (p.Channel.Index == 0 || p.Channel.Version == 0) {
		return nil, errors.Wrapf(ErrCorrupt, "channel index %d version %d", p.Channel.Index, p.Channel.Version)
	}

	buf := make([]byte, 0, n)
	buf = append(buf, byte(p.Flags()))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Payload)))
	if p.Sequence != nil {
		buf = binary.LittleEndian.AppendUint32(buf, *p.Sequence)
	}
	if p.Fragment != nil {
		buf = binary.LittleEndian.AppendUint32(buf, p.Fragment.Group)
		buf = binary.LittleEndian.AppendUint16(buf, p.Fragment.Index)
		buf = binary.LittleEndian.AppendUint16(buf, p.Fragment.Count)
	}
	if p.CumulativeAck != nil {
		buf = binary.LittleEndian.AppendUint32(buf, *p.CumulativeAck)
	}
	if p.Channel != nil {
		buf = binary.LittleEndian.AppendUint32(buf, p.Channel.Index)
		buf = binary.LittleEndian.AppendUint32(buf, p.Channel.Version)
	}
	buf = append(buf, p.Payload...)
	if p.Checksum {
		buf = binary.LittleEndian.AppendUint32(buf, adler32.Checksum(buf))
	}
	return buf, nil
}

// DecodePacket parses a datagram. The flags byte is authoritative: exactly the
// fields it declares are read, in catalog order. The returned packet does not
// alias b.
func DecodePacket(b []byte) (*Packet, error) {
	c := cursor{buf: b}

	fb, err := c.u8("flags")
	if err != nil {
		return nil, err
	}
	flags := PacketFlags(fb)
	payloadLen, err := c.u16("payload length")
	if err != nil {
		return nil, err
	}

	p := &Packet{
		Reliable:      flags&FlagReliable != 0,
		CreateChannel: flags&FlagCreateChannel != 0,
		Encrypted:     flags&FlagEncrypted != 0,
	}

	if flags&FlagSequence != 0 {
		v, err := c.u32("sequence")
		if err != nil {
			return nil, err
		}
		p.Sequence = &v
	}
	if flags&FlagFragment != 0 {
		var fr Fragment
		if fr.Group, err = c.u32("fragment group"); err != nil {
			return nil, err
		}
		if fr.Index, err = c.u16("fragment index"); err != nil {
			return nil, err
		}
		if fr.Count, err = c.u16("fragment count"); err != nil {
			return nil, err
		}
		p.Fragment = &fr
	}
	if flags&FlagAck != 0 {
		v, err := c.u32("cumulative ack")
		if err != nil {
			return nil, err
		}
		p.CumulativeAck = &v
	}
	if flags&FlagIndexedChannel != 0 {
		var ci ChannelIndex
		if ci.Index, err = c.u32("channel index"); err != nil {
			return nil, err
		}
		if ci.Version, err = c.u32("channel version"); err != nil {
			return nil, err
		}
		p.Channel = &ci
	}

	payload, err := c.take(int(payloadLen), "payload")
	if err != nil {
		return nil, err
	}

	if flags&FlagChecksum != 0 {
		end := c.off
		want, err := c.u32("checksum")
		if err != nil {
			return nil, err
		}
		if got := adler32.Checksum(b[:end]); got != want {
			return nil, errors.Wrapf(ErrCorrupt, "checksum %08x; want %08x", got, want)
		}
		p.Checksum = true
	}

	if c.remaining() != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "%d trailing bytes after packet", c.remaining())
	}
	if p.Fragment != nil && (p.Fragment.Count == 0 || p.Fragment.Index >= p.Fragment.Count) {
		return nil, errors.Wrapf(ErrCorrupt, "fragment %d of %d", p.Fragment.Index, p.Fragment.Count)
	}
	if p.Channel != nil && (p.Channel.Index == 0 || p.Channel.Version == 0) {
		return nil, errors.Wrapf(ErrCorrupt, "channel index %d version %d", p.Channel.Index, p.Channel.Version)
	}

	if len(payload) > 0 {
		p.Payload = append([]byte(nil), payload...)
	}
	return p, nil
}

func (p *Packet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Packet{flags: %s", p.Flags())
	if p.Sequence != nil {
		fmt.Fprintf(&sb, ", seq: %d", *p.Sequence)
	}
	if p.Fragment != nil {
		fmt.Fprintf(&sb, ", group: %d, frag: %d/%d", p.Fragment.Group, p.Fragment.Index, p.Fragment.Count)
	}
	if p.CumulativeAck != nil {
		fmt.Fprintf(&sb, ", ack: %d", *p.CumulativeAck)
	}
	if p.Channel != nil {
		fmt.Fprintf(&sb, ", channel: %d v%d", p.Channel.Index, p.Channel.Version)
	}
	fmt.Fprintf(&sb, ", payload: %d bytes}", len(p.Payload))
	return sb.String()
}
