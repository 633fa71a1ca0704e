// Package dump prints protocol traffic as it is seen on the wire: a summary
// line per datagram, then the elements of every bundle it completes.
//
// Each direction of a conversation is reassembled on its own channel. Given
// the responder's private key, a Dumper recovers session keys from the
// handshakes it sees and shows encrypted traffic in the clear.
package dump

import (
	"crypto/rsa"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gookit/color"

	"badc0de.net/pkg/go-bigworld/login"
	bwnet "badc0de.net/pkg/go-bigworld/net"
)

type dumper interface {
	Printf(s string, arg ...interface{})
}

type fmtDumper struct {
	w io.Writer
}

func (d fmtDumper) Printf(s string, arg ...interface{}) {
	fmt.Fprintf(d.w, s, arg...)
}

// Palette has one dumper per kind of output line.
type Palette struct {
	header, element, note, err dumper
}

// PlainPalette writes everything to w without colors.
func PlainPalette(w io.Writer) Palette {
	d := fmtDumper{w}
	return Palette{header: d, element: d, note: d, err: d}
}

// ColorPalette writes to the terminal in 24-bit color.
func ColorPalette() Palette {
	return Palette{
		header:  color.RGB(0x5f, 0xaf, 0xff, false),
		element: color.RGB(0xd0, 0xd0, 0xd0, false),
		note:    color.RGB(0xaf, 0xaf, 0x5f, false),
		err:     color.RGB(0xff, 0x5f, 0x5f, false),
	}
}

// DefaultBodyBytes is how many body bytes are printed per element when the
// terminal width is unknown.
const DefaultBodyBytes = 32

// BodyBytesFor fits the hex body dump into a terminal of the given width.
func BodyBytesFor(columns int) int {
	if columns <= 0 {
		return DefaultBodyBytes
	}
	// An element line spends about 48 columns before the body.
	n := (columns - 48) / 3
	return max(8, min(n, 128))
}

// Counts summarizes what a Dumper has seen.
type Counts struct {
	Datagrams, Bundles, Encrypted, Errors, Sessions int
}

// Dumper prints datagrams. It is safe for concurrent use.
type Dumper struct {
	table *bwnet.SchemaTable
	names map[uint8]string
	out   Palette

	// BodyBytes limits the body bytes printed per element.
	BodyBytes int
	// Key, if set, opens the handshakes of sessions whose responder holds it.
	Key *rsa.PrivateKey
	// Hide lists opcodes whose elements are counted but not printed.
	Hide map[uint8]bool

	mu       sync.Mutex
	flows    map[string]*bwnet.Channel
	lastTick time.Time
	counts   Counts
}

func New(table *bwnet.SchemaTable, names map[uint8]string, out Palette) *Dumper {
	return &Dumper{
		table:     table,
		names:     names,
		out:       out,
		BodyBytes: DefaultBodyBytes,
		flows:     make(map[string]*bwnet.Channel),
	}
}

// Name returns the registered name of op, or "?".
func (d *Dumper) Name(op uint8) string {
	switch op {
	case bwnet.ReplyOpcode:
		return "reply"
	case bwnet.HandshakeOpcode:
		return "handshake"
	case bwnet.HandshakeAckOpcode:
		return "handshake_ack"
	}
	if n, ok := d.names[op]; ok {
		return n
	}
	return "?"
}

func flowKey(src, dst string) string {
	return src + ">" + dst
}

func (d *Dumper) flow(src, dst string, ts time.Time) *bwnet.Channel {
	k := flowKey(src, dst)
	ch, ok := d.flows[k]
	if !ok {
		ch = bwnet.NewChannel(k, bwnet.ChannelConfig{Schema: d.table}, ts)
		d.flows[k] = ch
	}
	return ch
}

// Forget drops the state of both directions between a and b.
func (d *Dumper) Forget(a, b string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.flows, flowKey(a, b))
	delete(d.flows, flowKey(b, a))
}

// Counts returns what has been seen so far.
func (d *Dumper) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

func (d *Dumper) tick(ts time.Time) {
	if ts.Sub(d.lastTick) < time.Second {
		return
	}
	d.lastTick = ts
	for k, ch := range d.flows {
		if n, _ := ch.Tick(ts); n > 0 {
			d.out.note.Printf("%s %s: %d incomplete bundles expired\n", ts.Format(time.RFC3339Nano), k, n)
		}
	}
}

// learn installs the session key of a handshake on both directions.
func (d *Dumper) learn(src, dst string, e bwnet.Element, ts time.Time) {
	if d.Key == nil {
		return
	}
	key, _, err := login.OpenHandshake(d.Key, e)
	if err != nil {
		d.out.err.Printf("  cannot open handshake: %v\n", err)
		return
	}
	for _, ch := range []*bwnet.Channel{d.flow(src, dst, ts), d.flow(dst, src, ts)} {
		if err := ch.Establish(key); err != nil {
			d.out.err.Printf("  %v\n", err)
			return
		}
	}
	d.counts.Sessions++
	d.out.note.Printf("  session key recovered, %s <> %s decrypted from here on\n", src, dst)
}

// Datagram prints one protocol datagram sent from src to dst at ts, and any
// bundle it completes.
func (d *Dumper) Datagram(src, dst string, ts time.Time, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts.Datagrams++
	d.tick(ts)

	d.out.header.Printf("%s %s > %s ", ts.Format(time.RFC3339Nano), src, dst)
	p, err := bwnet.DecodePacket(payload)
	if err != nil {
		d.counts.Errors++
		d.out.err.Printf("%d bytes: %v\n", len(payload), err)
		return
	}
	d.out.header.Printf("%v\n", p)

	ch := d.flow(src, dst, ts)
	if p.Encrypted && ch.Status() == bwnet.StatusPlain {
		d.counts.Encrypted++
		d.out.note.Printf("  encrypted payload, %d bytes\n", len(p.Payload))
		return
	}
	bundle, err := ch.Accept(p, ts)
	if err != nil {
		d.counts.Errors++
		d.out.err.Printf("  %v\n", err)
		return
	}
	if bundle == nil {
		return
	}
	d.counts.Bundles++
	d.out.note.Printf("  bundle: %d elements in %d packets\n", len(bundle.Elements), bundle.Fragments)
	for _, e := range bundle.Elements {
		if e.Opcode == bwnet.HandshakeOpcode {
			defer d.learn(src, dst, e, ts)
		}
		if d.Hide[e.Opcode] {
			continue
		}
		d.element(e)
	}
}

func (d *Dumper) element(e bwnet.Element) {
	s, _ := d.table.Lookup(e.Opcode)
	body := e.Body
	more := ""
	if len(body) > d.BodyBytes {
		body, more = body[:d.BodyBytes], "..."
	}
	reply := ""
	if e.HasReplyID {
		reply = fmt.Sprintf(" reply=%d", e.ReplyID)
	}
	d.out.element.Printf("  0x%02x %-20s %-12v%s [%d] % x%s\n", e.Opcode, d.Name(e.Opcode), s, reply, len(e.Body), body, more)
}

// Summary prints the counts.
func (d *Dumper) Summary() {
	c := d.Counts()
	d.out.note.Printf("%d datagrams, %d bundles, %d sessions opened, %d encrypted, %d errors\n", c.Datagrams, c.Bundles, c.Sessions, c.Encrypted, c.Errors)
}
