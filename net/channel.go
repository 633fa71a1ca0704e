package net

import (
	"bytes"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

const (
	DefaultFragmentTimeout  = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultMaxBundleSize bounds the reassembled size of an incoming bundle.
	DefaultMaxBundleSize = 1 << 20
	// DefaultMaxPendingGroups bounds the incomplete groups kept per channel.
	DefaultMaxPendingGroups = 32

	// tombstoneFactor is how many fragment timeouts a retired group is
	// remembered for.
	tombstoneFactor = 4
)

var (
	// DefaultMaxPayload is the largest payload that fits in PacketCap with
	// every optional field present.
	DefaultMaxPayload = PacketCap - packetOverhead(FlagSequence|FlagFragment|FlagAck|FlagIndexedChannel|FlagChecksum)
	// DefaultMaxFragments is the fragment count of a DefaultMaxBundleSize
	// bundle sent in DefaultMaxPayload packets.
	DefaultMaxFragments = (DefaultMaxBundleSize + DefaultMaxPayload - 1) / DefaultMaxPayload
)

// ChannelConfig holds per-channel settings. Zero values select defaults.
type ChannelConfig struct {
	Schema           *SchemaTable
	MaxPayload       int
	FragmentTimeout  time.Duration
	HandshakeTimeout time.Duration
	Cipher           CipherKind
	// Checksum adds a trailing checksum to every outgoing packet.
	Checksum bool
	// Index, if set, is stamped on every outgoing packet.
	Index *ChannelIndex
	// FirstSequence is the first outgoing sequence number.
	FirstSequence Seq

	// MaxBundleSize bounds the bytes of one reassembled bundle, and
	// MaxFragments the fragment count a group may announce. Groups beyond
	// either are rejected as corrupt.
	MaxBundleSize int
	MaxFragments  int
	// MaxPendingGroups bounds the incomplete groups held at once. A new
	// group beyond it evicts the oldest one.
	MaxPendingGroups int
}

func (cfg ChannelConfig) withDefaults() ChannelConfig {
	if cfg.Schema == nil {
		cfg.Schema = NewSchemaTable()
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = DefaultFragmentTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = DefaultMaxBundleSize
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = DefaultMaxFragments
	}
	if cfg.MaxPendingGroups <= 0 {
		cfg.MaxPendingGroups = DefaultMaxPendingGroups
	}
	return cfg
}

// Channel is the per-peer state: outgoing sequence numbers, fragment
// reassembly and the session cipher. A Channel is not safe for concurrent
// use; it belongs to the goroutine servicing its peer.
type Channel struct {
	peer string
	cfg  ChannelConfig
	seq  *SeqAllocator

	records map[uint32]*reassembly
	retired map[uint32]retiredGroup
	session session

	createSent   bool
	lastActivity time.Time
}

// NewChannel creates a plain channel for peer.
func NewChannel(peer string, cfg ChannelConfig, now time.Time) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		peer:         peer,
		cfg:          cfg,
		seq:          NewSeqAllocator(cfg.FirstSequence),
		records:      make(map[uint32]*reassembly),
		retired:      make(map[uint32]retiredGroup),
		session:      plainSession{},
		lastActivity: now,
	}
}

func (c *Channel) Peer() string {
	return c.peer
}

func (c *Channel) Schema() *SchemaTable {
	return c.cfg.Schema
}

func (c *Channel) Status() SessionStatus {
	return c.session.status()
}

// Pending returns the number of groups awaiting fragments.
func (c *Channel) Pending() int {
	return len(c.records)
}

// LastActivity returns the time of the last accepted packet.
func (c *Channel) LastActivity() time.Time {
	return c.lastActivity
}

// NextSequence returns the sequence number the next packet will carry.
func (c *Channel) NextSequence() Seq {
	return c.seq.Peek()
}

// NewBuilder returns a builder sized for this channel.
func (c *Channel) NewBuilder() *Builder {
	return NewBuilder(c.cfg.Schema, c.cfg.MaxPayload)
}

// BeginHandshake moves a plain channel to handshaking with the given session
// key. nonce is what the peer must echo back.
func (c *Channel) BeginHandshake(key []byte, nonce uint32, now time.Time) error {
	if st := c.session.status(); st != StatusPlain {
		return errors.Errorf("cannot begin handshake while %v", st)
	}
	cph, err := NewBlockCipher(c.cfg.Cipher, key)
	if err != nil {
		return err
	}
	c.session = &handshakingSession{cipher: cph, nonce: nonce, since: now}
	glog.V(2).Infof("%s: handshaking", c.peer)
	return nil
}

// CompleteHandshake checks the nonce echoed by the peer and establishes the
// session. A wrong nonce means the peer holds a different key.
func (c *Channel) CompleteHandshake(nonce uint32) error {
	hs, ok := c.session.(*handshakingSession)
	if !ok {
		return errors.Errorf("handshake ack while %v", c.session.status())
	}
	if hs.nonce != nonce {
		return errors.Wrapf(ErrDecryptFailed, "handshake nonce %08x; want %08x", nonce, hs.nonce)
	}
	c.session = &establishedSession{cipher: hs.cipher}
	glog.V(2).Infof("%s: session established", c.peer)
	return nil
}

// Establish installs a session key received from the peer. A repeated
// handshake replaces the previous key.
func (c *Channel) Establish(key []byte) error {
	cph, err := NewBlockCipher(c.cfg.Cipher, key)
	if err != nil {
		return err
	}
	c.session = &establishedSession{cipher: cph}
	glog.V(2).Infof("%s: %v session established", c.peer, cph.Kind())
	return nil
}

// isHandshake reports whether p carries nothing but a handshake element. Such
// a packet is the only plaintext an established session accepts: it comes
// from a peer that lost its session and wants a new key.
func (c *Channel) isHandshake(p *Packet) bool {
	if p.Fragment != nil || len(p.Payload) == 0 || p.Payload[0] != HandshakeOpcode {
		return false
	}
	e, n, err := ReadElement(p.Payload, c.cfg.Schema)
	return err == nil && n == len(p.Payload) && e.Opcode == HandshakeOpcode
}

// openPayload returns the plaintext payload of p.
func (c *Channel) openPayload(p *Packet) ([]byte, error) {
	cph := receiveCipher(c.session)
	switch {
	case p.Encrypted && cph == nil:
		return nil, errors.Wrap(ErrCorrupt, "encrypted packet without a session")
	case p.Encrypted:
		return cph.Open(p.Payload)
	case c.session.status() == StatusEstablished && !c.isHandshake(p):
		return nil, errors.Wrap(ErrCorrupt, "plaintext packet on an established session")
	}
	return p.Payload, nil
}

// evictOldest retires the pending group with the lowest sequence.
func (c *Channel) evictOldest(now time.Time) {
	var (
		oldest uint32
		found  bool
	)
	for g := range c.records {
		if !found || Seq(g).Less(Seq(oldest)) {
			oldest, found = g, true
		}
	}
	if !found {
		return
	}
	rec := c.records[oldest]
	delete(c.records, oldest)
	c.retired[oldest] = retiredGroup{at: now, evicted: true}
	glog.V(2).Infof("%s: pending group limit reached, evicted group %d with %d/%d fragments", c.peer, oldest, rec.received(), rec.count())
}

// Accept feeds one received packet into the channel. It returns the completed
// bundle, or nil while the packet's group still misses fragments. Errors
// concern this packet only, unless IsFatal reports otherwise. Only packets
// that pass decryption count as activity.
func (c *Channel) Accept(p *Packet, now time.Time) (*Bundle, error) {
	if p.Fragment == nil {
		payload, err := c.openPayload(p)
		if err != nil {
			return nil, err
		}
		c.lastActivity = now
		elems, err := ReadElements(payload, c.cfg.Schema)
		if err != nil {
			return nil, err
		}
		return &Bundle{Elements: elems, Fragments: 1}, nil
	}

	f := *p.Fragment
	if r, ok := c.retired[f.Group]; ok {
		if r.evicted {
			return nil, errors.Wrapf(ErrStaleFragment, "group %d fragment %d/%d", f.Group, f.Index, f.Count)
		}
		glog.V(2).Infof("%s: late fragment %d/%d of completed group %d", c.peer, f.Index, f.Count, f.Group)
		return nil, nil
	}
	if f.Count == 0 || f.Index >= f.Count {
		return nil, errors.Wrapf(ErrCorrupt, "fragment %d of %d", f.Index, f.Count)
	}
	if int(f.Count) > c.cfg.MaxFragments {
		return nil, errors.Wrapf(ErrCorrupt, "group %d announces %d fragments; limit is %d", f.Group, f.Count, c.cfg.MaxFragments)
	}

	rec, ok := c.records[f.Group]
	if ok && rec.count() != f.Count {
		return nil, errors.Wrapf(ErrCorrupt, "group %d fragment count %d; earlier fragments said %d", f.Group, f.Count, rec.count())
	}
	if ok && rec.has(f.Index) {
		glog.V(2).Infof("%s: duplicate fragment %d/%d of group %d", c.peer, f.Index, f.Count, f.Group)
		return nil, nil
	}

	payload, err := c.openPayload(p)
	if err != nil {
		return nil, err
	}
	c.lastActivity = now
	if !ok {
		if len(c.records) >= c.cfg.MaxPendingGroups {
			c.evictOldest(now)
		}
		rec = newReassembly(f.Count, now)
		c.records[f.Group] = rec
	}
	if rec.size+len(payload) > c.cfg.MaxBundleSize {
		delete(c.records, f.Group)
		c.retired[f.Group] = retiredGroup{at: now, evicted: true}
		return nil, errors.Wrapf(ErrCorrupt, "group %d exceeds %d bytes", f.Group, c.cfg.MaxBundleSize)
	}
	rec.add(f.Index, payload, now)
	if !rec.complete() {
		return nil, nil
	}

	delete(c.records, f.Group)
	c.retired[f.Group] = retiredGroup{at: now}
	glog.V(2).Infof("%s: group %d complete, %d fragments, %d bytes", c.peer, f.Group, f.Count, rec.size)

	elems, err := ReadElements(rec.join(), c.cfg.Schema)
	if err != nil {
		return nil, errors.Wrapf(err, "group %d", f.Group)
	}
	return &Bundle{Elements: elems, Group: f.Group, Fragments: int(f.Count)}, nil
}

// Tick evicts groups that saw no fragment within the fragment timeout and
// forgets old tombstones. It returns the number of evicted groups, and
// ErrHandshakeTimeout if a pending handshake expired.
func (c *Channel) Tick(now time.Time) (int, error) {
	evicted := 0
	for g, rec := range c.records {
		if now.Sub(rec.lastArrival) > c.cfg.FragmentTimeout {
			delete(c.records, g)
			c.retired[g] = retiredGroup{at: now, evicted: true}
			evicted++
			glog.V(2).Infof("%s: evicted group %d with %d/%d fragments", c.peer, g, rec.received(), rec.count())
		}
	}
	keep := tombstoneFactor * c.cfg.FragmentTimeout
	for g, r := range c.retired {
		if now.Sub(r.at) > keep {
			delete(c.retired, g)
		}
	}

	if hs, ok := c.session.(*handshakingSession); ok && now.Sub(hs.since) > c.cfg.HandshakeTimeout {
		return evicted, errors.Wrapf(ErrHandshakeTimeout, "handshaking since %v", hs.since)
	}
	return evicted, nil
}

// Teardown drops every partially assembled bundle and the session key. The
// channel is left plain.
func (c *Channel) Teardown() {
	c.records = make(map[uint32]*reassembly)
	c.retired = make(map[uint32]retiredGroup)
	c.session = plainSession{}
	c.createSent = false
}

// sealPayload returns the payload as it goes on the wire.
func (c *Channel) sealPayload(plain []byte) ([]byte, bool) {
	if cph := sendCipher(c.session); cph != nil {
		return cph.Seal(plain), true
	}
	if len(plain) == 0 {
		return nil, false
	}
	return bytes.Clone(plain), false
}
