package endpoint

import (
	"context"
	"net/netip"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-bigworld/login"
	bwnet "badc0de.net/pkg/go-bigworld/net"
)

// peer is the loop's record of one remote address.
type peer struct {
	addr netip.AddrPort
	ch   *bwnet.Channel
	// waiters are Connect calls waiting for the handshake to finish.
	waiters []chan error
	// requests are Request calls waiting for a reply, by reply id.
	requests map[uint32]*pendingRequest
}

func (p *peer) notify(err error) {
	for _, w := range p.waiters {
		w <- err
	}
	p.waiters = nil
}

func (ep *Endpoint) loop(ctx context.Context) error {
	defer close(ep.stopped)

	ticker := time.NewTicker(ep.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, p := range ep.channels {
				ep.teardown(p, ErrClosed)
			}
			return nil
		case dg := <-ep.inbound:
			ep.receive(ctx, dg, time.Now())
		case cmd := <-ep.commands:
			cmd(time.Now())
		case now := <-ticker.C:
			ep.tick(now)
		}
	}
}

// peer returns the record for addr, creating a plain channel on first
// contact.
func (ep *Endpoint) peer(addr netip.AddrPort, now time.Time) *peer {
	if p, ok := ep.channels[addr]; ok {
		return p
	}
	p := &peer{
		addr:     addr,
		ch:       bwnet.NewChannel(addr.String(), ep.cfg.channelConfig(ep.schema), now),
		requests: make(map[uint32]*pendingRequest),
	}
	ep.channels[addr] = p
	ep.stats.channels.Add(1)
	ep.events.Printf("new channel %v", addr)
	glog.V(1).Infof("new channel %v", addr)
	return p
}

func (ep *Endpoint) teardown(p *peer, reason error) {
	p.ch.Teardown()
	delete(ep.channels, p.addr)
	err := errors.Wrapf(reason, "%v", p.addr)
	p.notify(err)
	for id, r := range p.requests {
		delete(p.requests, id)
		r.finish(result{err: err})
	}
	ep.stats.teardowns.Add(1)
	ep.events.Printf("channel %v torn down: %v", p.addr, reason)
	glog.V(1).Infof("channel %v torn down: %v", p.addr, reason)
}

// packetError reports an error concerning one packet. Only fatal errors
// affect the channel.
func (ep *Endpoint) packetError(p *peer, err error) {
	ep.stats.dropped.Add(1)
	ep.events.Errorf("%v: %v", p.addr, err)
	if bwnet.IsFatal(err) {
		glog.Errorf("%v: %v; tearing down channel", p.addr, err)
		ep.teardown(p, err)
		return
	}
	glog.Errorf("dropped packet from %v: %v", p.addr, err)
}

func (ep *Endpoint) receive(ctx context.Context, dg datagram, now time.Time) {
	ep.stats.received.Add(1)
	if glog.V(3) {
		glog.Infof("%v: received % x", dg.peer, dg.data)
	}

	pkt, err := bwnet.DecodePacket(dg.data)
	if err != nil {
		ep.stats.dropped.Add(1)
		ep.events.Errorf("%v: %v", dg.peer, err)
		glog.Errorf("dropped packet from %v: %v", dg.peer, err)
		return
	}

	p := ep.peer(dg.peer, now)
	bundle, err := p.ch.Accept(pkt, now)
	if err != nil {
		ep.packetError(p, err)
		return
	}
	if bundle == nil {
		return
	}
	glog.V(2).Infof("%v: %v", dg.peer, bundle)

	var app []bwnet.Element
	for _, e := range bundle.Elements {
		if e.IsReply() {
			ep.reply(p, e)
			continue
		}
		if !login.IsHandshake(e) {
			app = append(app, e)
			continue
		}
		if err := ep.handshake(p, e); err != nil {
			ep.packetError(p, err)
			if bwnet.IsFatal(err) {
				return
			}
		}
	}
	if len(app) > 0 {
		ep.deliver(ctx, Delivery{Peer: dg.peer, Elements: app, ep: ep})
	}
}

func (ep *Endpoint) handshake(p *peer, e bwnet.Element) error {
	switch e.Opcode {
	case bwnet.HandshakeOpcode:
		if ep.key == nil {
			return errors.New("handshake received but no private key is configured")
		}
		// On an established channel this is a peer that lost its session
		// and starts over; Respond replaces the key.
		rekey := p.ch.Status() == bwnet.StatusEstablished
		ack, err := login.Respond(p.ch, ep.key.Private, e)
		if err != nil {
			return err
		}
		if rekey {
			ep.stats.rekeys.Add(1)
			glog.V(1).Infof("%v: session re-keyed", p.addr)
		}
		ep.events.Printf("%v: session established as responder", p.addr)
		return ep.send(p, ack)
	case bwnet.HandshakeAckOpcode:
		if err := login.Complete(p.ch, e); err != nil {
			return err
		}
		ep.events.Printf("%v: session established as initiator", p.addr)
		p.notify(nil)
	}
	return nil
}

func (ep *Endpoint) deliver(ctx context.Context, d Delivery) {
	switch ep.cfg.Overflow {
	case OverflowDrop:
		select {
		case ep.deliveries <- d:
			ep.stats.delivered.Add(1)
			return
		default:
		}
	default:
		t := time.NewTimer(ep.cfg.BlockTimeout)
		defer t.Stop()
		select {
		case ep.deliveries <- d:
			ep.stats.delivered.Add(1)
			return
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
	ep.stats.overflow.Add(1)
	err := errors.Wrapf(bwnet.ErrOverflow, "%v: dropped bundle of %d elements", d.Peer, len(d.Elements))
	ep.events.Errorf("%v", err)
	glog.Errorf("%v", err)
}

// send writes elems to p as one bundle.
func (ep *Endpoint) send(p *peer, elems ...bwnet.Element) error {
	b := p.ch.NewBuilder()
	for _, e := range elems {
		if err := b.Add(e); err != nil {
			return errors.Wrapf(err, "%v", p.addr)
		}
	}
	packets, err := b.Finish(p.ch)
	if err != nil {
		return errors.Wrapf(err, "%v", p.addr)
	}
	for _, pkt := range packets {
		raw, err := pkt.Encode()
		if err != nil {
			return errors.Wrapf(err, "%v: encoding %v", p.addr, pkt)
		}
		if _, err := ep.conn.WriteToUDPAddrPort(raw, p.addr); err != nil {
			return errors.Wrapf(err, "%v: writing", p.addr)
		}
		ep.stats.sent.Add(1)
		if glog.V(3) {
			glog.Infof("%v: sent % x", p.addr, raw)
		}
	}
	return nil
}

func (ep *Endpoint) tick(now time.Time) {
	for _, p := range ep.channels {
		ep.expireRequests(p, now)
		evicted, err := p.ch.Tick(now)
		if evicted > 0 {
			ep.stats.evicted.Add(uint64(evicted))
			ep.events.Printf("%v: evicted %d stale groups", p.addr, evicted)
		}
		if err != nil {
			glog.Errorf("%v: %v", p.addr, err)
			ep.teardown(p, err)
			continue
		}
		if ep.cfg.IdleTimeout > 0 && now.Sub(p.ch.LastActivity()) > ep.cfg.IdleTimeout {
			ep.teardown(p, errors.Errorf("idle for %v", now.Sub(p.ch.LastActivity())))
		}
	}
}
