// Package endpoint runs the protocol over a UDP socket.
//
// One goroutine reads datagrams, one loop goroutine owns every channel and
// does all decoding, reassembly and sending, and a pool of workers runs the
// application handler on completed bundles. The loop never waits on the
// handler except, under OverflowBlock, for up to BlockTimeout.
package endpoint

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"

	"badc0de.net/pkg/go-bigworld/login"
	bwnet "badc0de.net/pkg/go-bigworld/net"
	"badc0de.net/pkg/go-bigworld/secrets"
)

// ErrClosed is returned by calls made after Serve has returned.
var ErrClosed = errors.New("endpoint closed")

// Delivery is a completed bundle's application elements. Handshake elements
// are consumed by the endpoint and never delivered, and so are reply elements
// answering a Request.
type Delivery struct {
	Peer     netip.AddrPort
	Elements []bwnet.Element

	ep *Endpoint
}

// Reply sends elements back to the peer the delivery came from.
func (d Delivery) Reply(ctx context.Context, elems ...bwnet.Element) error {
	return d.ep.Send(ctx, d.Peer, elems...)
}

// Handler processes deliveries. Handlers run concurrently on the worker
// goroutines.
type Handler interface {
	Handle(ctx context.Context, d Delivery)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery)

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) {
	f(ctx, d)
}

// ChannelInfo describes one channel, for debugging.
type ChannelInfo struct {
	Peer         string    `json:"peer"`
	Status       string    `json:"status"`
	Pending      int       `json:"pending"`
	Requests     int       `json:"requests"`
	NextSequence uint32    `json:"next_sequence"`
	LastActivity time.Time `json:"last_activity"`
}

type datagram struct {
	peer netip.AddrPort
	data []byte
}

// command runs on the loop goroutine.
type command func(now time.Time)

type Endpoint struct {
	cfg     Config
	schema  *bwnet.SchemaTable
	key     *secrets.KeyPair
	handler Handler

	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	inbound    chan datagram
	commands   chan command
	deliveries chan Delivery
	stopped    chan struct{}

	// channels and nextRequestID are owned by the loop goroutine.
	channels      map[netip.AddrPort]*peer
	nextRequestID uint32

	stats  counters
	events trace.EventLog
}

// Listen opens the socket. key may be nil for an endpoint that only initiates
// handshakes.
func Listen(ctx context.Context, cfg Config, schema *bwnet.SchemaTable, key *secrets.KeyPair, h Handler) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "endpoint config")
	}
	lc := net.ListenConfig{Control: control(cfg.ReceiveBuffer)}
	pc, err := lc.ListenPacket(ctx, "udp4", cfg.Listen)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", cfg.Listen)
	}
	conn := pc.(*net.UDPConn)

	ep := &Endpoint{
		cfg:        cfg,
		schema:     schema,
		key:        key,
		handler:    h,
		conn:       conn,
		pconn:      ipv4.NewPacketConn(conn),
		inbound:    make(chan datagram, cfg.ReadBatch),
		commands:   make(chan command),
		deliveries: make(chan Delivery, cfg.QueueSize),
		stopped:    make(chan struct{}),
		channels:   make(map[netip.AddrPort]*peer),

		nextRequestID: firstRequestID(),
		events:        trace.NewEventLog("bigworld.Endpoint", conn.LocalAddr().String()),
	}
	glog.Infof("endpoint listening on %v", conn.LocalAddr())
	return ep, nil
}

// Addr returns the local address.
func (ep *Endpoint) Addr() netip.AddrPort {
	ap := ep.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Stats returns a snapshot of the counters.
func (ep *Endpoint) Stats() Stats {
	return ep.stats.snapshot()
}

// Serve runs the endpoint until ctx is cancelled or the socket fails. It
// closes the socket before returning.
func (ep *Endpoint) Serve(ctx context.Context) error {
	defer ep.events.Finish()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ep.conn.Close()
	})
	g.Go(func() error { return ep.readLoop(ctx) })
	g.Go(func() error { return ep.loop(ctx) })
	for i := 0; i < ep.cfg.Workers; i++ {
		g.Go(func() error {
			ep.work(ctx)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	glog.Infof("endpoint %v stopped", ep.conn.LocalAddr())
	return err
}

func (ep *Endpoint) readLoop(ctx context.Context) error {
	msgs := make([]ipv4.Message, ep.cfg.ReadBatch)
	for i := range msgs {
		// One spare byte tells oversized datagrams apart.
		msgs[i].Buffers = [][]byte{make([]byte, bwnet.PacketCap+1)}
	}
	for {
		n, err := ep.pconn.ReadBatch(msgs, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "reading datagrams")
		}
		for _, m := range msgs[:n] {
			addr, ok := m.Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			ap := addr.AddrPort()
			dg := datagram{
				peer: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()),
				data: append([]byte(nil), m.Buffers[0][:m.N]...),
			}
			select {
			case ep.inbound <- dg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (ep *Endpoint) work(ctx context.Context) {
	for {
		select {
		case d := <-ep.deliveries:
			ep.handler.Handle(ctx, d)
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (ep *Endpoint) do(ctx context.Context, fn func(now time.Time) error) error {
	done := make(chan error, 1)
	select {
	case ep.commands <- func(now time.Time) { done <- fn(now) }:
	case <-ep.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send sends elems to peer as one bundle. Sending on a channel whose
// handshake is still in progress is refused: the peer would drop plaintext.
func (ep *Endpoint) Send(ctx context.Context, to netip.AddrPort, elems ...bwnet.Element) error {
	return ep.do(ctx, func(now time.Time) error {
		p := ep.peer(to, now)
		if st := p.ch.Status(); st == bwnet.StatusHandshaking {
			return errors.Errorf("%v: session is %v", to, st)
		}
		return ep.send(p, elems...)
	})
}

// Connect performs a handshake with peer, whose public key is pub, and
// returns once the session is established.
func (ep *Endpoint) Connect(ctx context.Context, to netip.AddrPort, pub *rsa.PublicKey) error {
	wait := make(chan error, 1)
	err := ep.do(ctx, func(now time.Time) error {
		p := ep.peer(to, now)
		switch p.ch.Status() {
		case bwnet.StatusEstablished:
			wait <- nil
			return nil
		case bwnet.StatusHandshaking:
			p.waiters = append(p.waiters, wait)
			return nil
		}
		hs, err := login.Initiate(p.ch, pub, now)
		if err != nil {
			return err
		}
		p.waiters = append(p.waiters, wait)
		return ep.send(p, hs)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Teardown discards the channel to peer, if any.
func (ep *Endpoint) Teardown(ctx context.Context, to netip.AddrPort) error {
	return ep.do(ctx, func(now time.Time) error {
		if p, ok := ep.channels[to]; ok {
			ep.teardown(p, errors.New("torn down locally"))
		}
		return nil
	})
}

// Channels describes every live channel.
func (ep *Endpoint) Channels(ctx context.Context) ([]ChannelInfo, error) {
	// The slice crosses from the loop only once complete.
	out := make(chan []ChannelInfo, 1)
	err := ep.do(ctx, func(now time.Time) error {
		infos := make([]ChannelInfo, 0, len(ep.channels))
		for addr, p := range ep.channels {
			infos = append(infos, ChannelInfo{
				Peer:         addr.String(),
				Status:       p.ch.Status().String(),
				Pending:      p.ch.Pending(),
				Requests:     len(p.requests),
				NextSequence: uint32(p.ch.NextSequence()),
				LastActivity: p.ch.LastActivity(),
			})
		}
		out <- infos
		return nil
	})
	if err != nil {
		return nil, err
	}
	return <-out, nil
}

func (ep *Endpoint) String() string {
	return fmt.Sprintf("Endpoint{%v}", ep.conn.LocalAddr())
}
