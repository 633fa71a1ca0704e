package main

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"badc0de.net/pkg/go-bigworld/dump"
	bwnet "badc0de.net/pkg/go-bigworld/net"
)

// upstream is the socket a proxy opens to the server on behalf of one
// client, so the server sees each client as a distinct address.
type upstream struct {
	client netip.AddrPort
	conn   *net.UDPConn

	// last is guarded by the proxy's mutex.
	last time.Time
}

// proxy relays datagrams between clients and one server and shows every
// datagram it relays on a dump.Dumper.
type proxy struct {
	conn   *net.UDPConn
	server netip.AddrPort
	d      *dump.Dumper
	idle   time.Duration

	mu    sync.Mutex
	peers map[netip.AddrPort]*upstream
}

func listen(ctx context.Context, address string, server netip.AddrPort, d *dump.Dumper, idle time.Duration) (*proxy, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", address)
	}
	glog.Infof("proxying %v to %v", pc.LocalAddr(), server)
	return &proxy{
		conn:   pc.(*net.UDPConn),
		server: server,
		d:      d,
		idle:   idle,
		peers:  make(map[netip.AddrPort]*upstream),
	}, nil
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (p *proxy) addr() netip.AddrPort {
	return unmap(p.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// serve relays until ctx is cancelled or the client-facing socket fails.
func (p *proxy) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		p.mu.Lock()
		for _, up := range p.peers {
			up.conn.Close()
		}
		p.mu.Unlock()
		return p.conn.Close()
	})
	g.Go(func() error { return p.fromClients(ctx, g) })
	if p.idle > 0 {
		g.Go(func() error {
			p.reap(ctx)
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	glog.Infof("proxy %v stopped", p.conn.LocalAddr())
	return err
}

// upstreamFor returns the upstream of client, dialing the server on first
// contact.
func (p *proxy) upstreamFor(ctx context.Context, g *errgroup.Group, client netip.AddrPort, now time.Time) (*upstream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if up, ok := p.peers[client]; ok {
		up.last = now
		return up, nil
	}
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(p.server))
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %v for %v", p.server, client)
	}
	up := &upstream{client: client, conn: conn, last: now}
	p.peers[client] = up
	glog.Infof("%v: new client, relaying through %v", client, conn.LocalAddr())
	g.Go(func() error { return p.fromServer(ctx, up) })
	return up, nil
}

func (p *proxy) fromClients(ctx context.Context, g *errgroup.Group) error {
	buf := make([]byte, bwnet.PacketCap+1)
	for {
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "reading from clients")
		}
		from = unmap(from)
		now := time.Now()
		up, err := p.upstreamFor(ctx, g, from, now)
		if err != nil {
			glog.Errorf("%v", err)
			continue
		}
		if _, err := up.conn.Write(buf[:n]); err != nil {
			glog.Errorf("%v: forwarding to %v: %v", from, p.server, err)
			continue
		}
		p.d.Datagram(from.String(), p.server.String(), now, buf[:n])
	}
}

func (p *proxy) fromServer(ctx context.Context, up *upstream) error {
	buf := make([]byte, bwnet.PacketCap+1)
	for {
		n, err := up.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				// Cancelled, or reaped.
				return nil
			}
			glog.Errorf("%v: reading from %v: %v", up.client, p.server, err)
			continue
		}
		now := time.Now()
		p.mu.Lock()
		up.last = now
		p.mu.Unlock()
		if _, err := p.conn.WriteToUDPAddrPort(buf[:n], up.client); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			glog.Errorf("%v: forwarding from %v: %v", up.client, p.server, err)
			continue
		}
		p.d.Datagram(p.server.String(), up.client.String(), now, buf[:n])
	}
}

// reap closes the upstreams of clients idle for longer than p.idle.
func (p *proxy) reap(ctx context.Context) {
	t := time.NewTicker(p.idle / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.reapIdle(now)
		}
	}
}

func (p *proxy) reapIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for client, up := range p.peers {
		if now.Sub(up.last) <= p.idle {
			continue
		}
		up.conn.Close()
		delete(p.peers, client)
		p.d.Forget(client.String(), p.server.String())
		glog.Infof("%v: idle since %v, dropped", client, up.last.Format(time.RFC3339))
		n++
	}
	return n
}
