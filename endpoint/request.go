package endpoint

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	bwnet "badc0de.net/pkg/go-bigworld/net"
)

// ErrRequestTimeout is returned by Request when no reply arrives within
// Config.RequestTimeout.
var ErrRequestTimeout = errors.New("request timed out")

type result struct {
	elem bwnet.Element
	err  error
}

// pendingRequest is a Request waiting for the reply element carrying its id.
type pendingRequest struct {
	op       uint8
	reply    chan result
	deadline time.Time
}

func (r *pendingRequest) finish(res result) {
	// reply is buffered and written once.
	r.reply <- res
}

// firstRequestID seeds the request counter so ids of a restarted endpoint
// do not line up with the previous run's.
func firstRequestID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

// Request sends one reply-bearing element to peer and waits for the reply
// element answering it. op must be registered with a reply id in the
// schema table.
func (ep *Endpoint) Request(ctx context.Context, to netip.AddrPort, op uint8, body []byte) (bwnet.Element, error) {
	wait := make(chan result, 1)
	err := ep.do(ctx, func(now time.Time) error {
		p := ep.peer(to, now)
		if st := p.ch.Status(); st == bwnet.StatusHandshaking {
			return errors.Errorf("%v: session is %v", to, st)
		}
		s, ok := p.ch.Schema().Lookup(op)
		if !ok || !s.Reply {
			return errors.Errorf("opcode 0x%02x does not carry a reply id", op)
		}

		id := ep.nextRequestID
		ep.nextRequestID++
		if _, busy := p.requests[id]; busy {
			return errors.Errorf("%v: request id %d still in flight", to, id)
		}
		if err := ep.send(p, bwnet.Element{Opcode: op, ReplyID: id, HasReplyID: true, Body: body}); err != nil {
			return err
		}
		p.requests[id] = &pendingRequest{op: op, reply: wait, deadline: now.Add(ep.cfg.RequestTimeout)}
		return nil
	})
	if err != nil {
		return bwnet.Element{}, err
	}
	select {
	case r := <-wait:
		return r.elem, r.err
	case <-ctx.Done():
		// The loop drops the entry on expiry or teardown.
		return bwnet.Element{}, ctx.Err()
	}
}

// reply hands a reply element to the request it answers.
func (ep *Endpoint) reply(p *peer, e bwnet.Element) {
	r, ok := p.requests[e.ReplyID]
	if !ok {
		ep.stats.unmatched.Add(1)
		ep.events.Errorf("%v: reply %d matches no request", p.addr, e.ReplyID)
		glog.V(1).Infof("%v: dropping reply %d, which matches no request", p.addr, e.ReplyID)
		return
	}
	delete(p.requests, e.ReplyID)
	ep.stats.replies.Add(1)
	r.finish(result{elem: e})
}

// expireRequests fails requests whose deadline has passed.
func (ep *Endpoint) expireRequests(p *peer, now time.Time) {
	for id, r := range p.requests {
		if now.Before(r.deadline) {
			continue
		}
		delete(p.requests, id)
		ep.events.Errorf("%v: request %d (0x%02x) timed out", p.addr, id, r.op)
		r.finish(result{err: errors.Wrapf(ErrRequestTimeout, "%v: request %d", p.addr, id)})
	}
}
