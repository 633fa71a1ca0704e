package main

import (
	"context"

	"github.com/golang/glog"

	"badc0de.net/pkg/go-bigworld/endpoint"
	bwnet "badc0de.net/pkg/go-bigworld/net"
)

// Opcodes of the default elements table this server understands.
const (
	opLoginRequest = 0x00
	opPing         = 0x02
	opChat         = 0x10
)

// server answers pings and login requests; everything else is logged.
type server struct {
	names map[uint8]string
	motd  string
}

func (s *server) name(op uint8) string {
	if n, ok := s.names[op]; ok {
		return n
	}
	return "unnamed"
}

// responses computes the reply elements for one delivery.
func (s *server) responses(d endpoint.Delivery) []bwnet.Element {
	var out []bwnet.Element
	for _, e := range d.Elements {
		switch e.Opcode {
		case opPing:
			// Pings are echoed back unchanged.
			out = append(out, bwnet.Element{Opcode: opPing, Body: e.Body})
		case opLoginRequest:
			glog.Infof("%v: login request %d, %d bytes", d.Peer, e.ReplyID, len(e.Body))
			out = append(out, bwnet.ReplyTo(e, []byte(s.motd)))
		case opChat:
			glog.Infof("%v says %q", d.Peer, e.Body)
		default:
			glog.V(2).Infof("%v: ignoring %s (0x%02x), %d bytes", d.Peer, s.name(e.Opcode), e.Opcode, len(e.Body))
		}
	}
	return out
}

func (s *server) Handle(ctx context.Context, d endpoint.Delivery) {
	out := s.responses(d)
	if len(out) == 0 {
		return
	}
	if err := d.Reply(ctx, out...); err != nil {
		glog.Errorf("replying to %v: %v", d.Peer, err)
	}
}
