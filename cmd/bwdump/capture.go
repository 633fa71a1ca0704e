package main

import (
	"io"
	"net"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-bigworld/dump"
)

// capture feeds the UDP datagrams of a pcap file to a dumper.
type capture struct {
	d *dump.Dumper
	// port, if not zero, limits decoding to traffic to or from it.
	port uint16
}

// frame extracts the UDP payload of a captured frame.
func (c *capture) frame(data []byte, ci gopacket.CaptureInfo, dec gopacket.Decoder) {
	pkt := gopacket.NewPacket(data, dec, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l := pkt.Layer(layers.LayerTypeUDP)
	if l == nil || pkt.NetworkLayer() == nil {
		return
	}
	udp := l.(*layers.UDP)
	if c.port != 0 && uint16(udp.SrcPort) != c.port && uint16(udp.DstPort) != c.port {
		return
	}
	flow := pkt.NetworkLayer().NetworkFlow()
	src := net.JoinHostPort(flow.Src().String(), strconv.Itoa(int(udp.SrcPort)))
	dst := net.JoinHostPort(flow.Dst().String(), strconv.Itoa(int(udp.DstPort)))
	c.d.Datagram(src, dst, ci.Timestamp, udp.Payload)
}

// run dumps every packet of a capture.
func (c *capture) run(r *pcapgo.Reader) error {
	dec := r.LinkType()
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading capture")
		}
		c.frame(data, ci, dec)
	}
	c.d.Summary()
	return nil
}
