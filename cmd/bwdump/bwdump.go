// Command bwdump decodes the game protocol in a pcap capture. Bundles are
// reassembled per direction; encrypted payloads are shown as opaque unless
// -key_path holds the server's private key and the capture includes the
// handshake.
package main

import (
	"flag"
	"os"

	"badc0de.net/pkg/flagutil/v1"
	"github.com/golang/glog"
	"github.com/google/gopacket/pcapgo"

	"badc0de.net/pkg/go-bigworld/dump"
	"badc0de.net/pkg/go-bigworld/paths"
	"badc0de.net/pkg/go-bigworld/secrets"
	"badc0de.net/pkg/go-bigworld/xmls"
)

var (
	schemaPath string

	capturePath = flag.String("pcap", "", "capture file to decode")
	keyPath     = flag.String("key_path", "", "the server's private key, to decrypt sessions whose handshake was captured")
	port        = flag.Int("port", 0, "only decode UDP traffic to or from this port; 0 decodes all UDP")
	noColor     = flag.Bool("no_color", false, "print without colors")
)

func main() {
	paths.SetupFilePathFlag(flag.CommandLine, "elements.xml", "schema_path", &schemaPath)
	flagutil.Parse()

	if *capturePath == "" {
		glog.Exitf("-pcap is required")
	}
	o := paths.Default

	table, names, err := xmls.OpenSchemaTable(o, schemaPath)
	if err != nil {
		glog.Exitf("loading element schemas: %v", err)
	}

	f, err := o.Open(*capturePath)
	if err != nil {
		glog.Exitf("opening capture: %v", err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		glog.Exitf("reading capture header: %v", err)
	}

	out := dump.ColorPalette()
	if *noColor {
		out = dump.PlainPalette(os.Stdout)
	}
	d := dump.New(table, names, out)
	d.BodyBytes = dump.BodyBytesFor(termColumns())
	if *keyPath != "" {
		k, err := secrets.OpenPrivate(o, *keyPath)
		if err != nil {
			glog.Exitf("loading key: %v", err)
		}
		d.Key = k.Private
	}

	c := &capture{d: d, port: uint16(*port)}
	if err := c.run(r); err != nil {
		glog.Exitf("%v", err)
	}
}
