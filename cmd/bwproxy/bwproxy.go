// Command bwproxy sits between game clients and a server, relays their
// datagrams both ways and prints every bundle it relays. Given the server's
// private key it decrypts the sessions whose handshake it relays.
package main

import (
	"context"
	"flag"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"badc0de.net/pkg/flagutil/v1"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-bigworld/dump"
	"badc0de.net/pkg/go-bigworld/paths"
	"badc0de.net/pkg/go-bigworld/secrets"
	"badc0de.net/pkg/go-bigworld/xmls"
)

var (
	schemaPath string

	listenAddress = flag.String("listen_address", ":20014", "UDP address clients connect to")
	serverAddress = flag.String("server_address", "127.0.0.1:20013", "UDP address of the real server")
	keyPath       = flag.String("key_path", "", "the server's private key, to decrypt relayed sessions")
	hide          = flag.String("hide", "", "comma-separated opcodes or element names not to print")
	show          = flag.String("show", "", "comma-separated opcodes or element names to print; all others are hidden")
	idleTimeout   = flag.Duration("idle_timeout", 2*time.Minute, "forget clients silent for this long; 0 never forgets")
	noColor       = flag.Bool("no_color", false, "print without colors")
)

// parseOpcodes reads a list such as "ping,0x10" into a set of opcodes.
func parseOpcodes(list string, names map[uint8]string) (map[uint8]bool, error) {
	byName := make(map[string]uint8, len(names))
	for op, n := range names {
		byName[n] = op
	}
	set := make(map[uint8]bool)
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if op, ok := byName[f]; ok {
			set[op] = true
			continue
		}
		op, err := strconv.ParseUint(f, 0, 8)
		if err != nil {
			return nil, errors.Errorf("%q is neither an element name nor an opcode", f)
		}
		set[uint8(op)] = true
	}
	return set, nil
}

// hidden computes the opcodes the dumper skips from the -hide and -show
// lists. -show wins where both name an opcode.
func hidden(hideList, showList string, names map[uint8]string) (map[uint8]bool, error) {
	out, err := parseOpcodes(hideList, names)
	if err != nil {
		return nil, errors.Wrap(err, "-hide")
	}
	if showList == "" {
		return out, nil
	}
	keep, err := parseOpcodes(showList, names)
	if err != nil {
		return nil, errors.Wrap(err, "-show")
	}
	for op := 0; op <= 0xFF; op++ {
		out[uint8(op)] = !keep[uint8(op)]
	}
	return out, nil
}

func run(ctx context.Context) error {
	server, err := netip.ParseAddrPort(*serverAddress)
	if err != nil {
		return errors.Wrap(err, "-server_address")
	}
	o := paths.Default
	table, names, err := xmls.OpenSchemaTable(o, schemaPath)
	if err != nil {
		return errors.Wrap(err, "loading element schemas")
	}

	out := dump.ColorPalette()
	if *noColor {
		out = dump.PlainPalette(os.Stdout)
	}
	d := dump.New(table, names, out)
	if d.Hide, err = hidden(*hide, *show, names); err != nil {
		return err
	}
	if *keyPath != "" {
		k, err := secrets.OpenPrivate(o, *keyPath)
		if err != nil {
			return errors.Wrap(err, "loading key")
		}
		d.Key = k.Private
	}

	p, err := listen(ctx, *listenAddress, server, d, *idleTimeout)
	if err != nil {
		return err
	}
	defer d.Summary()
	return p.serve(ctx)
}

func main() {
	paths.SetupFilePathFlag(flag.CommandLine, "elements.xml", "schema_path", &schemaPath)
	flagutil.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		glog.Exitf("bwproxy: %v", err)
	}
	glog.Flush()
}
