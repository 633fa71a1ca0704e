// Command bwserv is a UDP server speaking the game protocol. It answers pings
// and login requests and accepts session handshakes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"badc0de.net/pkg/flagutil/v1"
	figure "github.com/common-nighthawk/go-figure"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	_ "golang.org/x/net/trace"

	"badc0de.net/pkg/go-bigworld/endpoint"
	"badc0de.net/pkg/go-bigworld/paths"
	"badc0de.net/pkg/go-bigworld/secrets"
	"badc0de.net/pkg/go-bigworld/xmls"
)

var (
	keyPath    string
	schemaPath string

	configPath     = flag.String("config", "", "path to a YAML config file; BW_* environment variables override it")
	listenAddress  = flag.String("listen_address", "", "UDP address to listen on")
	workers        = flag.Int("workers", 0, "number of handler goroutines")
	overflow       = flag.String("overflow", "", "what to do when handlers fall behind: block or drop")
	generateKey    = flag.Bool("generate_key", false, "generate a key at -key_path if none exists")
	motd           = flag.String("motd", "1\nHello!", "text sent in reply to login requests")
	noBanner       = flag.Bool("no_banner", false, "do not print the startup banner")
	debugWebServer = flag.String("debug_web_server_listen_address", "", "where the debug server will listen")
)

// flagKeys maps flags to the config keys they override.
var flagKeys = map[string]string{
	"listen_address": "listen",
	"workers":        "workers",
	"overflow":       "overflow",
}

func setupFilePathFlags() {
	paths.SetupFilePathFlag(flag.CommandLine, "server.pem", "key_path", &keyPath)
	paths.SetupFilePathFlag(flag.CommandLine, "elements.xml", "schema_path", &schemaPath)
}

func loadKey() (*secrets.KeyPair, error) {
	f, err := paths.Open(keyPath)
	if err == nil {
		defer f.Close()
		return secrets.ReadPrivate(f)
	}
	if !*generateKey || !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	glog.Infof("generating a new key at %s", keyPath)
	k, err := secrets.Generate(secrets.DefaultBits)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, k.PrivatePEM(), 0o600); err != nil {
		return nil, errors.Wrap(err, "saving private key")
	}
	pub, err := k.PublicPEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath+".pub", pub, 0o644); err != nil {
		return nil, errors.Wrap(err, "saving public key")
	}
	return k, nil
}

func run(ctx context.Context) error {
	cfg, err := loadConfig(*configPath, flag.CommandLine, flagKeys)
	if err != nil {
		return err
	}
	key, err := loadKey()
	if err != nil {
		return errors.Wrap(err, "loading key")
	}
	table, names, err := xmls.OpenSchemaTable(paths.Default, schemaPath)
	if err != nil {
		return errors.Wrap(err, "loading element schemas")
	}

	ep, err := endpoint.Listen(ctx, cfg, table, key, &server{names: names, motd: *motd})
	if err != nil {
		return err
	}

	if *debugWebServer != "" {
		go func() {
			glog.Infof("debug web server listening on %s", *debugWebServer)
			if err := http.ListenAndServe(*debugWebServer, debugRouter(ep, table, names)); err != nil {
				glog.Errorf("debug web server: %v", err)
			}
		}()
	}

	glog.Infof("bwserv listening on %v", ep.Addr())
	return ep.Serve(ctx)
}

func main() {
	setupFilePathFlags()
	flagutil.Parse()

	if !*noBanner {
		figure.NewFigure("bwserv", "", true).Print()
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		glog.Exitf("bwserv: %v", err)
	}
	glog.Flush()
}
