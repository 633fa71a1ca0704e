package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"badc0de.net/pkg/go-bigworld/endpoint"
	bwnet "badc0de.net/pkg/go-bigworld/net"
	"badc0de.net/pkg/go-bigworld/ttesting"
)

func TestResponses(t *testing.T) {
	s := &server{names: map[uint8]string{opPing: "ping"}, motd: "welcome"}
	out := s.responses(endpoint.Delivery{
		Peer: netip.MustParseAddrPort("127.0.0.1:1234"),
		Elements: []bwnet.Element{
			{Opcode: opPing, Body: []byte{9}},
			{Opcode: opChat, Body: []byte("hi")},
			{Opcode: opLoginRequest, ReplyID: 77, HasReplyID: true, Body: []byte("user")},
			{Opcode: 0x42},
		},
	})
	ttesting.AssertEqualInt(t, "responses", len(out), 2)
	ttesting.AssertEqualBytes(t, "ping echo", out[0].Body, []byte{9})
	ttesting.AssertEqualInt(t, "reply opcode", int(out[1].Opcode), int(bwnet.ReplyOpcode))
	ttesting.AssertEqualUint32(t, "reply id", out[1].ReplyID, 77)
	ttesting.AssertEqualString(t, "reply body", string(out[1].Body), "welcome")
	ttesting.AssertEqualString(t, "unknown name", s.name(0x42), "unnamed")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bwserv.yaml")
	yaml := "listen: 127.0.0.1:9999\nworkers: 2\noverflow: drop\nblock_timeout: 250ms\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BW_WORKERS", "3")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	listen := fs.String("listen_address", "", "")
	fs.Int("workers", 0, "")
	if err := fs.Parse([]string{"-listen_address", "127.0.0.1:7777"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path, fs, flagKeys)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	ttesting.AssertEqualString(t, "flag beats file", cfg.Listen, *listen)
	ttesting.AssertEqualInt(t, "env beats file", cfg.Workers, 3)
	ttesting.AssertEqualString(t, "file beats default", string(cfg.Overflow), string(endpoint.OverflowDrop))
	ttesting.AssertEqualInt(t, "duration", int(cfg.BlockTimeout/time.Millisecond), 250)
	ttesting.AssertEqualInt(t, "default kept", cfg.QueueSize, endpoint.DefaultConfig().QueueSize)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bwserv.yaml")
	if err := os.WriteFile(path, []byte("overflow: sometimes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path, flag.NewFlagSet("test", flag.ContinueOnError), flagKeys); err == nil {
		t.Errorf("invalid overflow policy accepted")
	}
}

func TestDebugStats(t *testing.T) {
	cfg := endpoint.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	ep, err := endpoint.Listen(ctx, cfg, bwnet.NewSchemaTable(), nil, &server{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- ep.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	rec := httptest.NewRecorder()
	debugRouter(ep, bwnet.NewSchemaTable(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	ttesting.AssertEqualInt(t, "status", rec.Code, http.StatusOK)
	ttesting.AssertEqualString(t, "content type", rec.Header().Get("Content-Type"), "application/json")
}
