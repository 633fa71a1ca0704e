package endpoint

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/glog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bwnet "badc0de.net/pkg/go-bigworld/net"
	"badc0de.net/pkg/go-bigworld/secrets"
)

const (
	opLogin = 0x00
	opPing  = 0x02
	opChat  = 0x10
	opBlob  = 0x11
	timeout = 5 * time.Second
)

func testTable() *bwnet.SchemaTable {
	return bwnet.NewSchemaTable().
		MustRegister(opLogin, bwnet.Var2.WithReply()).
		MustRegister(opPing, bwnet.Fixed(1)).
		MustRegister(opChat, bwnet.Var1).
		MustRegister(opBlob, bwnet.Var3)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.TickInterval = 20 * time.Millisecond
	return cfg
}

// start runs an endpoint until the test ends.
func start(t *testing.T, cfg Config, key *secrets.KeyPair, h Handler) *Endpoint {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ep, err := Listen(ctx, cfg, testTable(), key, h)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ep.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(timeout):
			t.Errorf("endpoint did not stop")
		}
	})
	return ep
}

// collector records deliveries.
type collector struct {
	ch chan Delivery
}

func newCollector() *collector {
	return &collector{ch: make(chan Delivery, 16)}
}

func (c *collector) Handle(ctx context.Context, d Delivery) {
	c.ch <- d
}

func (c *collector) next(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-c.ch:
		return d
	case <-time.After(timeout):
		t.Fatalf("no delivery")
	}
	return Delivery{}
}

// echo answers every delivery with its own elements.
var echo = HandlerFunc(func(ctx context.Context, d Delivery) {
	if err := d.Reply(ctx, d.Elements...); err != nil {
		glog.Errorf("echo to %v: %v", d.Peer, err)
	}
})

func testKey(t *testing.T) *secrets.KeyPair {
	t.Helper()
	k, err := secrets.Generate(1024)
	require.NoError(t, err)
	return k
}

func TestPlainExchange(t *testing.T) {
	server := start(t, testConfig(), nil, echo)
	got := newCollector()
	client := start(t, testConfig(), nil, got)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, client.Send(ctx, server.Addr(),
		bwnet.Element{Opcode: opPing, Body: []byte{7}},
		bwnet.Element{Opcode: opChat, Body: []byte("hello")}))

	d := got.next(t)
	require.Equal(t, server.Addr(), d.Peer)
	require.Len(t, d.Elements, 2)
	require.Equal(t, []byte{7}, d.Elements[0].Body)
	require.Equal(t, []byte("hello"), d.Elements[1].Body)

	infos, err := server.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "plain", infos[0].Status)
}

func TestEncryptedFragmentedExchange(t *testing.T) {
	key := testKey(t)
	cfg := testConfig()
	cfg.MaxPayload = 64

	server := start(t, cfg, key, echo)
	got := newCollector()
	client := start(t, cfg, nil, got)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, client.Connect(ctx, server.Addr(), key.Public))
	// Connecting again is a no-op.
	require.NoError(t, client.Connect(ctx, server.Addr(), key.Public))

	blob := bytes.Repeat([]byte("0123456789"), 100)
	require.NoError(t, client.Send(ctx, server.Addr(), bwnet.Element{Opcode: opBlob, Body: blob}))

	d := got.next(t)
	require.Len(t, d.Elements, 1)
	require.Equal(t, blob, d.Elements[0].Body)

	infos, err := client.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "established", infos[0].Status)
	require.Greater(t, client.Stats().Sent, uint64(10))
}

func TestConnectWrongKey(t *testing.T) {
	server := start(t, testConfig(), testKey(t), echo)
	cfg := testConfig()
	cfg.HandshakeTimeout = 200 * time.Millisecond
	client := start(t, cfg, nil, newCollector())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := client.Connect(ctx, server.Addr(), testKey(t).Public)
	require.ErrorIs(t, err, bwnet.ErrHandshakeTimeout)

	require.Eventually(t, func() bool {
		return server.Stats().Teardowns == 1
	}, timeout, 10*time.Millisecond)
}

func TestOverflowDrop(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	cfg.Overflow = OverflowDrop

	release := make(chan struct{})
	var once sync.Once
	defer once.Do(func() { close(release) })
	blocked := HandlerFunc(func(ctx context.Context, d Delivery) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	server := start(t, cfg, nil, blocked)
	client := start(t, testConfig(), nil, newCollector())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, client.Send(ctx, server.Addr(), bwnet.Element{Opcode: opPing, Body: []byte{byte(i)}}))
	}

	require.Eventually(t, func() bool {
		s := server.Stats()
		return s.Delivered+s.Overflow == 5
	}, timeout, 10*time.Millisecond)
	require.GreaterOrEqual(t, server.Stats().Overflow, uint64(3))
	once.Do(func() { close(release) })
}

func TestSendAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ep, err := Listen(ctx, testConfig(), testTable(), nil, newCollector())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- ep.Serve(ctx) }()
	cancel()
	require.NoError(t, <-done)

	err = ep.Send(context.Background(), ep.Addr(), bwnet.Element{Opcode: opPing, Body: []byte{1}})
	require.ErrorIs(t, err, ErrClosed)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Overflow = "maybe"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cipher = "rot13"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxPayload = bwnet.PacketCap
	require.Error(t, cfg.Validate())
}

func TestReconnectAfterClientTeardown(t *testing.T) {
	key := testKey(t)
	server := start(t, testConfig(), key, echo)
	got := newCollector()
	client := start(t, testConfig(), nil, got)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, client.Connect(ctx, server.Addr(), key.Public))

	// The client forgets its session; the server still holds the old one.
	require.NoError(t, client.Teardown(ctx, server.Addr()))
	require.NoError(t, client.Connect(ctx, server.Addr(), key.Public))
	require.Equal(t, uint64(1), server.Stats().Rekeys)

	require.NoError(t, client.Send(ctx, server.Addr(), bwnet.Element{Opcode: opChat, Body: []byte("again")}))
	d := got.next(t)
	require.Equal(t, []byte("again"), d.Elements[0].Body)

	infos, err := server.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "established", infos[0].Status)
}

// answer replies to login requests with the request body reversed, and
// echoes everything else.
var answer = HandlerFunc(func(ctx context.Context, d Delivery) {
	var out []bwnet.Element
	for _, e := range d.Elements {
		if e.Opcode != opLogin {
			out = append(out, e)
			continue
		}
		body := make([]byte, len(e.Body))
		for i, b := range e.Body {
			body[len(body)-1-i] = b
		}
		out = append(out, bwnet.ReplyTo(e, body))
	}
	if err := d.Reply(ctx, out...); err != nil {
		glog.Errorf("answer to %v: %v", d.Peer, err)
	}
})

func TestRequest(t *testing.T) {
	server := start(t, testConfig(), nil, answer)
	got := newCollector()
	client := start(t, testConfig(), nil, got)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, name := range []string{"alice", "bob", "carol"} {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := client.Request(ctx, server.Addr(), opLogin, []byte(name))
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, r.IsReply())
			want := []byte(name)
			for i, j := 0, len(want)-1; i < j; i, j = i+1, j-1 {
				want[i], want[j] = want[j], want[i]
			}
			assert.Equal(t, want, r.Body)
		}()
	}
	wg.Wait()

	// Replies never reach the handler.
	select {
	case d := <-got.ch:
		t.Fatalf("unexpected delivery %v", d.Elements)
	default:
	}
	s := client.Stats()
	require.Equal(t, uint64(3), s.Replies)
	require.Zero(t, s.Delivered)

	infos, err := client.Channels(ctx)
	require.NoError(t, err)
	require.Zero(t, infos[0].Requests)

	_, err = client.Request(ctx, server.Addr(), opChat, []byte("no reply id"))
	require.Error(t, err)
}

func TestRequestTimeout(t *testing.T) {
	// The server swallows everything.
	server := start(t, testConfig(), nil, newCollector())
	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	client := start(t, cfg, nil, newCollector())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := client.Request(ctx, server.Addr(), opLogin, []byte("anyone"))
	require.ErrorIs(t, err, ErrRequestTimeout)
	// The peer address appears once, however deep the wrapping.
	require.Equal(t, 1, strings.Count(err.Error(), server.Addr().String()), err.Error())

	infos, err := client.Channels(ctx)
	require.NoError(t, err)
	require.Zero(t, infos[0].Requests)
}

func TestRequestFailsOnTeardown(t *testing.T) {
	server := start(t, testConfig(), nil, newCollector())
	client := start(t, testConfig(), nil, newCollector())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := client.Request(ctx, server.Addr(), opLogin, []byte("anyone"))
		errc <- err
	}()
	require.Eventually(t, func() bool {
		infos, err := client.Channels(ctx)
		return err == nil && len(infos) == 1 && infos[0].Requests == 1
	}, timeout, 10*time.Millisecond)
	require.NoError(t, client.Teardown(ctx, server.Addr()))
	require.ErrorContains(t, <-errc, "torn down locally")
}

func TestUnmatchedReplyDropped(t *testing.T) {
	got := newCollector()
	server := start(t, testConfig(), nil, got)
	client := start(t, testConfig(), nil, newCollector())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, client.Send(ctx, server.Addr(),
		bwnet.ReplyTo(bwnet.Element{ReplyID: 12345}, []byte("late")),
		bwnet.Element{Opcode: opChat, Body: []byte("hi")}))

	d := got.next(t)
	require.Len(t, d.Elements, 1)
	require.Equal(t, uint8(opChat), d.Elements[0].Opcode)
	require.Equal(t, uint64(1), server.Stats().Unmatched)
}

func TestOverflowBlock(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	cfg.Overflow = OverflowBlock
	cfg.BlockTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	var once sync.Once
	defer once.Do(func() { close(release) })
	seen := make(chan byte, 16)
	blocked := HandlerFunc(func(ctx context.Context, d Delivery) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		seen <- d.Elements[0].Body[0]
	})
	server := start(t, cfg, nil, blocked)
	client := start(t, testConfig(), nil, newCollector())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, client.Send(ctx, server.Addr(), bwnet.Element{Opcode: opPing, Body: []byte{byte(i)}}))
	}
	// One bundle is in the handler and one in the queue; the rest waited
	// out BlockTimeout.
	require.Eventually(t, func() bool {
		s := server.Stats()
		return s.Delivered+s.Overflow == 5
	}, timeout, 10*time.Millisecond)
	require.Greater(t, server.Stats().Overflow, uint64(0))

	once.Do(func() { close(release) })
	delivered := server.Stats().Delivered
	for i := uint64(0); i < delivered; i++ {
		select {
		case <-seen:
		case <-time.After(timeout):
			t.Fatalf("handler saw %d of %d bundles", i, delivered)
		}
	}

	// With the handler free, delivery resumes.
	require.NoError(t, client.Send(ctx, server.Addr(), bwnet.Element{Opcode: opPing, Body: []byte{42}}))
	select {
	case b := <-seen:
		require.Equal(t, byte(42), b)
	case <-time.After(timeout):
		t.Fatalf("no delivery after release")
	}
	require.Equal(t, delivered+1, server.Stats().Delivered)
}
