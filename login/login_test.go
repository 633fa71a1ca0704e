package login

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	bwnet "badc0de.net/pkg/go-bigworld/net"
	"badc0de.net/pkg/go-bigworld/ttesting"
)

var testEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func testTable() *bwnet.SchemaTable {
	return bwnet.NewSchemaTable().MustRegister(0x01, bwnet.Var1)
}

// send builds elems on from and feeds the wire encoding to to.
func send(t *testing.T, from, to *bwnet.Channel, elems ...bwnet.Element) []bwnet.Element {
	t.Helper()
	b := from.NewBuilder()
	for _, e := range elems {
		if err := b.Add(e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	packets, err := b.Finish(from)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	var got []bwnet.Element
	for _, p := range packets {
		raw, err := p.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		d, err := bwnet.DecodePacket(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		bundle, err := to.Accept(d, testEpoch)
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if bundle != nil {
			got = append(got, bundle.Elements...)
		}
	}
	return got
}

func TestHandshake(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cfg := bwnet.ChannelConfig{Schema: testTable()}
	client := bwnet.NewChannel("server", cfg, testEpoch)
	server := bwnet.NewChannel("client", cfg, testEpoch)

	hs, err := Initiate(client, &pk.PublicKey, testEpoch)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	ttesting.AssertEqualString(t, "client handshaking", client.Status().String(), "handshaking")

	got := send(t, client, server, hs)
	if len(got) != 1 || !IsHandshake(got[0]) {
		t.Fatalf("server got %v; want one handshake element", got)
	}
	ack, err := Respond(server, pk, got[0])
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	ttesting.AssertEqualString(t, "server established", server.Status().String(), "established")

	got = send(t, server, client, ack)
	if len(got) != 1 || got[0].Opcode != bwnet.HandshakeAckOpcode {
		t.Fatalf("client got %v; want one ack", got)
	}
	if err := Complete(client, got[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ttesting.AssertEqualString(t, "client established", client.Status().String(), "established")

	got = send(t, client, server, bwnet.Element{Opcode: 0x01, Body: []byte("hello")})
	if len(got) != 1 {
		t.Fatalf("server got %d elements; want 1", len(got))
	}
	ttesting.AssertEqualBytes(t, "client to server", got[0].Body, []byte("hello"))

	got = send(t, server, client, bwnet.Element{Opcode: 0x01, Body: []byte("hi")})
	if len(got) != 1 {
		t.Fatalf("client got %d elements; want 1", len(got))
	}
	ttesting.AssertEqualBytes(t, "server to client", got[0].Body, []byte("hi"))
}

func TestRespondWrongKey(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cfg := bwnet.ChannelConfig{Schema: testTable()}
	client := bwnet.NewChannel("server", cfg, testEpoch)
	server := bwnet.NewChannel("client", cfg, testEpoch)

	hs, err := Initiate(client, &other.PublicKey, testEpoch)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, err = Respond(server, pk, hs)
	ttesting.AssertErrorIs(t, "wrong key", err, bwnet.ErrDecryptFailed)
	if !bwnet.IsFatal(err) {
		t.Errorf("wrong handshake key is not fatal: %v", err)
	}

	_, err = Respond(server, pk, HandshakeAck(1))
	if err == nil {
		t.Errorf("responded to an ack")
	}
}

func TestCompleteWrongNonce(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	client := bwnet.NewChannel("server", bwnet.ChannelConfig{Schema: testTable()}, testEpoch)
	if _, err := Initiate(client, &pk.PublicKey, testEpoch); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	// The real nonce is random; any fixed guess is wrong with overwhelming
	// probability, and a second guess makes sure.
	err1 := Complete(client, HandshakeAck(0))
	err2 := Complete(client, HandshakeAck(1))
	if err1 == nil && err2 == nil {
		t.Fatalf("both guesses accepted")
	}
	if err1 != nil && err2 != nil {
		ttesting.AssertErrorIs(t, "wrong nonce", err1, bwnet.ErrDecryptFailed)
	}
}

// handshake runs a full handshake from client to server.
func handshake(t *testing.T, client, server *bwnet.Channel, pk *rsa.PrivateKey) {
	t.Helper()
	hs, err := Initiate(client, &pk.PublicKey, testEpoch)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	got := send(t, client, server, hs)
	if len(got) != 1 || !IsHandshake(got[0]) {
		t.Fatalf("server got %v; want one handshake element", got)
	}
	ack, err := Respond(server, pk, got[0])
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	got = send(t, server, client, ack)
	if len(got) != 1 {
		t.Fatalf("client got %v; want one ack", got)
	}
	if err := Complete(client, got[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestHandshakeAfterClientRestart(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cfg := bwnet.ChannelConfig{Schema: testTable()}
	client := bwnet.NewChannel("server", cfg, testEpoch)
	server := bwnet.NewChannel("client", cfg, testEpoch)
	handshake(t, client, server, pk)

	// The client forgets its session; the server still holds the old key
	// and must accept the new plaintext handshake.
	client.Teardown()
	handshake(t, client, server, pk)
	ttesting.AssertEqualString(t, "server", server.Status().String(), "established")
	ttesting.AssertEqualString(t, "client", client.Status().String(), "established")

	got := send(t, client, server, bwnet.Element{Opcode: 0x01, Body: []byte("again")})
	if len(got) != 1 {
		t.Fatalf("server got %d elements; want 1", len(got))
	}
	ttesting.AssertEqualBytes(t, "under the new key", got[0].Body, []byte("again"))
}

func TestOpenHandshake(t *testing.T) {
	pk, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	client := bwnet.NewChannel("server", bwnet.ChannelConfig{Schema: testTable()}, testEpoch)
	hs, err := Initiate(client, &pk.PublicKey, testEpoch)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	key, nonce, err := OpenHandshake(pk, hs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ttesting.AssertEqualInt(t, "key length", len(key), bwnet.SessionKeyLen)
	if err := Complete(client, HandshakeAck(nonce)); err != nil {
		t.Errorf("recovered nonce rejected: %v", err)
	}

	_, _, err = OpenHandshake(pk, bwnet.Element{Opcode: bwnet.HandshakeOpcode, Body: []byte{1, 2, 3}})
	ttesting.AssertErrorIs(t, "garbage", err, bwnet.ErrDecryptFailed)
}
