package quicutil

import (
	"crypto/tls"
	"errors"
	"net"
	"testing"

	"github.com/quantarax/verisync/internal/identity"
)

func TestPeerIDFromCert(t *testing.T) {
	ident, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	cert, err := GenerateSelfSignedCert(ident)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	got, err := PeerIDFromCert(cert.Certificate)
	if err != nil {
		t.Fatalf("PeerIDFromCert failed: %v", err)
	}
	if got != ident.ID {
		t.Fatalf("Expected %s, got %s", ident.ID, got)
	}

	if _, err := PeerIDFromCert(nil); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("Expected ErrNoCertificate, got %v", err)
	}
	if _, err := PeerIDFromCert([][]byte{{0x30, 0x01}}); !errors.Is(err, ErrBadCertificate) {
		t.Fatalf("Expected ErrBadCertificate, got %v", err)
	}
}

// handshake runs a TLS handshake over an in-memory pipe.
func handshake(t *testing.T, client, server *tls.Config) (tls.ConnectionState, error, error) {
	t.Helper()
	// Session tickets would be written after the client has stopped
	// reading, which blocks on an unbuffered pipe.
	server = server.Clone()
	server.SessionTicketsDisabled = true

	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	srv := tls.Server(s, server)
	done := make(chan error, 1)
	go func() {
		err := srv.Handshake()
		if err != nil {
			s.Close()
		}
		done <- err
	}()
	cli := tls.Client(c, client)
	cerr := cli.Handshake()
	if cerr != nil {
		c.Close()
	}
	serr := <-done
	return srv.ConnectionState(), cerr, serr
}

func TestHandshake_PinnedPeer(t *testing.T) {
	serverIdent, _ := identity.Generate()
	clientIdent, _ := identity.Generate()

	serverCfg, err := MakeServerTLSConfig(serverIdent)
	if err != nil {
		t.Fatal(err)
	}
	clientCfg, err := MakeClientTLSConfig(clientIdent, &serverIdent.ID)
	if err != nil {
		t.Fatal(err)
	}

	state, cerr, serr := handshake(t, clientCfg, serverCfg)
	if cerr != nil || serr != nil {
		t.Fatalf("handshake failed: client=%v server=%v", cerr, serr)
	}
	remote, err := RemotePeerID(state)
	if err != nil {
		t.Fatalf("RemotePeerID failed: %v", err)
	}
	if remote != clientIdent.ID {
		t.Fatalf("server saw peer %s, want %s", remote, clientIdent.ID)
	}
}

func TestHandshake_WrongPinRejected(t *testing.T) {
	serverIdent, _ := identity.Generate()
	clientIdent, _ := identity.Generate()
	impostor, _ := identity.Generate()

	serverCfg, _ := MakeServerTLSConfig(serverIdent)
	clientCfg, _ := MakeClientTLSConfig(clientIdent, &impostor.ID)

	_, cerr, _ := handshake(t, clientCfg, serverCfg)
	if cerr == nil {
		t.Fatal("Expected client handshake to fail against wrong peer id")
	}
}
