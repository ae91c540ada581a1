// Package quicutil builds the TLS configuration for QUIC connections
// between nodes. Each node presents a self-signed certificate over its
// ed25519 identity key; peers are authenticated by that key alone.
package quicutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/quantarax/verisync/internal/identity"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "verisync/0"

var (
	ErrNoCertificate  = errors.New("peer presented no certificate")
	ErrBadCertificate = errors.New("peer certificate is not a valid self-signed ed25519 certificate")
	ErrPeerIDMismatch = errors.New("peer id does not match expected")
)

// GenerateSelfSignedCert creates a certificate for ident valid for one
// year. The subject carries the PeerID for readability only; verification
// uses the embedded public key.
func GenerateSelfSignedCert(ident *identity.Identity) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   ident.ID.String(),
			Organization: []string{"verisync"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, ident.Public, ident.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  ident.Private,
	}, nil
}

// PeerIDFromCert checks that raw is a single self-signed ed25519
// certificate and returns the PeerID of its key.
func PeerIDFromCert(raw [][]byte) (identity.PeerID, error) {
	if len(raw) == 0 {
		return identity.PeerID{}, ErrNoCertificate
	}
	if len(raw) != 1 {
		return identity.PeerID{}, fmt.Errorf("%w: chain of %d certificates", ErrBadCertificate, len(raw))
	}
	cert, err := x509.ParseCertificate(raw[0])
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return identity.PeerID{}, fmt.Errorf("%w: key type %T", ErrBadCertificate, cert.PublicKey)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return identity.PeerID{}, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return identity.PeerID{}, fmt.Errorf("%w: outside validity period", ErrBadCertificate)
	}
	return identity.PeerIDFromKey(pub)
}

// verifier pins the remote PeerID when expected is non-nil.
func verifier(expected *identity.PeerID) func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		got, err := PeerIDFromCert(raw)
		if err != nil {
			return err
		}
		if expected != nil && got != *expected {
			return fmt.Errorf("%w: got %s, want %s", ErrPeerIDMismatch, got, expected)
		}
		return nil
	}
}

// MakeServerTLSConfig returns a TLS 1.3 listener config that requires
// every client to present its own identity certificate.
func MakeServerTLSConfig(ident *identity.Identity) (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert(ident)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifier(nil),
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
		MaxVersion:            tls.VersionTLS13,
	}, nil
}

// MakeClientTLSConfig returns a TLS 1.3 dialer config. When expected is
// set the handshake fails unless the server's key matches it.
func MakeClientTLSConfig(ident *identity.Identity, expected *identity.PeerID) (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert(ident)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Chain validation is replaced by key pinning in VerifyPeerCertificate.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifier(expected),
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
		MaxVersion:            tls.VersionTLS13,
	}, nil
}

// RemotePeerID extracts the authenticated PeerID after a handshake.
func RemotePeerID(state tls.ConnectionState) (identity.PeerID, error) {
	raw := make([][]byte, len(state.PeerCertificates))
	for i, c := range state.PeerCertificates {
		raw[i] = c.Raw
	}
	return PeerIDFromCert(raw)
}
