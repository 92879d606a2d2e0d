// Package certs generates the self-signed ECDSA P-256 certificate a
// deskextend receiver presents on its QUIC listener, and builds the
// matching sender-side TLS config that pins the certificate by its
// SHA-256 fingerprint instead of a CA chain.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// ALPN is the application protocol negotiated on deskextend QUIC links.
const ALPN = "deskextend"

const defaultValidity = 365 * 24 * time.Hour

// ErrFingerprintMismatch is returned by a pinned TLS handshake when the
// peer presents a different certificate.
var ErrFingerprintMismatch = errors.New("certs: certificate fingerprint mismatch")

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex, the
// form printed by the receiver and accepted by the sender config.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// Generate creates a new self-signed ECDSA P-256 certificate valid for the
// given duration. A non-positive validity selects one year.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity <= 0 {
		validity = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "deskextend"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ServerTLSConfig returns the listener config for c.
func (c *CertInfo) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// ParseFingerprint decodes a hex fingerprint. Colons and spaces are
// ignored so the openssl "AB:CD:..." form is accepted too.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	clean := strings.NewReplacer(":", "", " ", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return fp, fmt.Errorf("certs: parse fingerprint: %w", err)
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("certs: fingerprint is %d bytes, want %d", len(raw), len(fp))
	}
	copy(fp[:], raw)
	return fp, nil
}

// ClientTLSConfig returns a sender-side config. With a fingerprint the
// peer's leaf certificate must hash to it; with an empty fingerprint any
// certificate is accepted, which only suits trusted links.
func ClientTLSConfig(fingerprint string) (*tls.Config, error) {
	cfg := &tls.Config{
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // chain verification replaced by pinning below
	}
	if fingerprint == "" {
		return cfg, nil
	}
	want, err := ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrFingerprintMismatch
		}
		got := sha256.Sum256(rawCerts[0])
		if !bytes.Equal(got[:], want[:]) {
			return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, hex.EncodeToString(got[:]))
		}
		return nil
	}
	return cfg, nil
}
