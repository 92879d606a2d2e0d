package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "deskrecv.local", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if x509Cert.Subject.CommonName != "deskextend" {
		t.Errorf("common name: got %q, want deskextend", x509Cert.Subject.CommonName)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if err := x509Cert.VerifyHostname("deskrecv.local"); err != nil {
		t.Errorf("extra DNS name missing: %v", err)
	}
	if err := x509Cert.VerifyHostname("10.0.0.7"); err != nil {
		t.Errorf("extra IP missing: %v", err)
	}

	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if got := len(cert.FingerprintHex()); got != 64 {
		t.Errorf("FingerprintHex length: got %d, want 64", got)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got := time.Until(cert.NotAfter); got < 364*24*time.Hour {
		t.Errorf("validity: got %v, want about a year", got)
	}
}

func TestParseFingerprint(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	hexFP := cert.FingerprintHex()
	got, err := ParseFingerprint(hexFP)
	if err != nil {
		t.Fatalf("ParseFingerprint: %v", err)
	}
	if got != cert.Fingerprint {
		t.Error("round trip mismatch")
	}

	var colon []string
	for i := 0; i < len(hexFP); i += 2 {
		colon = append(colon, strings.ToUpper(hexFP[i:i+2]))
	}
	got, err = ParseFingerprint(strings.Join(colon, ":"))
	if err != nil || got != cert.Fingerprint {
		t.Errorf("colon form: got %x, %v", got, err)
	}

	if _, err := ParseFingerprint("abcd"); err == nil {
		t.Error("short fingerprint accepted")
	}
	if _, err := ParseFingerprint("zz"); err == nil {
		t.Error("non-hex fingerprint accepted")
	}
}

func TestClientTLSConfigPinning(t *testing.T) {
	t.Parallel()
	server, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cfg, err := ClientTLSConfig(server.FingerprintHex())
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}
	if err := cfg.VerifyPeerCertificate(server.TLSCert.Certificate, nil); err != nil {
		t.Errorf("matching cert rejected: %v", err)
	}
	err = cfg.VerifyPeerCertificate(other.TLSCert.Certificate, nil)
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other cert: got %v, want ErrFingerprintMismatch", err)
	}

	open, err := ClientTLSConfig("")
	if err != nil {
		t.Fatalf("ClientTLSConfig(\"\"): %v", err)
	}
	if open.VerifyPeerCertificate != nil {
		t.Error("unpinned config should not verify")
	}
	if open.NextProtos[0] != ALPN {
		t.Errorf("ALPN: got %q, want %q", open.NextProtos[0], ALPN)
	}
}
