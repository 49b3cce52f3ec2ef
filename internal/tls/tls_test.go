package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert_Defaults(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Errorf("DNS SANs: got %v, want [localhost]", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	if validDuration < 365*24*time.Hour || validDuration > 366*24*time.Hour {
		t.Errorf("validity: got %v, want about one year", validDuration)
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("public key type: got %T, want *ecdsa.PublicKey", leaf.PublicKey)
	}
	if pub.Curve != elliptic.P256() {
		t.Error("expected P-256 curve")
	}
}

func TestGenerateSelfSignedCert_Hosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("relay.internal", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "relay.internal" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "relay.internal")
	}
	if err := leaf.VerifyHostname("relay.internal"); err != nil {
		t.Errorf("VerifyHostname(relay.internal): %v", err)
	}
	if err := leaf.VerifyHostname("10.0.0.5"); err != nil {
		t.Errorf("VerifyHostname(10.0.0.5): %v", err)
	}
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrGenerateTLS("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %x, want %x", cfg.MinVersion, standardtls.VersionTLS12)
	}
}

func TestLoadOrGenerateTLS_MissingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := LoadOrGenerateTLS(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	if err == nil {
		t.Fatal("expected error for missing certificate file")
	}
}

func writeCertPEM(t *testing.T, path string) {
	t.Helper()

	cert, err := GenerateSelfSignedCert("relay.internal")
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
}

func TestRelayClientConfig(t *testing.T) {
	t.Parallel()

	cfg, err := RelayClientConfig("smtp.office365.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Errorf("expected nil config without CA file, got %+v", cfg)
	}

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	writeCertPEM(t, caFile)

	cfg, err = RelayClientConfig("relay.internal", caFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerName != "relay.internal" {
		t.Errorf("ServerName: got %q, want %q", cfg.ServerName, "relay.internal")
	}
	if cfg.RootCAs == nil {
		t.Error("expected RootCAs to be set")
	}
}

func TestRelayClientConfig_BadCAFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := RelayClientConfig("x", filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for missing CA file")
	}

	empty := filepath.Join(dir, "empty.pem")
	if err := os.WriteFile(empty, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := RelayClientConfig("x", empty); err == nil {
		t.Error("expected error for CA file without certificates")
	}
}
