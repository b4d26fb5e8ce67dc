package tlsutil

import (
	"crypto/tls"
	"testing"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("CipherSuites should not be empty")
	}
	// Verify all cipher suites are AEAD
	for _, cs := range cfg.CipherSuites {
		switch cs {
		case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:
			// AEAD suite
		default:
			t.Errorf("unexpected non-AEAD cipher suite: %d", cs)
		}
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify must never be set")
	}
}

func TestDefaultTLSConfigIsFresh(t *testing.T) {
	a := DefaultTLSConfig()
	b := DefaultTLSConfig()
	if a == b {
		t.Fatal("DefaultTLSConfig must return a fresh config per call")
	}
	a.MinVersion = tls.VersionTLS13
	if b.MinVersion != tls.VersionTLS12 {
		t.Error("configs must not share state")
	}
}
