package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/helmdeck/helmdeck/internal/crypto"
	"github.com/helmdeck/helmdeck/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	database.DB = db
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

// testCertPair creates a self-signed ECDSA P-256 client certificate.
func testCertPair(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "client"},
		NotBefore:             now,
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func TestValidateTransport(t *testing.T) {
	cases := []struct {
		name    string
		rec     database.Endpoint
		wantErr bool
	}{
		{"plain", database.Endpoint{Transport: database.TransportPlain}, false},
		{"tls complete", database.Endpoint{Transport: database.TransportTLSMutual, TLSCert: "c", TLSKey: "k"}, false},
		{"tls missing key", database.Endpoint{Transport: database.TransportTLSMutual, TLSCert: "c"}, true},
		{"tls missing cert", database.Endpoint{Transport: database.TransportTLSMutual, TLSKey: "k"}, true},
		{"tls missing both", database.Endpoint{Transport: database.TransportTLSMutual}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransport(&tc.rec)
			if tc.wantErr && !errors.Is(err, ErrIncompleteCredentials) {
				t.Errorf("expected ErrIncompleteCredentials, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
		})
	}
}

func TestResolveCachesByFingerprint(t *testing.T) {
	r := NewResolver("")
	defer r.CloseAll()

	rec := &database.Endpoint{ID: "ep1", Host: "10.0.0.1", Port: 2376, Transport: database.TransportPlain}

	first, err := r.Resolve(rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.Resolve(rec)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second {
		t.Error("expected cached client for unchanged record")
	}

	rec.Host = "10.0.0.2"
	third, err := r.Resolve(rec)
	if err != nil {
		t.Fatalf("resolve after change: %v", err)
	}
	if third == first {
		t.Error("expected rebuilt client after transport change")
	}
}

func TestResolveRejectsIncompleteCredentials(t *testing.T) {
	r := NewResolver("")
	defer r.CloseAll()

	rec := &database.Endpoint{ID: "ep1", Host: "10.0.0.1", Port: 2376,
		Transport: database.TransportTLSMutual, TLSCert: "c"}

	if _, err := r.Resolve(rec); !errors.Is(err, ErrIncompleteCredentials) {
		t.Errorf("expected ErrIncompleteCredentials, got %v", err)
	}
	if _, err := r.ResolveFresh(rec); !errors.Is(err, ErrIncompleteCredentials) {
		t.Errorf("expected ErrIncompleteCredentials from fresh resolve, got %v", err)
	}
}

func TestResolveMutualTLS(t *testing.T) {
	setupTestDB(t)

	certPEM, keyPEM := testCertPair(t)
	encKey, err := crypto.Encrypt(keyPEM)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}

	r := NewResolver("")
	defer r.CloseAll()

	rec := &database.Endpoint{
		ID: "ep1", Host: "10.0.0.1", Port: 2376,
		Transport: database.TransportTLSMutual,
		TLSCA:     certPEM,
		TLSCert:   certPEM,
		TLSKey:    encKey,
	}
	client, err := r.Resolve(rec)
	if err != nil {
		t.Fatalf("resolve tls record: %v", err)
	}
	if client == nil {
		t.Fatal("expected a client")
	}
}

func TestResolveMutualTLSBadPEM(t *testing.T) {
	setupTestDB(t)

	badKey, err := crypto.Encrypt("not a key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	r := NewResolver("")
	defer r.CloseAll()

	rec := &database.Endpoint{
		ID: "ep1", Host: "10.0.0.1", Port: 2376,
		Transport: database.TransportTLSMutual,
		TLSCert:   "not a cert",
		TLSKey:    badKey,
	}
	if _, err := r.Resolve(rec); err == nil {
		t.Error("expected malformed PEM to fail client construction")
	}
}

func TestInvalidate(t *testing.T) {
	r := NewResolver("")
	defer r.CloseAll()

	rec := &database.Endpoint{ID: "ep1", Host: "10.0.0.1", Port: 2376, Transport: database.TransportPlain}
	first, err := r.Resolve(rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	r.Invalidate("ep1")

	second, err := r.Resolve(rec)
	if err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if second == first {
		t.Error("expected a fresh client after invalidation")
	}
}

func TestResolveFreshIsUncached(t *testing.T) {
	r := NewResolver("")
	defer r.CloseAll()

	rec := &database.Endpoint{ID: "ep1", Host: "10.0.0.1", Port: 2376, Transport: database.TransportPlain}
	first, err := r.ResolveFresh(rec)
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	defer first.Close()
	second, err := r.ResolveFresh(rec)
	if err != nil {
		t.Fatalf("fresh again: %v", err)
	}
	defer second.Close()
	if first == second {
		t.Error("expected independent clients from fresh resolves")
	}
}
