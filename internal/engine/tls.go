package engine

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// tlsConfigFromPEM builds the mutual-TLS client configuration from PEM
// material held in an endpoint record. The material stays in memory; it is
// never written to disk, which is why the engine client's file-path based
// TLS options are not used here.
func tlsConfigFromPEM(caPEM, certPEM, keyPEM string) (*tls.Config, error) {
	pair, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse client certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}

	if caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return nil, fmt.Errorf("parse CA certificate: no valid PEM data")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
