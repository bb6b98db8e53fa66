package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/types"
)

// ClientTLSConfig builds the tls.Config for an outbound association to a
// TLS-enabled destination. A client certificate pair is optional; a CA
// file restricts which server certificates are trusted; SkipVerify is for
// test environments only.
func ClientTLSConfig(d *types.Destination) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: d.Host,
	}

	if d.TLSSkipVerify {
		cfg.InsecureSkipVerify = true
	}

	if d.TLSCertFile != "" || d.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(d.TLSCertFile, d.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if d.TLSCAFile != "" {
		pool, err := loadCertPool(d.TLSCAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// ServerTLSConfig builds the tls.Config for the SCP listener. Setting
// ClientCAFile enforces mutual TLS: peers must present a certificate
// signed by that CA.
func ServerTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if c.ClientCAFile != "" {
		pool, err := loadCertPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
