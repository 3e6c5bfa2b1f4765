// Package mtls builds client TLS configurations from PEM files.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientConfig names the PEM files of a TLS client. Every field is optional:
// an empty CA uses the system roots and an empty certificate pair sends no
// client certificate.
type ClientConfig struct {
	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	ServerName string `mapstructure:"server_name"`
}

// Enabled reports whether any TLS setting was given
func (c ClientConfig) Enabled() bool {
	return c.CACert != "" || c.ClientCert != "" || c.ClientKey != "" || c.ServerName != ""
}

// LoadClientTLSConfig creates a TLS configuration for a (mutually) authenticated client
func LoadClientTLSConfig(c ClientConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: c.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if c.CACert != "" {
		caCert, err := os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s", c.CACert)
		}
		cfg.RootCAs = pool
	}

	switch {
	case c.ClientCert != "" && c.ClientKey != "":
		pair, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	case c.ClientCert != "" || c.ClientKey != "":
		return nil, fmt.Errorf("client certificate and key must be given together")
	}

	return cfg, nil
}
