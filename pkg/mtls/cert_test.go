package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned writes a self-signed certificate and its key, returning both paths
func selfSigned(t *testing.T) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "smlog-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func TestLoadClientTLSConfig(t *testing.T) {
	cert, key := selfSigned(t)

	cfg, err := LoadClientTLSConfig(ClientConfig{CACert: cert, ClientCert: cert, ClientKey: key, ServerName: "db.internal"})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, "db.internal", cfg.ServerName)

	cfg, err = LoadClientTLSConfig(ClientConfig{ServerName: "db.internal"})
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs, "system roots are used without a CA file")
	assert.Empty(t, cfg.Certificates)
}

func TestLoadClientTLSConfig_Errors(t *testing.T) {
	cert, key := selfSigned(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o600))

	_, err := LoadClientTLSConfig(ClientConfig{CACert: filepath.Join(t.TempDir(), "missing.pem")})
	assert.ErrorContains(t, err, "failed to read CA certificate")

	_, err = LoadClientTLSConfig(ClientConfig{CACert: garbage})
	assert.ErrorContains(t, err, "failed to append CA certificate")

	_, err = LoadClientTLSConfig(ClientConfig{ClientCert: cert})
	assert.ErrorContains(t, err, "must be given together")

	_, err = LoadClientTLSConfig(ClientConfig{ClientCert: key, ClientKey: cert})
	assert.ErrorContains(t, err, "failed to load client certificate")
}

func TestEnabled(t *testing.T) {
	assert.False(t, ClientConfig{}.Enabled())
	assert.True(t, ClientConfig{CACert: "ca.pem"}.Enabled())
}
