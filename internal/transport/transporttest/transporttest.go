// Package transporttest issues throwaway certificates for tests that need a
// mutual TLS ring on loopback.
package transporttest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringchat/internal/transport"
)

// Authority is a self-signed CA valid for one test.
type Authority struct {
	t       testing.TB
	cert    *x509.Certificate
	certDER []byte
	key     *ecdsa.PrivateKey
	Pool    *x509.CertPool
	serial  int64
}

// NewAuthority creates a CA.
func NewAuthority(t testing.TB) *Authority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ringchat test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &Authority{t: t, cert: cert, certDER: der, key: key, Pool: pool, serial: 1}
}

// Issue returns a key pair for a node reachable on loopback, usable both as a
// server and as a client certificate.
func (a *Authority) Issue(name string) tls.Certificate {
	a.t.Helper()
	der, key := a.issue(name)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func (a *Authority) issue(name string) ([]byte, *ecdsa.PrivateKey) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(a.t, err)
	a.serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(a.serial),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	require.NoError(a.t, err)
	return der, key
}

// Config returns a mutual TLS config for a freshly issued node certificate.
func (a *Authority) Config(name string) *tls.Config {
	a.t.Helper()
	return transport.NewTLSConfig(a.Issue(name), a.Pool)
}

// WriteFiles writes a node certificate, its key and the CA as PEM files under
// dir and returns their paths.
func (a *Authority) WriteFiles(dir, name string) transport.TLSFiles {
	a.t.Helper()
	der, key := a.issue(name)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(a.t, err)

	files := transport.TLSFiles{
		CertFile: filepath.Join(dir, name+".crt"),
		KeyFile:  filepath.Join(dir, name+".key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	}
	writePEM(a.t, files.CertFile, "CERTIFICATE", der)
	writePEM(a.t, files.KeyFile, "EC PRIVATE KEY", keyDER)
	writePEM(a.t, files.CAFile, "CERTIFICATE", a.certDER)
	return files
}

func writePEM(t testing.TB, path, kind string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
