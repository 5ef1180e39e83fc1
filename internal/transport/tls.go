package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// TLSFiles names the PEM files a node needs for mutual TLS.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// LoadTLS reads the node's key pair and the cluster CA and returns a config
// usable by both Listen and Dialer. Inbound connections must present a
// certificate signed by the CA.
//
// Parameters:
//   - files: paths to the certificate, private key and CA bundle
//
// Returns:
//   - A config requiring and verifying peer certificates
//   - An error if any file is missing or unparsable
func LoadTLS(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	caPEM, err := os.ReadFile(files.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("read CA %s: no certificates found", files.CAFile)
	}
	return NewTLSConfig(cert, pool), nil
}

// NewTLSConfig builds the mutual TLS config from an in-memory key pair and CA pool.
func NewTLSConfig(cert tls.Certificate, ca *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      ca,
		ClientCAs:    ca,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// Listen opens a listener on addr. With a nil config the listener is plain TCP.
func Listen(addr string, cfg *tls.Config) (net.Listener, error) {
	if cfg == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, cfg)
}
