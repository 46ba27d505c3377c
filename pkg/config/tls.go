package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/pinus-go/pinus/pkg/pinuslog"
)

// TLSConfig secures the connection to the coordination store. Modes follow
// the libpq sslmode names.
type TLSConfig struct {
	SslMode      string `json:"sslmode" toml:"sslmode" yaml:"sslmode"`
	KeyFile      string `json:"key_file" toml:"key_file" yaml:"key_file"`
	CertFile     string `json:"cert_file" toml:"cert_file" yaml:"cert_file"`
	RootCertFile string `json:"root_cert_file" toml:"root_cert_file" yaml:"root_cert_file"`
}

// Init returns nil for a disabled configuration.
func (c *TLSConfig) Init(host string) (*tls.Config, error) {
	if c == nil || c.SslMode == "" || c.SslMode == "disable" {
		return nil, nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, fmt.Errorf(`both "cert_file" and "key_file" are required`)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.RootCertFile != "" {
		caCert, err := os.ReadFile(c.RootCertFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("unable to add CA to cert pool")
		}
		tlsConfig.RootCAs = pool
	}

	switch c.SslMode {
	case "require":
		if c.RootCertFile == "" {
			// codeql[go/disabled-certificate-verification]
			tlsConfig.InsecureSkipVerify = true
			break
		}
		/* a root CA turns require into verify-ca */
		verifyChainOnly(tlsConfig)
	case "verify-ca":
		verifyChainOnly(tlsConfig)
	case "verify-full":
		tlsConfig.ServerName = host
	default:
		return nil, fmt.Errorf("sslmode %q is invalid", c.SslMode)
	}

	if c.CertFile != "" {
		pinuslog.Zero.Debug().
			Str("cert_file", c.CertFile).
			Str("key_file", c.KeyFile).
			Msg("loading tls")
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to load X509 key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// verifyChainOnly checks the peer chain against RootCAs without matching
// the host name.
func verifyChainOnly(tlsConfig *tls.Config) {
	// codeql[go/disabled-certificate-verification]
	tlsConfig.InsecureSkipVerify = true
	tlsConfig.VerifyPeerCertificate = func(certificates [][]byte, _ [][]*x509.Certificate) error {
		if len(certificates) == 0 {
			return fmt.Errorf("server sent no certificate")
		}
		certs := make([]*x509.Certificate, len(certificates))
		for i, asn1Data := range certificates {
			cert, err := x509.ParseCertificate(asn1Data)
			if err != nil {
				return fmt.Errorf("failed to parse certificate from server: %w", err)
			}
			certs[i] = cert
		}

		opts := x509.VerifyOptions{
			Roots:         tlsConfig.RootCAs,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
