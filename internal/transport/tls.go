package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"mlvpn/internal/config"
)

// ALPN is the application protocol negotiated on QUIC links.
const ALPN = "mlvpn"

// TLS holds the QUIC TLS configurations, loaded once at startup while key
// material is still readable.
type TLS struct {
	Server *tls.Config
	Client *tls.Config
}

// LoadTLS builds the configurations the tunnels of cfg need.
func LoadTLS(cfg *config.Config) (*TLS, error) {
	out := &TLS{}
	for _, t := range cfg.Tunnels {
		if t.Encap != EncapQUIC {
			continue
		}
		var err error
		if t.Server() && out.Server == nil {
			out.Server, err = ServerTLS(cfg.TLS)
		} else if !t.Server() && out.Client == nil {
			out.Client, err = ClientTLS(cfg.TLS)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func ServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func ClientTLS(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed loading tls ca_file: %s", cfg.CAFile)
		}
		tlsConf.RootCAs = roots
	}
	return tlsConf, nil
}
