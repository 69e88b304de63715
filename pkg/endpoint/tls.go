package endpoint

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// tlsConfig builds the TLS configuration of cfg, or returns nil when cfg
// has neither an injected configuration nor TLS files.
func tlsConfig(cfg *Config) (*tls.Config, error) {
	if cfg.TLS != nil {
		return cfg.TLS.Clone(), nil
	}
	if cfg.TLSCertFile == "" && cfg.TLSCAFile == "" && !cfg.TLSInsecure {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         cfg.TLSServerName,
		InsecureSkipVerify: cfg.TLSInsecure,
	}

	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: loading key pair: %w", ErrInvalidCfg, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA: %w", ErrInvalidCfg, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificate in %s", ErrInvalidCfg, cfg.TLSCAFile)
		}
		tlsCfg.RootCAs = pool
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}
