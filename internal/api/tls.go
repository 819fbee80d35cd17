package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/config"
)

// TLSConfig names the PEM files the API serves with. ClientCAFile, when set,
// makes the server require client certificates signed by that CA.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

var tlsConfig *TLSConfig

// InitTLS reads SORTER_TLS_CERT, SORTER_TLS_KEY and SORTER_TLS_CLIENT_CA.
// TLS stays off unless both cert and key are set.
func InitTLS() {
	cfg := &TLSConfig{
		CertFile:     config.EnvString("SORTER_TLS_CERT", ""),
		KeyFile:      config.EnvString("SORTER_TLS_KEY", ""),
		ClientCAFile: config.EnvString("SORTER_TLS_CLIENT_CA", ""),
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		tlsConfig = nil
		return
	}
	tlsConfig = cfg
}

func IsTLSEnabled() bool {
	return tlsConfig != nil && tlsConfig.CertFile != "" && tlsConfig.KeyFile != ""
}

func GetTLSConfig() *TLSConfig {
	return tlsConfig
}

// LoadTLSConfig builds the server tls.Config. It returns nil when TLS is off
// or the files cannot be loaded; the server then falls back to plain HTTP.
func LoadTLSConfig() *tls.Config {
	if !IsTLSEnabled() {
		return nil
	}
	cfg, err := buildTLSConfig(tlsConfig)
	if err != nil {
		zap.L().Error("tls disabled", zap.String("cert", tlsConfig.CertFile), zap.Error(err))
		return nil
	}
	return cfg
}

func buildTLSConfig(c *TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile == "" {
		return out, nil
	}

	pem, err := os.ReadFile(c.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client ca %s: no certificates", c.ClientCAFile)
	}
	out.ClientCAs = pool
	out.ClientAuth = tls.RequireAndVerifyClientCert
	return out, nil
}

// SetTLSConfigForTest replaces the configuration InitTLS would load.
func SetTLSConfigForTest(cfg *TLSConfig) {
	tlsConfig = cfg
}
