package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"guard-service/internal/util"
)

// ErrNoCertificate is returned when no certificate source is configured.
var ErrNoCertificate = errors.New("no certificate source configured")

type TLSConfig struct {
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	// SelfSigned allows an in-memory certificate when nothing else is set.
	// Only meant for development.
	SelfSigned bool
}

// TLSManager serves certificates from ACME, from key pair files (reloaded
// when either file changes) or from a generated self-signed pair.
type TLSManager struct {
	config   *TLSConfig
	autoCert *autocert.Manager

	mu       sync.Mutex
	fileCert *tls.Certificate
	loadedAt time.Time
	devCert  *tls.Certificate
}

func NewTLSManager(config *TLSConfig) (*TLSManager, error) {
	m := &TLSManager{config: config}

	if config.AutoCert {
		if config.Domain == "" {
			return nil, fmt.Errorf("autocert requires a domain")
		}
		if err := os.MkdirAll(config.AutoCertDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(config.Domain),
			Cache:      autocert.DirCache(config.AutoCertDir),
			Email:      config.Email,
		}
		util.Info("AutoCert configured",
			zap.String("domain", config.Domain),
			zap.String("cache_dir", config.AutoCertDir))
	}

	if config.CertFile != "" || config.KeyFile != "" {
		if _, err := m.loadFileCert(); err != nil {
			return nil, err
		}
	}

	if m.autoCert == nil && m.fileCert == nil && !config.SelfSigned {
		return nil, ErrNoCertificate
	}
	return m, nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		if m.config.CertFile == "" {
			return nil, err
		}
		util.Warn("AutoCert failed, falling back to certificate files", zap.Error(err))
	}

	if m.config.CertFile != "" && m.config.KeyFile != "" {
		return m.loadFileCert()
	}
	return m.selfSigned()
}

// loadFileCert returns the cached pair unless either file changed since it
// was loaded. A failed reload keeps serving the previous pair.
func (m *TLSManager) loadFileCert() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	modified, err := latestModTime(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		if m.fileCert != nil {
			return m.fileCert, nil
		}
		return nil, fmt.Errorf("failed to stat certificate files: %w", err)
	}
	if m.fileCert != nil && !modified.After(m.loadedAt) {
		return m.fileCert, nil
	}

	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		if m.fileCert != nil {
			util.Warn("Failed to reload certificate, keeping previous", zap.Error(err))
			return m.fileCert, nil
		}
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	if m.fileCert != nil {
		util.Info("Certificate reloaded", zap.String("cert_file", m.config.CertFile))
	}
	m.fileCert = &cert
	m.loadedAt = modified
	return m.fileCert, nil
}

func latestModTime(paths ...string) (time.Time, error) {
	var latest time.Time
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return time.Time{}, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	if !m.config.SelfSigned {
		return nil, ErrNoCertificate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devCert != nil {
		return m.devCert, nil
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.config.Domain != "" {
		hosts = append(hosts, m.config.Domain)
	}
	cert, err := generateSelfSigned(hosts, 30*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	util.Info("Generated self-signed certificate", zap.Strings("hosts", hosts))
	m.devCert = &cert
	return m.devCert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// GetAutocertManager is nil unless AutoCert is enabled.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
