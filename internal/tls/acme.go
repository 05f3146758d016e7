package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/songzhibin97/edgegate/internal/config"
	"github.com/songzhibin97/edgegate/pkg/log"
)

const defaultCacheDir = "./acme-cache"

// ACMEManager obtains and renews listener certificates on demand and
// answers HTTP-01 challenges.
type ACMEManager struct {
	config  config.ACMEConfig
	manager *autocert.Manager
	logger  log.Logger

	challenge *http.Server
}

// CertificateStatus describes the cached certificate of one domain
type CertificateStatus struct {
	Domain   string    `json:"domain"`
	Valid    bool      `json:"valid"`
	NotAfter time.Time `json:"not_after,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// NewACMEManager creates the certificate manager. The cache directory is
// created when missing.
func NewACMEManager(cfg config.ACMEConfig) (*ACMEManager, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("ACME is disabled")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ACME configuration: %w", err)
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}
	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create ACME cache directory: %w", err)
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cfg.CacheDir),
		HostPolicy: autocert.HostWhitelist(cfg.Domains...),
		Email:      cfg.Email,
	}
	if cfg.DirectoryURL != "" {
		manager.Client = &acme.Client{DirectoryURL: cfg.DirectoryURL}
	}

	return &ACMEManager{
		config:  cfg,
		manager: manager,
		logger:  log.Component("acme"),
	}, nil
}

// TLSConfig returns a listener configuration serving managed certificates
func (am *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: am.manager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPHandler answers HTTP-01 challenges and passes everything else to
// fallback. A nil fallback redirects to HTTPS.
func (am *ACMEManager) HTTPHandler(fallback http.Handler) http.Handler {
	return am.manager.HTTPHandler(fallback)
}

// StartChallengeServer serves HTTP-01 challenges on the configured address
// until Stop.
func (am *ACMEManager) StartChallengeServer() error {
	if am.config.ChallengeAddress == "" {
		return nil
	}

	am.challenge = &http.Server{
		Addr:              am.config.ChallengeAddress,
		Handler:           am.HTTPHandler(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	am.logger.Info("ACME challenge listener started",
		log.String("address", am.config.ChallengeAddress),
		log.Any("domains", am.config.Domains))

	if err := am.challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ACME challenge listener failed: %w", err)
	}
	return nil
}

// Stop closes the challenge listener
func (am *ACMEManager) Stop(ctx context.Context) error {
	if am.challenge == nil {
		return nil
	}
	return am.challenge.Shutdown(ctx)
}

// Status reports the cached certificate of every configured domain without
// contacting the CA.
func (am *ACMEManager) Status(ctx context.Context) []CertificateStatus {
	statuses := make([]CertificateStatus, 0, len(am.config.Domains))
	for _, domain := range am.config.Domains {
		status := CertificateStatus{Domain: domain}
		notAfter, err := am.cachedExpiry(ctx, domain)
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Valid = time.Now().Before(notAfter)
			status.NotAfter = notAfter
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (am *ACMEManager) cachedExpiry(ctx context.Context, domain string) (time.Time, error) {
	data, err := am.manager.Cache.Get(ctx, domain)
	if err != nil {
		return time.Time{}, err
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cached certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return leaf.NotAfter, nil
}
