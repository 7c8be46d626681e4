package gateway

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/buhuipao/anymesh/pkg/events"
	"github.com/buhuipao/anymesh/pkg/logger"
)

// certRenewWindow is how long before expiry a renewal is requested
const certRenewWindow = 30 * 24 * time.Hour

// loadTLS loads the configured certificate and publishes its lifecycle state.
// Returns nil without a certificate.
func (g *Gateway) loadTLS() (*tls.Config, error) {
	if g.config.TLSCert == "" || g.config.TLSKey == "" {
		return nil, nil
	}

	logger.Debug("Loading TLS certificates", "cert_file", g.config.TLSCert, "key_file", g.config.TLSKey)
	cert, err := tls.LoadX509KeyPair(g.config.TLSCert, g.config.TLSKey)
	if err != nil {
		g.publisher.Publish(events.Invalid, "")
		logger.Error("Failed to load TLS certificate", "cert_file", g.config.TLSCert, "key_file", g.config.TLSKey, "err", err)
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		g.publisher.Publish(events.Invalid, "")
		return nil, fmt.Errorf("failed to parse TLS certificate: %w", err)
	}

	for _, kind := range certEvents(leaf, time.Now()) {
		g.publisher.Publish(kind, leaf.Subject.CommonName)
	}
	logger.Info("TLS certificate loaded", "subject", leaf.Subject.CommonName, "not_after", leaf.NotAfter)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// certEvents classifies leaf at now. An expired or expiring certificate also asks for renewal.
func certEvents(leaf *x509.Certificate, now time.Time) []events.Kind {
	switch {
	case now.Before(leaf.NotBefore):
		logger.Warn("TLS certificate is not valid yet", "not_before", leaf.NotBefore)
		return []events.Kind{events.Invalid}
	case now.After(leaf.NotAfter):
		logger.Warn("TLS certificate has expired", "not_after", leaf.NotAfter)
		return []events.Kind{events.Expired, events.Update}
	case leaf.NotAfter.Sub(now) < certRenewWindow:
		logger.Warn("TLS certificate expires soon", "not_after", leaf.NotAfter)
		return []events.Kind{events.Valid, events.Update}
	default:
		return []events.Kind{events.Valid}
	}
}
