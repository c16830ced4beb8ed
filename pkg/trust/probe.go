package trust

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Prober opens a TLS connection to the SAS endpoint and validates the
// certificate it presents, without sending any payload.
type Prober struct {
	Addr      string
	TLS       *tls.Config
	Validator *Validator
	Timeout   time.Duration
}

// NewProber derives the dial address from the SAS base URL.
func NewProber(baseURL string, cfg *tls.Config, v *Validator, timeout time.Duration) (*Prober, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse sas url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("sas url %q has no host", baseURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return &Prober{Addr: net.JoinHostPort(host, port), TLS: cfg, Validator: v, Timeout: timeout}, nil
}

// Check dials, completes the handshake, and validates the peer chain.
func (p *Prober) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.TLS != nil {
		cfg = p.TLS.Clone()
	}
	cfg.VerifyConnection = nil
	if cfg.ServerName == "" {
		host, _, _ := net.SplitHostPort(p.Addr)
		cfg.ServerName = host
	}
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: cfg}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", p.Addr)
	if err != nil {
		var verr *tls.CertificateVerificationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: handshake with %s: %v", ErrUntrusted, p.Addr, err)
		}
		return fmt.Errorf("dial sas %s: %w", p.Addr, err)
	}
	defer conn.Close()
	state := conn.(*tls.Conn).ConnectionState()
	chain := state.PeerCertificates
	if len(state.VerifiedChains) > 0 {
		chain = state.VerifiedChains[0]
	}
	return p.Validator.Check(ctx, chain)
}
