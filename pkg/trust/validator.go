package trust

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Cache stores raw CRL bytes keyed by distribution point URL. Lookups must
// be safe for concurrent use.
type Cache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// FetchProblem records one CRL source that yielded no information.
type FetchProblem struct {
	URL string
	Err error
}

// Decision is the outcome of validating one certificate.
type Decision struct {
	Accepted bool
	Reason   string
	Problems []FetchProblem
}

// Err converts a rejection into an error wrapping ErrUntrusted.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	if d.Reason == reasonRevoked {
		return ErrRevoked
	}
	if d.Reason == reasonNoInformation {
		return ErrNoCRLInformation
	}
	return fmt.Errorf("%w: %s", ErrUntrusted, d.Reason)
}

const (
	reasonNoCDP         = "no_crl_distribution_points"
	reasonNotRevoked    = "not_revoked"
	reasonRevoked       = "revoked"
	reasonNoInformation = "all_crl_sources_failed"
)

type Options struct {
	Fetcher Fetcher
	// Cache is optional; without it every validation fetches.
	Cache Cache
	// MaxCacheTTL caps how long a CRL is reused even when its NextUpdate is later.
	MaxCacheTTL  time.Duration
	FetchTimeout time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
	// OnDecision, when set, observes every decision Check makes.
	OnDecision func(Decision)
}

// Validator gates SAS connections on the revocation status of the peer
// certificate.
type Validator struct {
	fetcher      Fetcher
	cache        Cache
	maxTTL       time.Duration
	fetchTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
	onDecision   func(Decision)
}

func NewValidator(opts Options) *Validator {
	v := &Validator{
		fetcher:      opts.Fetcher,
		cache:        opts.Cache,
		maxTTL:       opts.MaxCacheTTL,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
		onDecision:   opts.OnDecision,
	}
	if v.fetcher == nil {
		v.fetcher = NewHTTPFetcher(opts.FetchTimeout, DefaultMaxCRLBytes)
	}
	if v.maxTTL <= 0 {
		v.maxTTL = time.Hour
	}
	if v.fetchTimeout <= 0 {
		v.fetchTimeout = 5 * time.Second
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Validate checks cert against every CRL it declares. issuer may be nil, in
// which case CRL signatures are not verified.
func (v *Validator) Validate(ctx context.Context, cert, issuer *x509.Certificate) Decision {
	urls := distributionPoints(cert)
	if len(urls) == 0 {
		v.logger.Warn("accepting certificate without CRL distribution points",
			zap.String("crl_policy", "fail_open"),
			zap.String("subject", cert.Subject.String()),
			zap.String("serial", cert.SerialNumber.String()))
		return Decision{Accepted: true, Reason: reasonNoCDP}
	}

	var (
		mu       sync.Mutex
		problems []FetchProblem
		revoked  bool
		checked  int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			crl, err := v.load(gctx, url, issuer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				problems = append(problems, FetchProblem{URL: url, Err: err})
				return nil
			}
			checked++
			if listed(crl, cert) {
				revoked = true
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range problems {
		v.logger.Warn("CRL source unavailable", zap.String("url", p.URL), zap.Error(p.Err))
	}
	switch {
	case revoked:
		return Decision{Accepted: false, Reason: reasonRevoked, Problems: problems}
	case checked == 0:
		return Decision{Accepted: false, Reason: reasonNoInformation, Problems: problems}
	default:
		return Decision{Accepted: true, Reason: reasonNotRevoked, Problems: problems}
	}
}

// Check validates the leaf of a verified chain. chain[1], when present, is
// used as the CRL issuer.
func (v *Validator) Check(ctx context.Context, chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: peer presented no certificate", ErrUntrusted)
	}
	var issuer *x509.Certificate
	if len(chain) > 1 {
		issuer = chain[1]
	}
	d := v.Validate(ctx, chain[0], issuer)
	if v.onDecision != nil {
		v.onDecision(d)
	}
	if err := d.Err(); err != nil {
		v.logger.Error("rejecting SAS certificate",
			zap.String("subject", chain[0].Subject.String()),
			zap.String("reason", d.Reason),
			zap.Int("crl_problems", len(d.Problems)))
		return err
	}
	return nil
}

// VerifyConnection plugs the validator into tls.Config.VerifyConnection so
// every new SAS connection is checked during the handshake.
func (v *Validator) VerifyConnection() func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*v.fetchTimeout)
		defer cancel()
		chain := cs.PeerCertificates
		if len(cs.VerifiedChains) > 0 {
			chain = cs.VerifiedChains[0]
		}
		return v.Check(ctx, chain)
	}
}

func (v *Validator) load(ctx context.Context, url string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	key := cacheKey(url)
	if v.cache != nil {
		raw, ok, err := v.cache.GetBytes(ctx, key)
		if err != nil {
			v.logger.Debug("CRL cache read failed", zap.String("url", url), zap.Error(err))
		}
		if ok {
			if crl, err := parseCRL(raw); err == nil && v.fresh(crl) {
				return crl, nil
			}
		}
	}

	fctx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
	defer cancel()
	raw, err := v.fetcher.Fetch(fctx, url)
	if err != nil {
		return nil, err
	}
	crl, err := parseCRL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse CRL: %w", err)
	}
	if issuer != nil {
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			return nil, fmt.Errorf("CRL signature: %w", err)
		}
	}
	if v.cache != nil {
		if ttl := v.ttl(crl); ttl > 0 {
			if err := v.cache.SetBytes(ctx, key, crl.Raw, ttl); err != nil {
				v.logger.Debug("CRL cache write failed", zap.String("url", url), zap.Error(err))
			}
		}
	}
	return crl, nil
}

func (v *Validator) fresh(crl *x509.RevocationList) bool {
	return crl.NextUpdate.IsZero() || v.now().Before(crl.NextUpdate)
}

func (v *Validator) ttl(crl *x509.RevocationList) time.Duration {
	if crl.NextUpdate.IsZero() {
		return v.maxTTL
	}
	ttl := crl.NextUpdate.Sub(v.now())
	if ttl > v.maxTTL {
		ttl = v.maxTTL
	}
	return ttl
}

func parseCRL(raw []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(raw); block != nil {
		if block.Type != "X509 CRL" {
			return nil, errors.New("unexpected PEM block " + block.Type)
		}
		raw = block.Bytes
	}
	return x509.ParseRevocationList(raw)
}

func listed(crl *x509.RevocationList, cert *x509.Certificate) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

func distributionPoints(cert *x509.Certificate) []string {
	seen := make(map[string]struct{}, len(cert.CRLDistributionPoints))
	out := make([]string, 0, len(cert.CRLDistributionPoints))
	for _, u := range cert.CRLDistributionPoints {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "crl:" + hex.EncodeToString(sum[:])
}
