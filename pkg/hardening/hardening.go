package hardening

import (
	"fmt"
	"net/url"
	"strings"
)

type Requirement struct {
	Name  string
	Value string
}

// Options is the security-relevant slice of a service's configuration.
type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    bool
	DatabaseRequireTLS    bool
	RedisAddr             string
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool
	// SASURL is empty for services that never call SAS.
	SASURL          string
	CRLCheckEnabled bool
	Required        []Requirement
}

// ValidateProduction rejects insecure settings in production-like
// environments. Other environments and a disabled strict profile pass.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if strings.TrimSpace(o.SASURL) != "" {
		if err := validateSASURL(o.SASURL, service); err != nil {
			return err
		}
		if !o.CRLCheckEnabled {
			return fmt.Errorf("%s: strict production hardening requires CRL_CHECK_ENABLED=true", service)
		}
	}
	for _, req := range o.Required {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateSASURL(raw, service string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid SAS_URL: %w", service, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("%s: strict production hardening requires an https SAS_URL, got %q", service, raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("%s: strict production hardening forbids local SAS_URL %q", service, raw)
	}
	return nil
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
