package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
)

// ErrUnauthenticated is returned when a request carries no usable identity
var ErrUnauthenticated = errors.New("unauthenticated")

// Header names read by HeaderVerifier
const (
	UserIDHeader   = "X-User-ID"
	TenantIDHeader = "X-Tenant-ID"
)

// Verifier turns request credentials into a verified principal
type Verifier interface {
	Verify(r *http.Request) (contextkeys.Principal, error)
}

// OIDCConfig configures ID token verification
type OIDCConfig struct {
	IssuerURL string
	ClientID  string
	// UserClaim and TenantClaim name the claims holding the numeric user and
	// tenant ids. They default to "sub" and "tenant_id".
	UserClaim       string
	TenantClaim     string
	SkipIssuerCheck bool
}

// OIDCVerifier verifies bearer ID tokens issued by an OpenID Connect provider
type OIDCVerifier struct {
	verifier    *oidc.IDTokenVerifier
	userClaim   string
	tenantClaim string
}

// NewOIDCVerifier discovers the provider at cfg.IssuerURL and returns a
// verifier bound to its signing keys
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer_url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return NewOIDCVerifierFrom(provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
	}), cfg), nil
}

// NewOIDCVerifierFrom wraps an existing token verifier
func NewOIDCVerifierFrom(verifier *oidc.IDTokenVerifier, cfg OIDCConfig) *OIDCVerifier {
	if cfg.UserClaim == "" {
		cfg.UserClaim = "sub"
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant_id"
	}
	return &OIDCVerifier{
		verifier:    verifier,
		userClaim:   cfg.UserClaim,
		tenantClaim: cfg.TenantClaim,
	}
}

// Verify checks the bearer token of r and maps its claims to a principal
func (v *OIDCVerifier) Verify(r *http.Request) (contextkeys.Principal, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return contextkeys.Principal{}, err
	}

	token, err := v.verifier.Verify(r.Context(), raw)
	if err != nil {
		return contextkeys.Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	var claims map[string]json.RawMessage
	if err := token.Claims(&claims); err != nil {
		return contextkeys.Principal{}, fmt.Errorf("%w: failed to parse claims: %v", ErrUnauthenticated, err)
	}

	userID, err := int64Claim(claims, v.userClaim)
	if err != nil {
		return contextkeys.Principal{}, err
	}
	tenantID, err := int64Claim(claims, v.tenantClaim)
	if err != nil {
		return contextkeys.Principal{}, err
	}
	return contextkeys.Principal{UserID: userID, TenantID: tenantID}, nil
}

// HeaderVerifier trusts identity headers set by an authenticating proxy. Only
// use it when the proxy strips these headers from client requests.
type HeaderVerifier struct{}

// Verify reads the user and tenant id headers
func (HeaderVerifier) Verify(r *http.Request) (contextkeys.Principal, error) {
	userID, err := positiveID(r.Header.Get(UserIDHeader))
	if err != nil {
		return contextkeys.Principal{}, fmt.Errorf("%w: %s: %v", ErrUnauthenticated, UserIDHeader, err)
	}
	tenantID, err := positiveID(r.Header.Get(TenantIDHeader))
	if err != nil {
		return contextkeys.Principal{}, fmt.Errorf("%w: %s: %v", ErrUnauthenticated, TenantIDHeader, err)
	}
	return contextkeys.Principal{UserID: userID, TenantID: tenantID}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnauthenticated)
	}
	return parts[1], nil
}

// int64Claim accepts the claim as a JSON number or a numeric string
func int64Claim(claims map[string]json.RawMessage, name string) (int64, error) {
	raw, ok := claims[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing claim %q", ErrUnauthenticated, name)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	id, err := positiveID(s)
	if err != nil {
		return 0, fmt.Errorf("%w: claim %q: %v", ErrUnauthenticated, name, err)
	}
	return id, nil
}

func positiveID(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if id <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return id, nil
}
