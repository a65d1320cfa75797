package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the verified caller of the callback endpoint.
type Identity struct {
	Subject  string
	Audience []string
}

// ServiceIdentityVerifier authenticates callback deliveries carrying an OIDC
// bearer token minted for the execution substrate's service account. This is
// the platform-native alternative to the shared-secret HMAC signature.
type ServiceIdentityVerifier struct {
	verifier        *oidc.IDTokenVerifier
	allowedSubjects map[string]struct{}
}

type OIDCConfig struct {
	IssuerURL       string
	Audience        string
	AllowedSubjects []string
}

func (c OIDCConfig) Validate() error {
	if strings.TrimSpace(c.IssuerURL) == "" {
		return errors.New("issuer url is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return errors.New("audience is required")
	}
	return nil
}

func NewServiceIdentityVerifier(ctx context.Context, cfg OIDCConfig) (*ServiceIdentityVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, strings.TrimSpace(cfg.IssuerURL))
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedSubjects))
	for _, sub := range cfg.AllowedSubjects {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		allowed[sub] = struct{}{}
	}

	return &ServiceIdentityVerifier{
		verifier:        provider.Verifier(&oidc.Config{ClientID: strings.TrimSpace(cfg.Audience)}),
		allowedSubjects: allowed,
	}, nil
}

func (v *ServiceIdentityVerifier) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if v == nil || v.verifier == nil {
		return Identity{}, errors.New("verifier not initialized")
	}
	raw := tokenFromHeader(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}
	if len(v.allowedSubjects) > 0 {
		if _, ok := v.allowedSubjects[idToken.Subject]; !ok {
			return Identity{}, fmt.Errorf("subject %q not allowed", idToken.Subject)
		}
	}
	return Identity{Subject: idToken.Subject, Audience: idToken.Audience}, nil
}

// TokenSource returns a client-credentials token source for components that
// call back into the substrate with the same identity scheme.
func TokenSource(ctx context.Context, token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(token)})
}

func tokenFromHeader(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
