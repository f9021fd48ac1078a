package google

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"sessiond/internal/identity"
)

// DefaultJWKSURL is where Google publishes the keys its ID tokens are
// signed with.
const DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Provider verifies Google ID tokens against Google's JWKS. Construct it
// once at process start and pass it by interface to the session service.
type Provider struct {
	jwks     *keyfunc.JWKS
	audience string
}

// New fetches the JWKS and keeps it refreshed in the background.
// audience is the OAuth client ID the tokens must be issued for.
func New(audience, jwksURL string) (*Provider, error) {
	const op = "identity.google.New"

	if jwksURL == "" {
		jwksURL = DefaultJWKSURL
	}

	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Provider{jwks: jwks, audience: audience}, nil
}

func (p *Provider) Close() {
	p.jwks.EndBackground()
}

func (p *Provider) Verify(ctx context.Context, rawToken string) (identity.Identity, error) {
	var claims idTokenClaims

	token, err := jwt.ParseWithClaims(rawToken, &claims, p.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return identity.Identity{}, identity.ErrInvalidToken
	}

	if claims.Issuer != "accounts.google.com" && claims.Issuer != "https://accounts.google.com" {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	if claims.Subject == "" || claims.Email == "" {
		return identity.Identity{}, identity.ErrInvalidToken
	}

	return identity.Identity{
		ExternalID:    claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		AvatarURL:     claims.Picture,
	}, nil
}
