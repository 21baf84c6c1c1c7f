package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingFamilyClaim   = errors.New("family claim must be provided")
)

// SessionClaims are the JWT claims carried by a Hearth access token: the
// subject is the user, `fam` scopes every request to one family.
type SessionClaims struct {
	FamilyID string `json:"fam"`
	jwt.RegisteredClaims
}

// Scope is the validated identity extracted from a token.
type Scope struct {
	UserID   string
	FamilyID string
}

// TokensConfig configures the backend JWT issuer and validator.
type TokensConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Tokens issues and validates family-scoped backend JWTs. Upstream identity
// verification is an external concern; this type only mints tokens for
// already-authenticated users.
type Tokens struct {
	config TokensConfig
	clock  func() time.Time
}

// NewTokens constructs a Tokens with sane defaults.
func NewTokens(cfg TokensConfig) *Tokens {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tokens{
		config: TokensConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Issue produces a signed JWT and its expiry (seconds) for the user within
// the family.
func (t *Tokens) Issue(_ context.Context, userID, familyID string) (string, int64, error) {
	if len(t.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if userID == "" {
		return "", 0, errMissingSubjectClaim
	}
	if familyID == "" {
		return "", 0, errMissingFamilyClaim
	}

	now := t.clock().UTC()
	expiresAt := now.Add(t.config.TokenTTL).UTC()

	claims := SessionClaims{
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.config.Issuer,
			Audience:  []string{t.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the JWT is well formed and returns its scope.
func (t *Tokens) Validate(tokenString string) (Scope, error) {
	if len(t.config.SigningSecret) == 0 {
		return Scope{}, errMissingSigningSecret
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return t.config.SigningSecret, nil
		},
		jwt.WithAudience(t.config.Audience),
		jwt.WithIssuer(t.config.Issuer),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return Scope{}, err
	}
	if claims.Subject == "" {
		return Scope{}, errMissingSubjectClaim
	}
	if claims.FamilyID == "" {
		return Scope{}, errMissingFamilyClaim
	}
	return Scope{UserID: claims.Subject, FamilyID: claims.FamilyID}, nil
}
