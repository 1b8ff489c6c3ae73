package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/upb/governed-core/models"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")
)

// minKeyLength is the shortest HS256 signing key accepted
const minKeyLength = 32

// Claims represents the claims in a bearer token
type Claims struct {
	jwt.RegisteredClaims
	Role   string `json:"role"`
	Source string `json:"src,omitempty"`
}

// Actor maps the token onto the identity supplied to the core
func (c *Claims) Actor() models.Actor {
	return models.Actor{
		ActorID: c.Subject,
		Role:    c.Role,
		Source:  c.Source,
	}
}

// Config holds configuration for Validator
type Config struct {
	SigningKey string
	Issuer     string // optional; checked when set
	Audience   string // optional; checked when set
	Leeway     time.Duration
}

// Validator verifies HS256 bearer tokens
type Validator struct {
	key    []byte
	parser *jwt.Parser
	issuer string
	aud    string
}

// NewValidator creates a token validator
func NewValidator(config Config) (*Validator, error) {
	if len(config.SigningKey) < minKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minKeyLength)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}

	return &Validator{
		key:    []byte(config.SigningKey),
		parser: jwt.NewParser(opts...),
		issuer: config.Issuer,
		aud:    config.Audience,
	}, nil
}

// ValidateToken verifies the signature and registered claims and requires a subject
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims, nil
}

// Issue signs a token for the given actor. Used by tests and local tooling.
func (v *Validator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ActorID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:   actor.Role,
		Source: actor.Source,
	}
	if v.aud != "" {
		claims.Audience = jwt.ClaimStrings{v.aud}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
