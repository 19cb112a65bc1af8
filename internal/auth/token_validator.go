package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("token validator: token required")
	ErrInvalidToken = errors.New("token validator: invalid token")
	ErrExpiredToken = errors.New("token validator: token expired")
)

const bearerPrefix = "Bearer "

// TokenValidatorConfig describes how to validate tokens minted by a TokenIssuer.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 tokens for one audience at a time.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidatePeerToken returns the endpoint of the calling node.
func (v *TokenValidator) ValidatePeerToken(tokenString string) (string, error) {
	return v.validate(tokenString, AudiencePeer)
}

// ValidateWriterToken returns the wallet the token authorizes.
func (v *TokenValidator) ValidateWriterToken(tokenString string) (string, error) {
	return v.validate(tokenString, AudienceWriter)
}

func (v *TokenValidator) validate(tokenString, audience string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubjectClaim)
	}
	return claims.Subject, nil
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)), nil
}
