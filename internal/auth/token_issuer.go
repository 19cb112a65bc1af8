package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
	defaultIssuer   = "content-node"

	// AudiencePeer scopes tokens exchanged between replica nodes.
	AudiencePeer = "content-node-peer"
	// AudienceWriter scopes tokens that authorize writes for one wallet.
	AudienceWriter = "content-node-writer"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the HS256 issuer shared by every node of a replica set.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints peer and writer tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssuePeerToken signs a token identifying the calling node by its endpoint.
func (i *TokenIssuer) IssuePeerToken(nodeEndpoint string) (string, error) {
	token, _, err := i.issue(nodeEndpoint, AudiencePeer)
	return token, err
}

// IssueWriterToken signs a token authorizing writes for the wallet and returns its lifetime in seconds.
func (i *TokenIssuer) IssueWriterToken(wallet string) (string, int64, error) {
	return i.issue(strings.ToLower(strings.TrimSpace(wallet)), AudienceWriter)
}

func (i *TokenIssuer) issue(subject, audience string) (string, int64, error) {
	if strings.TrimSpace(subject) == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  []string{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
