package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or claim checks
var ErrInvalidToken = errors.New("invalid token")

// Claims are the session claims carried by a registry token
type Claims struct {
	SessionID       string `json:"session_id"`
	ClientID        string `json:"client_id,omitempty"`
	ContributorType string `json:"contributor_type,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 session tokens
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. The secret must not be empty.
func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token for session
func (i *Issuer) Issue(session *versioning.Session) (string, error) {
	if session == nil || session.ID == "" {
		return "", fmt.Errorf("%w: session id is required", ErrInvalidToken)
	}

	now := i.now()
	claims := Claims{
		SessionID:       session.ID,
		ClientID:        session.ClientID,
		ContributorType: session.ContributorType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   session.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns the session it carries
func (i *Issuer) Parse(token string) (*versioning.Session, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id", ErrInvalidToken)
	}
	if claims.ContributorType != "" && !slices.Contains(versioning.ContributorTypes, claims.ContributorType) {
		return nil, fmt.Errorf("%w: unknown contributor type %q", ErrInvalidToken, claims.ContributorType)
	}

	return &versioning.Session{
		ID:              claims.SessionID,
		ClientID:        claims.ClientID,
		ContributorType: claims.ContributorType,
	}, nil
}
