package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the validity window of a session token.
const DefaultTokenTTL = time.Hour

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenSignature = errors.New("token signature invalid")
	ErrTokenMalformed = errors.New("token malformed")
)

// Claims is the session token payload. IsAdmin reflects the account at
// issuance time and is never refreshed.
type Claims struct {
	jwt.RegisteredClaims
	UserID  string `json:"id"`
	IsAdmin bool   `json:"isAdmin"`
}

type TokenService struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	// ability to inject the clock (for unit testing)
	Now func() time.Time
}

func NewTokenService(signingKey []byte, ttl time.Duration, issuer string) (*TokenService, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("token signing key empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid token ttl: %s", ttl)
	}
	return &TokenService{
		signingKey: signingKey,
		ttl:        ttl,
		issuer:     issuer,
		Now:        time.Now,
	}, nil
}

func (ts *TokenService) TTL() time.Duration {
	return ts.ttl
}

// Issue signs a token for the user, valid for the configured TTL from now.
func (ts *TokenService) Issue(userID string, isAdmin bool) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id empty")
	}

	now := ts.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
		},
		UserID:  userID,
		IsAdmin: isAdmin,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return token, claims.ExpiresAt.Time, nil
}

// Verify checks signature and expiry and returns the payload. The error is
// one of ErrTokenExpired, ErrTokenSignature or ErrTokenMalformed.
func (ts *TokenService) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.Now),
	}
	if ts.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ts.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %s", ErrTokenSignature, err)
		default:
			return nil, fmt.Errorf("%w: %s", ErrTokenMalformed, err)
		}
	}

	if !token.Valid || claims.UserID == "" {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}
