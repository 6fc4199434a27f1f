// Package auth verifies access tokens minted by the account service.
// Token issuance lives elsewhere; this side only checks signatures and claims.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	pkgerrors "cpjudge/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	accessTokenType = "access"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID int64
	Role   string
}

// Verifier checks HS256 access tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier creates a verifier. An empty issuer skips the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 5 * time.Second}
}

// Claims is the access token payload.
type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate validates raw and returns the caller.
func (v *Verifier) Authenticate(raw string) (Principal, error) {
	if raw == "" || len(v.secret) == 0 {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return Principal{}, pkgerrors.Wrapf(err, pkgerrors.TokenInvalid, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TokenType != accessTokenType {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return Principal{UserID: userID, Role: claims.Role}, nil
}

// Sign mints an access token; used by the admin console and tests.
func Sign(secret, issuer string, userID int64, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:      role,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
