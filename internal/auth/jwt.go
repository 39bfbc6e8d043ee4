package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims holds the bearer token payload. The buyer id is carried both as
// the registered subject and as "uid".
type Claims struct {
	jwt.RegisteredClaims
	BuyerID   string `json:"uid"`
	TokenType string `json:"typ"`
}

const (
	issuer          = "haggle"
	tokenTypeAccess = "access"
)

// ErrInvalidToken is returned when a JWT cannot be parsed or has expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// IssueAccessToken creates a signed access token for a buyer.
func IssueAccessToken(secret string, buyerID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   buyerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		BuyerID:   buyerID.String(),
		TokenType: tokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueAccessToken: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates an access token and returns the buyer it
// was issued for.
func ValidateToken(secret, tokenString string) (uuid.UUID, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		return uuid.Nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	if claims.TokenType != tokenTypeAccess {
		return uuid.Nil, fmt.Errorf("auth.ValidateToken: token type %q: %w", claims.TokenType, ErrInvalidToken)
	}

	raw := claims.BuyerID
	if raw == "" {
		raw = claims.Subject
	}
	buyerID, err := uuid.Parse(raw)
	if err != nil || buyerID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("auth.ValidateToken: buyer id: %w", ErrInvalidToken)
	}

	return buyerID, nil
}
