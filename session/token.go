package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is handed to the client after CreateSession or RenewSession.
type Token struct {
	Value          string        `json:"token"`
	SessionID      string        `json:"session_id"`
	ExpiresAt      time.Time     `json:"expires_at"`
	AbsoluteExpiry time.Time     `json:"absolute_expiry"`
	SecurityLevel  SecurityLevel `json:"security_level"`
}

// tokenClaims carries sid, uid, iat and exp.
type tokenClaims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	jwt.RegisteredClaims
}

type signer struct {
	key []byte
}

func (s *signer) sign(sess *Session, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// peek decodes the claims without checking the signature so the session can
// be looked up before integrity is judged.
func (s *signer) peek(raw string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrInvalidToken)
	}
	return claims, nil
}

// verify checks the signature and that uid matches the stored owner. Expiry
// is judged against the stored session, not the claim, so it is not
// validated here.
func (s *signer) verify(raw, userID string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID != userID {
		return nil, fmt.Errorf("%w: uid claim does not match session owner", ErrInvalidToken)
	}
	return claims, nil
}

func (c *tokenClaims) expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
