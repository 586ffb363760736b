package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// TokenClaims are the identity claims carried by a web client token.
type TokenClaims struct {
	UserID    string
	Namespace string
	ExpiresAt time.Time
}

// SignToken issues an HS256 token with uid, ns, iat and exp claims.
func SignToken(secret []byte, userID, namespace string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	if strings.TrimSpace(namespace) == "" {
		return "", errors.New("namespace is required")
	}
	claims := jwt.MapClaims{
		"uid": userID,
		"ns":  namespace,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyToken checks signature, algorithm and expiry of raw and returns
// its identity claims. The namespace claim is required.
func VerifyToken(secret []byte, raw string, now time.Time) (TokenClaims, error) {
	if len(secret) == 0 {
		return TokenClaims{}, fmt.Errorf("%w: jwt auth disabled", ErrInvalidToken)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	ns, _ := claims["ns"].(string)
	if strings.TrimSpace(ns) == "" {
		return TokenClaims{}, fmt.Errorf("%w: missing ns claim", ErrInvalidToken)
	}
	out := TokenClaims{Namespace: ns, UserID: claimString(claims["uid"])}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// LooksLikeJWT reports whether raw has the three dot-separated segments of
// a compact JWS.
func LooksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}

func claimString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
