package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// TokenValidator authenticates a bearer credential once, at websocket
// registration time, and returns the user id it belongs to.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// JWTValidator verifies HMAC-signed tokens locally. Used when the identity
// service delegates session validation to a shared signing secret.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(ctx context.Context, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", ErrInvalidToken
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err == nil && sub != "" {
		return sub, nil
	}
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		return uid, nil
	}
	return "", fmt.Errorf("%w: no subject claim", ErrInvalidToken)
}

// RemoteValidator defers session validation to the identity service.
type RemoteValidator struct {
	identity interface {
		ValidateToken(ctx context.Context, token string) (string, error)
	}
}

func NewRemoteValidator(identity interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}) *RemoteValidator {
	return &RemoteValidator{identity: identity}
}

func (v *RemoteValidator) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return v.identity.ValidateToken(ctx, token)
}
