// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package central

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/go-sitesync/internal/auth"
)

const tokenIssuer = "go-sitesync"

// AdminAuth issues and checks operator tokens for the admin API
type AdminAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewAdminAuth creates an HS256 authenticator
func NewAdminAuth(secret string, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuth{secret: []byte(secret), logger: logger}
}

// OperatorClaims are the claims of an admin token
type OperatorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

const adminScope = "sync:admin"

// GenerateToken issues a token for operatorID valid for ttl
func (a *AdminAuth) GenerateToken(operatorID string, ttl time.Duration) (string, error) {
	if operatorID == "" {
		return "", fmt.Errorf("operator id is required")
	}
	now := time.Now()
	claims := &OperatorClaims{
		Scope: adminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   operatorID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken validates a token and returns its claims
func (a *AdminAuth) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (operator ID) in token")
	}
	if claims.Scope != adminScope {
		return nil, fmt.Errorf("token scope %q does not grant admin access", claims.Scope)
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// operator ID in the request context
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAdminError(w, http.StatusUnauthorized, "authentication_failed", "Authorization header required")
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			writeAdminError(w, http.StatusUnauthorized, "authentication_failed", "Invalid authorization header format")
			return
		}

		claims, err := a.ValidateToken(bearerToken[1])
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			a.logger.Warn("Admin token validation failed", "error", err, "token_prefix", tokenPrefix)
			writeAdminError(w, http.StatusUnauthorized, "authentication_failed", "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.SetOperatorID(r.Context(), claims.Subject)))
	})
}
