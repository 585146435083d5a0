// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the fields read out of a stored access token when the
// auth endpoint cannot be reached. The signature is not verified here: the
// token came from our own persisted auth_tokens row and is only used to
// rebuild a local session identity, never to grant server access.
type SessionClaims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

type accessTokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// ParseSessionClaims extracts the subject, email and expiry from a JWT access
// token without verifying it.
func ParseSessionClaims(accessToken string) (*SessionClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var claims accessTokenClaims
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject claim")
	}
	out := &SessionClaims{UserID: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
