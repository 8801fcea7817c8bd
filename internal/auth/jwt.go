/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleDevice marks tokens minted for screen devices rather than operators.
const RoleDevice = "device"

// Claims extends standard registered claims with roles and, for device
// tokens, the screen the token is bound to.
type Claims struct {
	OperatorID string   `json:"uid,omitempty"`
	Roles      []string `json:"roles"`
	ScreenID   string   `json:"screen_id,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsDevice reports whether the claims belong to a screen device.
func (c *Claims) IsDevice() bool {
	return c.HasRole(RoleDevice)
}

// Issue creates a JWT token string.
func Issue(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	subject := claims.OperatorID
	if subject == "" {
		subject = claims.ScreenID
	}
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   subject,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// IssueDevice mints a token bound to one screen. Devices present it on the
// sync WebSocket and can do nothing else with it.
func IssueDevice(secret []byte, screenID string, ttl time.Duration) (string, error) {
	return Issue(secret, Claims{
		ScreenID: screenID,
		Roles:    []string{RoleDevice},
	}, ttl)
}

// Parse validates a token string. Only HS256 is accepted.
func Parse(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}
