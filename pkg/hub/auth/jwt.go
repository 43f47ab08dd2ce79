/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carverauto/phonefleet/pkg/models"
)

var errUnexpectedSigningMethod = errors.New("unexpected signing method")

// Claims carried by Dashboard tokens.
type Claims struct {
	Role  string `json:"role,omitempty"`
	OrgID string `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// DashboardIdentity is stored on the Dashboard session after the handshake.
type DashboardIdentity struct {
	SubjectID   string
	Role        string
	OrgID       string
	TokenExpiry time.Time
}

// Expired reports whether the token backing this identity has lapsed at now.
func (d *DashboardIdentity) Expired(now time.Time) bool {
	return !d.TokenExpiry.IsZero() && !now.Before(d.TokenExpiry)
}

// TokenVerifier validates HS256 bearer tokens from the identity provider.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify checks signature, issuer and expiry. The issuer claim must equal the
// configured issuer; tokens without an expiry are rejected because the
// session sweep depends on it.
func (v *TokenVerifier) Verify(tokenString string) (*DashboardIdentity, error) {
	if tokenString == "" {
		return nil, models.NewAuthError(models.CodeAuthMissing, "bearer token is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
	}

	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", errUnexpectedSigningMethod, token.Header["alg"])
		}

		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, models.NewAuthError(models.CodeAuthExpired, "token has expired")
		}

		return nil, &models.FleetError{
			Kind:    models.ErrAuthentication,
			Code:    models.CodeAuthInvalid,
			Message: "invalid bearer token",
			Err:     err,
		}
	}

	// The parser skips the issuer check when the expected issuer is empty.
	if v.issuer == "" || claims.Issuer != v.issuer {
		return nil, models.NewAuthError(models.CodeAuthInvalid, "token issuer is not trusted")
	}

	if claims.Subject == "" {
		return nil, models.NewAuthError(models.CodeAuthInvalid, "token has no subject")
	}

	return &DashboardIdentity{
		SubjectID:   claims.Subject,
		Role:        claims.Role,
		OrgID:       claims.OrgID,
		TokenExpiry: claims.ExpiresAt.Time,
	}, nil
}

// VerifyRequest extracts the token from the Authorization header or the
// token query parameter and verifies it.
func (v *TokenVerifier) VerifyRequest(r *http.Request) (*DashboardIdentity, error) {
	return v.Verify(TokenFromRequest(r))
}

// TokenFromRequest returns the bearer token or "" when none was presented.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}

		return ""
	}

	return r.URL.Query().Get("token")
}

// IssueToken signs an HS256 token for subject. The Hub only verifies tokens
// in production; issuing exists for local tooling and tests.
func IssueToken(secret, issuer, subject, role, orgID string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		Role:  role,
		OrgID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
