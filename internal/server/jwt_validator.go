// Package server contains HTTP handlers for the recovery service.
// This file provides JWT validation and request authentication.
package server

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
)

// errNoCredentials means the request carried no bearer token.
var errNoCredentials = errors.New("missing bearer token")

// JWTValidator validates session tokens against the service's signing keys.
type JWTValidator struct {
	keys   storage.SigningKeyStore
	issuer string
	clock  func() time.Time
}

// NewJWTValidator creates a new JWTValidator instance
func NewJWTValidator(keys storage.SigningKeyStore, issuer string, clock func() time.Time) *JWTValidator {
	if clock == nil {
		clock = time.Now
	}
	return &JWTValidator{keys: keys, issuer: issuer, clock: clock}
}

// ValidateToken validates a JWT with fail-closed semantics and returns the
// authenticated address. Tokens signed by a retired key stay valid until the
// key expires.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string, expectedAudience string) (common.Address, error) {
	token, err := jwtlib.Parse(tokenString, func(token *jwtlib.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid header")
		}
		key, err := v.keys.GetSigningKeyByID(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve key with kid %s: %w", kid, err)
		}
		now := v.clock()
		if key.Expired(now) {
			return nil, fmt.Errorf("key with kid %s is expired", kid)
		}
		if key.ActivatedAt.After(now) {
			return nil, fmt.Errorf("key with kid %s is not yet active", kid)
		}
		return ed25519.PublicKey(key.PublicKey), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodEdDSA.Alg()}),
		jwtlib.WithAudience(expectedAudience),
		jwtlib.WithIssuer(v.issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithLeeway(5*time.Second),
		jwtlib.WithTimeFunc(v.clock),
	)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return common.Address{}, fmt.Errorf("failed to parse claims")
	}
	if jti, ok := claims["jti"].(string); !ok || jti == "" {
		return common.Address{}, fmt.Errorf("missing or invalid jti claim")
	}
	sub, err := claims.GetSubject()
	if err != nil || !common.IsHexAddress(sub) {
		return common.Address{}, fmt.Errorf("missing or invalid sub claim")
	}
	return common.HexToAddress(sub), nil
}

// authenticate returns the address behind the request's bearer token, or
// errNoCredentials when there is none.
func (h *Handler) authenticate(r *http.Request) (common.Address, error) {
	header := strings.TrimSpace(r.Header.Get(headerAuthorization))
	if header == "" {
		return common.Address{}, errNoCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return common.Address{}, fmt.Errorf("malformed authorization header")
	}
	return h.jwt.ValidateToken(r.Context(), strings.TrimSpace(token), h.cfg.JWTAudience)
}

// requireSession authenticates the request or writes a 401.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	sub, err := h.authenticate(r)
	if err != nil {
		h.logger.Warn("authentication failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "valid session required", nil)
		return common.Address{}, false
	}
	return sub, true
}

// optionalSession returns the session address when a token is present. An
// invalid token is still an error.
func (h *Handler) optionalSession(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	sub, err := h.authenticate(r)
	if errors.Is(err, errNoCredentials) {
		return common.Address{}, true
	}
	if err != nil {
		h.logger.Warn("authentication failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "invalid session", nil)
		return common.Address{}, false
	}
	return sub, true
}
