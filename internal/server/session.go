package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/did"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// sessionMessage is the text a wallet signs with personal_sign (EIP-191) to
// open a session.
func sessionMessage(nonce, audience, address string) string {
	return nonce + "|" + audience + "|" + address
}

// handleSessionNonce generates and stores a single-use nonce for session authentication
// This is the first step in the challenge-response authentication flow
func (h *Handler) handleSessionNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r)
		return
	}
	rawAddr := strings.TrimSpace(r.URL.Query().Get("address"))
	audience := strings.TrimSpace(r.URL.Query().Get("aud"))
	if rawAddr == "" || audience == "" {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "address and aud are required", nil)
		return
	}
	if !common.IsHexAddress(rawAddr) {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "address must be a hex address", nil)
		return
	}
	address := common.HexToAddress(rawAddr).Hex()

	nonceValue := generateNonce()
	expires := h.clock().Add(h.cfg.NonceTTL)
	nonce := model.Nonce{
		Value:     nonceValue,
		Address:   address,
		Audience:  audience,
		ExpiresAt: expires,
	}
	if err := h.store.PutNonce(r.Context(), nonce); err != nil {
		h.logger.Error("persist nonce failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to persist nonce", nil)
		return
	}
	incrementNonceIssuance()

	h.writeSuccess(w, http.StatusOK, map[string]any{
		"nonce":     nonceValue,
		"message":   sessionMessage(nonceValue, audience, address),
		"expiresAt": expires.Format(time.RFC3339),
	}, nil, r)
	h.logger.Info("session nonce issued", "address", address, "aud", audience, "correlationId", correlationIDFrom(r.Context()))
}

type sessionRequest struct {
	Nonce     string `json:"nonce" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Audience  string `json:"audience" validate:"required"`
	Address   string `json:"address" validate:"required,eth_addr"`
}

// handleSessionIssue validates a signed nonce and issues a JWT session token
// whose subject is the signing address.
func (h *Handler) handleSessionIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r)
		return
	}
	var input sessionRequest
	if !h.decode(w, r, &input) {
		return
	}

	nonce, err := h.store.ConsumeNonce(r.Context(), input.Nonce)
	if err != nil {
		incrementNonceValidation("invalid")
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "nonce invalid or expired", nil)
		return
	}
	address := common.HexToAddress(input.Address)
	if address.Hex() != nonce.Address || input.Audience != nonce.Audience {
		incrementNonceValidation("mismatch")
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "nonce binding mismatch", nil)
		return
	}

	sig, err := hexutil.Decode(input.Signature)
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "signature must be 0x-prefixed hex", nil)
		return
	}
	digest := common.BytesToHash(accounts.TextHash([]byte(sessionMessage(nonce.Value, nonce.Audience, nonce.Address))))
	signer, err := typeddata.Recover(digest, sig)
	if err != nil || signer != address {
		incrementNonceValidation("bad_signature")
		h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeAuthz, "signature verification failed", nil)
		return
	}
	incrementNonceValidation("success")

	key, err := h.store.GetCurrentSigningKey(r.Context())
	if err != nil {
		h.logger.Error("no signing key", "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "no signing key", nil)
		return
	}

	issuedAt := h.clock()
	expires := issuedAt.Add(h.cfg.SessionTTL)
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodEdDSA, jwtlib.MapClaims{
		"sub": address.Hex(),
		"aud": nonce.Audience,
		"iss": h.cfg.JWTIssuer,
		"iat": issuedAt.Unix(),
		"exp": expires.Unix(),
		"jti": uuid.NewString(),
		"did": did.PKH(h.cfg.ChainID, address),
	})
	token.Header["kid"] = key.ID

	signedToken, err := token.SignedString(ed25519.PrivateKey(key.PrivateKey))
	if err != nil {
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, codeInternal, "failed to sign jwt", nil)
		return
	}
	incrementJWTIssuance()

	h.writeSuccess(w, http.StatusOK, map[string]any{
		"jwt": signedToken,
		"exp": expires.Format(time.RFC3339),
		"aud": nonce.Audience,
		"sub": address.Hex(),
	}, nil, r)
	h.logger.Info("session issued", "address", address.Hex(), "aud", nonce.Audience, "kid", key.ID, "correlationId", correlationIDFrom(r.Context()))
}

// generateNonce creates a cryptographically secure random nonce value
// Uses 32 bytes of randomness and encodes it as base64 for safe transport
func generateNonce() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
