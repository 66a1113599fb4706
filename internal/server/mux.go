package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/config"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/wallet"
)

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"

	headerContentType    = "Content-Type"
	headerCorrelationID  = "X-Correlation-Id"
	headerIdempotencyKey = "Idempotency-Key"
	headerAuthorization  = "Authorization"

	contentTypeJSON = "application/json"

	idempotencyTTL = 24 * time.Hour
)

// Error codes carried in the error envelope.
const (
	codeValidation = "RECOVERY_VALIDATION"
	codeAuthz      = "RECOVERY_AUTHZ"
	codeNotFound   = "RECOVERY_NOT_FOUND"
	codeConflict   = "RECOVERY_CONFLICT"
	codeInternal   = "RECOVERY_INTERNAL"
)

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Store    storage.Store
	Module   *recovery.Module
	Accounts recovery.AccountResolver
	// Wallets backs POST /v1/dev/accounts. It may be nil.
	Wallets *wallet.Directory
	Logger  *slog.Logger
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// Handler wires HTTP endpoints using net/http.
type Handler struct {
	cfg      config.Config
	store    storage.Store
	module   *recovery.Module
	accounts recovery.AccountResolver
	wallets  *wallet.Directory
	logger   *slog.Logger
	jwt      *JWTValidator
	validate *validator.Validate
	clock    func() time.Time
	cors     corsPolicy
	router   *http.ServeMux
}

// New creates a Handler and makes sure a session signing key exists.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Handler, error) {
	if deps.Store == nil || deps.Module == nil || deps.Accounts == nil {
		return nil, errors.New("server: store, module and accounts are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:      cfg,
		store:    deps.Store,
		module:   deps.Module,
		accounts: deps.Accounts,
		wallets:  deps.Wallets,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    deps.Clock,
		cors:     newCORSPolicy(cfg.CORSOrigins),
		router:   http.NewServeMux(),
	}
	if h.clock == nil {
		h.clock = func() time.Time { return time.Now().UTC() }
	}
	h.jwt = NewJWTValidator(deps.Store, cfg.JWTIssuer, func() time.Time { return h.clock() })
	if err := initializeSigningKey(ctx, deps.Store, cfg, h.clock()); err != nil {
		return nil, err
	}
	h.registerRoutes()
	return h, nil
}

// Router returns the handler with CORS applied.
func (h *Handler) Router() http.Handler {
	return h.corsMiddleware(h.router)
}

func (h *Handler) route(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	h.router.Handle(pattern, h.loggingMiddleware(h.timeoutMiddleware(h.wrap(fn))))
}

func (h *Handler) registerRoutes() {
	h.router.Handle("/health", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.health))))
	h.router.Handle("/ready", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.readyHandler))))
	h.router.Handle("/metrics", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.metricsHandler))))
	h.route("/.well-known/did.json", h.wellKnownHandler)

	// Session authentication endpoints (challenge-response flow)
	// GET /v1/session/nonce - Generate a single-use nonce for an address
	// POST /v1/session - Validate the signed nonce and issue a JWT session token
	h.route("/v1/session/nonce", h.handleSessionNonce)
	h.route("/v1/session", h.handleSessionIssue)

	h.route("/v1/domain", h.handleDomain)
	h.route("/v1/accounts/{account}/guardians", h.handleGuardians)
	h.route("/v1/accounts/{account}/guardians/revoke", h.handleRevokeGuardian)
	h.route("/v1/accounts/{account}/threshold", h.handleChangeThreshold)
	h.route("/v1/accounts/{account}/recovery", h.handleRecoveryRequest)
	h.route("/v1/accounts/{account}/recovery/confirm", h.handleConfirm)
	h.route("/v1/accounts/{account}/recovery/multi-confirm", h.handleMultiConfirm)
	h.route("/v1/accounts/{account}/recovery/execute", h.handleExecute)
	h.route("/v1/accounts/{account}/recovery/cancel", h.handleCancel)
	h.route("/v1/accounts/{account}/recovery/finalize", h.handleFinalize)
	h.route("/v1/accounts/{account}/recovery/approvals", h.handleApprovals)
	h.route("/v1/accounts/{account}/recovery/hash", h.handleRecoveryHash)
	h.route("/v1/accounts/{account}/events", h.handleEvents)
	h.route("/v1/accounts/{account}/actions/nonce", h.handleActionNonce)

	h.route("/v1/dev/accounts", h.handleDevAccounts)
	h.route("/v1/admin/keys/rotate", h.keyRotateHandler)
}

type responseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Meta  any            `json:"meta,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) wrap(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(headerContentType, contentTypeJSON)

		if h.tryReplay(w, r) {
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "correlationId", correlationID)
				h.writeError(w, http.StatusInternalServerError, codeInternal, "internal server error", correlationID, nil)
			}
		}()

		next(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

func (h *Handler) tryReplay(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return false
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		return false
	}
	cached, ok := h.store.Recall(r.Context(), key)
	if !ok {
		return false
	}
	for k, v := range cached.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

func (h *Handler) remember(r *http.Request, w http.ResponseWriter, status int, payload []byte) {
	if r.Method == http.MethodGet {
		return
	}
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		return
	}
	headers := make(map[string]string, len(w.Header()))
	for k := range w.Header() {
		headers[k] = w.Header().Get(k)
	}
	if err := h.store.Remember(r.Context(), key, storage.StoredResponse{
		StatusCode: status,
		Body:       append([]byte(nil), payload...),
		Headers:    headers,
		ExpiresAt:  h.clock().Add(idempotencyTTL),
	}); err != nil {
		h.logger.Warn("remember idempotent response failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

// respond writes a success envelope and stores it for Idempotency-Key replays.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	payload := h.writeSuccess(w, status, data, nil, r)
	h.remember(r, w, status, payload)
}

func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data any, meta any, r *http.Request) []byte {
	env := responseEnvelope{Data: data, Meta: meta}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write success failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
	return payload
}

func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	h.writeError(w, status, code, message, correlationIDFrom(r.Context()), details)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, correlationID string, details any) {
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, Details: details, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorWithRequest(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed", nil)
}

// decode reads a JSON body into dst and runs struct validation on it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			h.writeErrorWithRequest(w, r, http.StatusUnprocessableEntity, codeValidation, "invalid request", map[string]any{"fields": fields})
			return false
		}
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, fmt.Sprintf("invalid request: %v", err), nil)
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, codeValidation, "invalid JSON body", nil)
		return false
	}
	return true
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}
