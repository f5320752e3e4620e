package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/service"
	"identity-service/internal/util"
)

type contextKey string

const claimsContextKey contextKey = "token_claims"

// AuthHandler exposes the authentication API over HTTP.
type AuthHandler struct {
	auth   *service.AuthService
	mfa    *service.MfaService
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, mfa *service.MfaService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   auth,
		mfa:    mfa,
		logger: logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes wires the public and authenticated route groups.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/verify-email", h.VerifyEmail)
		r.Post("/resend-verification", h.ResendVerification)
		r.Post("/login", h.Login)
		r.Post("/mfa", h.CompleteMfaLogin)
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/logout", h.Logout)
		})
	})

	router.Route("/mfa", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Post("/setup", h.StartTotpSetup)
		r.Post("/verify-setup", h.ConfirmTotpSetup)
		r.Post("/send-otp", h.SendEmailOtp)
		r.Post("/disable", h.DisableMfa)
		r.Post("/recovery-codes/regenerate", h.RegenerateRecoveryCodes)
	})

	router.Route("/sessions", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/", h.ListSessions)
		r.Delete("/{sessionID}", h.RevokeSession)
		r.Post("/revoke-others", h.RevokeOtherSessions)
	})
}

// RequireAuth validates the bearer token and stashes its claims in the
// request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			h.respondWithError(w, http.StatusUnauthorized, service.ErrTokenInvalid, "Missing bearer token")
			return
		}

		claims, err := h.auth.VerifyAccess(r.Context(), token)
		if err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Invalid access token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *service.TokenClaims {
	claims, _ := r.Context().Value(claimsContextKey).(*service.TokenClaims)
	return claims
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.auth.Register(r.Context(), req.Email, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Registration failed")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"account_id": result.Account.AccountID,
		"email":      result.Account.Email,
		"status":     result.Account.Status,
		"session_id": result.Session.SessionID,
		"tokens":     result.Tokens,
	}, "Account created, verification email sent"))
}

type verifyEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.VerifyEmail(r.Context(), req.Email, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Email verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Email verified"))
}

func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.auth.ResendEmailVerification(r.Context(), req.Email); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resend verification")
		return
	}

	// Same response whether or not the address exists
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "If the address is registered, a code was sent"))
}

type loginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	MfaMethod string `json:"mfa_method,omitempty"`
	MfaCode   string `json:"mfa_code,omitempty"`
}

type loginResponse struct {
	Tokens      *service.TokenPair  `json:"tokens,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
	RequiresMfa bool                `json:"requires_mfa,omitempty"`
	MfaTicket   string              `json:"mfa_ticket,omitempty"`
	MfaMethods  []service.MfaMethod `json:"mfa_methods,omitempty"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.auth.Login(r.Context(), service.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		MfaMethod: req.MfaMethod,
		MfaCode:   req.MfaCode,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.respondLoginError(w, err)
		return
	}

	if result.RequiresMfa {
		h.respondWithJSON(w, http.StatusOK, successResponse(loginResponse{
			RequiresMfa: true,
			MfaTicket:   result.MfaTicket,
			MfaMethods:  result.MfaMethods,
		}, "Second factor required"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(loginResponse{
		Tokens:    result.Tokens,
		SessionID: result.Session.SessionID,
	}, "Login successful"))
}

type mfaLoginRequest struct {
	Ticket string `json:"ticket"`
	Method string `json:"method"`
	Code   string `json:"code"`
}

func (h *AuthHandler) CompleteMfaLogin(w http.ResponseWriter, r *http.Request) {
	var req mfaLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.auth.CompleteMfaLogin(r.Context(), req.Ticket, req.Method, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondLoginError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(loginResponse{
		Tokens:    result.Tokens,
		SessionID: result.Session.SessionID,
	}, "Login successful"))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Token refresh failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Tokens refreshed"))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	if err := h.auth.Logout(r.Context(), claims.Subject, claims.SessionID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

func (h *AuthHandler) StartTotpSetup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	account, err := h.auth.Account(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load account")
		return
	}

	setup, err := h.mfa.StartTotpSetup(r.Context(), account)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start enrollment")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(setup, "Scan the QR code and confirm with a code"))
}

type mfaCodeRequest struct {
	Method string `json:"method,omitempty"`
	Code   string `json:"code"`
}

func (h *AuthHandler) ConfirmTotpSetup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req mfaCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	account, err := h.auth.Account(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load account")
		return
	}

	codes, err := h.mfa.ConfirmTotpSetup(r.Context(), account, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Enrollment confirmation failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"recovery_codes": codes,
	}, "MFA enabled; store the recovery codes now, they are shown once"))
}

func (h *AuthHandler) SendEmailOtp(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	account, err := h.auth.Account(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load account")
		return
	}

	if err := h.mfa.SendEmailOtp(r.Context(), account); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code sent"))
}

func (h *AuthHandler) DisableMfa(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req mfaCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	method, err := service.ParseMfaMethod(req.Method)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Unknown method")
		return
	}

	account, err := h.auth.Account(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load account")
		return
	}

	if err := h.mfa.Disable(r.Context(), account, method, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to disable MFA")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "MFA disabled"))
}

func (h *AuthHandler) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req mfaCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	method, err := service.ParseMfaMethod(req.Method)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Unknown method")
		return
	}

	account, err := h.auth.Account(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load account")
		return
	}

	codes, err := h.mfa.RegenerateRecoveryCodes(r.Context(), account, method, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to regenerate recovery codes")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"recovery_codes": codes,
	}, "Recovery codes replaced; the previous codes no longer work"))
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	sessions, err := h.auth.ListSessions(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list sessions")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"sessions": sessions,
		"current":  claims.SessionID,
	}, ""))
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.auth.RevokeSession(r.Context(), claims.Subject, sessionID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked"))
}

func (h *AuthHandler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	revoked, err := h.auth.RevokeOtherSessions(r.Context(), claims.Subject, claims.SessionID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke sessions")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"revoked_count": revoked,
	}, "Other sessions revoked"))
}

// respondLoginError adds Retry-After for throttled responses.
func (h *AuthHandler) respondLoginError(w http.ResponseWriter, err error) {
	var lockedErr *service.AccountLockedError
	if errors.As(err, &lockedErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(lockedErr.RetryAfter.Seconds())))
	}
	var limitedErr *service.MfaRateLimitedError
	if errors.As(err, &limitedErr) {
		w.Header().Set("Retry-After", strconv.Itoa(int(limitedErr.RetryAfter.Seconds())))
	}
	h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrMfaInvalidCode),
		errors.Is(err, service.ErrTokenInvalid),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrTokenRevoked),
		errors.Is(err, service.ErrVerificationInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrMfaRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrIpBlocked),
		errors.Is(err, service.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, service.ErrEmailAlreadyRegistered),
		errors.Is(err, service.ErrMfaAlreadyEnabled):
		return http.StatusConflict
	case errors.Is(err, service.ErrMfaNotEnabled):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrMfaSetupExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrAccountNotFound),
		errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInfrastructure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientIP trusts RealIP middleware to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	return util.NormalizeIP(r.RemoteAddr)
}
