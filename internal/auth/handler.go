package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"store-auth/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 8
	maxPasswordLength = 200
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	StoreID     string  `json:"store_id"`
	BranchID    *string `json:"branch_id"`
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Password    string  `json:"password"`
}

type loginRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	DeviceID *string `json:"device_id"`
}

type refreshRequest struct {
	RefreshToken string  `json:"refresh_token"`
	DeviceID     *string `json:"device_id"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type identifierRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type unlockRequest struct {
	AccountID string `json:"account_id"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func validPassword(password string) bool {
	return len(password) >= minPasswordLength && len(password) <= maxPasswordLength
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.ToLower(strings.TrimSpace(body.Username))
	body.Email = strings.ToLower(strings.TrimSpace(body.Email))
	// Trimmed the same way Login trims, or a padded password could never
	// authenticate.
	body.Password = strings.TrimSpace(body.Password)
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if body.Email == "" || !strings.Contains(body.Email, "@") {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}
	if strings.TrimSpace(body.StoreID) == "" {
		writeError(w, http.StatusBadRequest, "store_id is required")
		return
	}

	result, err := h.service.Register(r.Context(), RegisterParams{
		StoreID:     body.StoreID,
		BranchID:    body.BranchID,
		Username:    body.Username,
		Email:       body.Email,
		DisplayName: strings.TrimSpace(body.DisplayName),
		Password:    body.Password,
		ActorIP:     observability.ClientIP(r),
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "username or email already taken")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"account_id": result.Account.ID,
		"username":   result.Account.Username,
		"email":      result.Account.Email,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.ToLower(strings.TrimSpace(body.Username))
	body.Password = strings.TrimSpace(body.Password)
	if body.Username == "" || !validPassword(body.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password, body.DeviceID, observability.ClientIP(r))
	if err != nil {
		var invalid InvalidCredentialsError
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":              "invalid credentials",
				"remaining_attempts": invalid.RemainingAttempts,
			})
			return
		}
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "account not found")
			return
		}
		var locked LockedError
		if errors.As(err, &locked) {
			retryAfter := int(time.Until(locked.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, locked.Error())
			return
		}
		if errors.Is(err, ErrEmailNotConfirmed) {
			writeError(w, http.StatusForbidden, "email address not confirmed")
			return
		}
		if errors.Is(err, ErrAccountDisabled) {
			writeError(w, http.StatusForbidden, "account disabled")
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken, body.DeviceID, observability.ClientIP(r))
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body logoutRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken, observability.ClientIP(r)); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	if err := h.service.LogoutAll(r.Context(), claims.Subject, observability.ClientIP(r)); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body identifierRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.ToLower(strings.TrimSpace(body.Email))
	if body.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	err := h.service.ForgotPassword(r.Context(), body.Email, observability.ClientIP(r))
	if err != nil && !errors.Is(err, ErrNotFound) {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to process request")
		return
	}

	// Unknown emails get the same answer as known ones.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Token = strings.TrimSpace(body.Token)
	body.NewPassword = strings.TrimSpace(body.NewPassword)
	if body.Token == "" || !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword, observability.ClientIP(r)); err != nil {
		// Expired and forged tokens are deliberately indistinguishable here.
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if errors.Is(err, ErrPasswordReuse) {
			writeError(w, http.StatusUnprocessableEntity, "password was used recently")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendVerification(w http.ResponseWriter, r *http.Request) {
	var body identifierRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.ToLower(strings.TrimSpace(body.Email))
	if body.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	err := h.service.SendVerification(r.Context(), body.Email, observability.ClientIP(r))
	if err != nil && !errors.Is(err, ErrNotFound) {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to process request")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Token = strings.TrimSpace(body.Token)
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.service.VerifyEmail(r.Context(), body.Token, observability.ClientIP(r)); err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to verify email")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body unlockRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.AccountID = strings.TrimSpace(body.AccountID)
	if body.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	if err := h.service.Unlock(r.Context(), body.AccountID, claims.Username, observability.ClientIP(r)); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		if errors.Is(err, ErrNotLocked) {
			writeError(w, http.StatusConflict, "account is not locked")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to unlock account")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Introspect(r.Context(), strings.TrimSpace(body.Token))
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to introspect token")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
