package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"

	"store-auth/internal/auth"
	"store-auth/internal/observability"
)

// CleanupHandler purges stale auth records in bounded batches. It is meant
// to be hit by a scheduler and hides behind a bearer cron secret.
type CleanupHandler struct {
	store  auth.Store
	logger *observability.Logger
	secret string
	opts   auth.CleanupOptions
}

func NewCleanupHandler(store auth.Store, logger *observability.Logger, cronSecret string, opts auth.CleanupOptions) *CleanupHandler {
	return &CleanupHandler{
		store:  store,
		logger: logger,
		secret: strings.TrimSpace(cronSecret),
		opts:   opts,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.secret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.store.CleanupStale(r.Context(), h.opts)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens":  result.DeletedRefreshTokens,
		"deleted_access_tokens":   result.DeletedAccessTokens,
		"deleted_one_time_tokens": result.DeletedOneTimeTokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
