package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/merchward/bastion/internal/auth"
	"github.com/merchward/bastion/internal/models"
	pkghttp "github.com/merchward/bastion/pkg/http"
)

// SessionAuthorityInterface is the slice of the authority serving session
// bookkeeping for the authenticated account.
type SessionAuthorityInterface interface {
	ListSessions(ctx context.Context, accountID string) ([]models.Session, error)
	RevokeSession(ctx context.Context, accountID, sessionID string, fp models.Fingerprint) error
	RevokeAllSessions(ctx context.Context, accountID string, fp models.Fingerprint) (int64, error)
}

// SessionHandler handles listing and revoking sessions.
type SessionHandler struct {
	authority SessionAuthorityInterface
	ipConfig  *pkghttp.IPConfig
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(authority SessionAuthorityInterface, ipConfig *pkghttp.IPConfig) *SessionHandler {
	return &SessionHandler{
		authority: authority,
		ipConfig:  ipConfig,
	}
}

// SessionListItem is the list view of an active session
type SessionListItem struct {
	ID           string    `json:"id"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Current      bool      `json:"current"`
}

// ListSessions lists the account's active sessions
// @Summary List active sessions
// @Produce json
// @Success 200 {object} []SessionListItem
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/sessions [get]
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	sessions, err := h.authority.ListSessions(r.Context(), claims.AccountID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	resp := make([]SessionListItem, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, SessionListItem{
			ID:           s.ID,
			UserAgent:    s.UserAgent,
			IPAddress:    s.IPAddress,
			CreatedAt:    s.CreatedAt,
			LastActiveAt: s.LastActiveAt,
			Current:      s.ID == claims.SessionID,
		})
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// RevokeSession revokes one session by ID
// @Summary Revoke a session
// @Param id path string true "Session ID"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/sessions/{id} [delete]
func (h *SessionHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		pkghttp.WriteBadRequest(w, "Missing session ID")
		return
	}

	fp := fingerprint(r, h.ipConfig)

	// Revocation is idempotent. Unknown IDs and other accounts' sessions
	// get the same success response.
	err := h.authority.RevokeSession(r.Context(), claims.AccountID, sessionID, fp)
	if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Session revoked",
	})
}

// RevokeAllSessions revokes every session for the account
// @Summary Revoke all sessions
// @Produce json
// @Success 200 {object} map[string]int64
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /account/sessions [delete]
func (h *SessionHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	fp := fingerprint(r, h.ipConfig)

	revoked, err := h.authority.RevokeAllSessions(r.Context(), claims.AccountID, fp)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]int64{
		"revoked": revoked,
	})
}
