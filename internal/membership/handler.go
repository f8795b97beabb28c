// internal/membership/handler.go
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"memberhub/internal/auth"
)

// MemberReader loads a member's current entitlement.
type MemberReader interface {
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
}

type Handler struct {
	members MemberReader
	logger  *zap.Logger
}

func NewHandler(members MemberReader, logger *zap.Logger) *Handler {
	return &Handler{members: members, logger: logger}
}

// Routes expects to be mounted behind the auth middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/me", h.handleGetMe)
	return r
}

func (h *Handler) handleGetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.MemberIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	member, err := h.members.GetMember(r.Context(), id)
	if errors.Is(err, ErrMemberNotFound) {
		writeError(w, http.StatusNotFound, "Member not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load member", zap.String("member_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(member)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
