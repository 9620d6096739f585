package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/apperr"
	"github.com/Tyrowin/ifschat/internal/auth"
	"github.com/Tyrowin/ifschat/internal/chat"
	"github.com/Tyrowin/ifschat/internal/users"
)

// AuthService signs users up, in and out.
type AuthService interface {
	SignUp(ctx context.Context, c auth.Credentials) (*auth.TokenResponse, error)
	SignIn(ctx context.Context, c auth.Credentials) (*auth.TokenResponse, error)
	SignOut(ctx context.Context, userID string) error
}

// UserDirectory serves user projections.
type UserDirectory interface {
	Get(ctx context.Context, userID string) (*users.Profile, error)
	ListActive(ctx context.Context, callerID string) ([]users.Profile, error)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "ifschat server is running!")
}

type authHandler struct {
	auth AuthService
	log  zerolog.Logger
}

func (h *authHandler) signIn(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, h.log, err)
		return
	}
	resp, err := h.auth.SignIn(r.Context(), creds)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *authHandler) signUp(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, h.log, err)
		return
	}
	resp, err := h.auth.SignUp(r.Context(), creds)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *authHandler) signOut(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	if err := h.auth.SignOut(r.Context(), claims.UserID()); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type userHandler struct {
	users UserDirectory
	log   zerolog.Logger
}

func (h *userHandler) getData(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	p, err := h.users.Get(r.Context(), claims.UserID())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *userHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	list, err := h.users.ListActive(r.Context(), claims.UserID())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type chatHandler struct {
	chats ChatService
	hub   *Hub
	log   zerolog.Logger
}

type createChatResponse struct {
	ID string `json:"id"`
}

func (h *chatHandler) create(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())

	var req chat.CreateChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	created, err := h.chats.CreateChat(r.Context(), claims.UserID(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	// Connected members start receiving the new chat's traffic right away.
	h.hub.JoinUsers(created.MemberIDs, RoomFor(created.ID))

	writeJSON(w, http.StatusCreated, createChatResponse{ID: created.ID})
}

func (h *chatHandler) list(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	list, err := h.chats.ListChats(r.Context(), claims.UserID())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *chatHandler) messages(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	chatID := chi.URLParam(r, "chatId")
	if chatID == "" {
		writeError(w, h.log, apperr.Validation("chatId is required"))
		return
	}
	list, err := h.chats.GetMessages(r.Context(), chatID, claims.UserID())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
