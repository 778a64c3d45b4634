package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/auth"
	"github.com/sakif/snippetbox/internal/limiter"
)

// TokenHandler exchanges an operator API key for a trusted bearer token.
type TokenHandler struct {
	tokens  *auth.TokenService
	keys    *auth.KeyService
	keyHash string
	logger  *slog.Logger
}

func NewTokenHandler(tokens *auth.TokenService, keys *auth.KeyService, keyHash string, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		tokens:  tokens,
		keys:    keys,
		keyHash: keyHash,
		logger:  logger,
	}
}

type tokenRequest struct {
	APIKey  string `json:"api_key"`
	Subject string `json:"subject,omitempty"`
}

type tokenResponse struct {
	Token string        `json:"token"`
	Class limiter.Class `json:"class"`
}

// HandleIssue serves POST /api/tokens.
func (h *TokenHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, 4096, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, apperror.ValidationFailed("api_key", "api_key is required"))
		return
	}

	if err := h.keys.Verify(h.keyHash, req.APIKey); err != nil {
		h.logger.Warn("rejected token request", slog.String("remote", r.RemoteAddr))
		writeError(w, err)
		return
	}

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = "operator"
	}
	token, err := h.tokens.Generate(subject, limiter.ClassTrusted)
	if err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("issued trusted token", slog.String("subject", subject))
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, Class: limiter.ClassTrusted})
}
