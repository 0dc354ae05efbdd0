package http

import (
	"net/http"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/infrastructure/middleware"
	apperrors "duocall/pkg/errors"
	"duocall/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TokenHandler issues transport access tokens to trusted backends.
type TokenHandler struct {
	issuer ports.TokenIssuer
	logger *zap.SugaredLogger
}

func NewTokenHandler(issuer ports.TokenIssuer, logger *zap.SugaredLogger) *TokenHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TokenHandler{issuer: issuer, logger: logger}
}

func (h *TokenHandler) SetupRoutes(router gin.IRouter, serviceKey string) {
	router.POST("/api/v1/tokens", middleware.ServiceKeyMiddleware(serviceKey), h.Issue)
}

func (h *TokenHandler) Issue(c *gin.Context) {
	var req struct {
		SessionID domain.SessionID `json:"session_id" binding:"required"`
		Identity  domain.Identity  `json:"identity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateSessionID(string(req.SessionID)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateIdentity(string(req.Identity)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.issuer.Issue(c.Request.Context(), req.SessionID, req.Identity)
	if err != nil {
		c.Error(err)
		return
	}

	h.logger.Debugw("token issued",
		"session_id", req.SessionID,
		"identity", req.Identity,
		"expires_at", token.ExpiresAt,
	)
	c.JSON(http.StatusCreated, token)
}
