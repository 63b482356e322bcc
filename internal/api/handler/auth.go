package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

var errMissingAnonID = errors.New("token has no anon_id claim")

// generateJWT signs an anonymous identity token.
func (h *Handler) generateJWT(anonID string) (string, error) {
	claims := jwt.MapClaims{
		"anon_id": anonID,
		"exp":     time.Now().Add(h.Config.JWT.TTL).Unix(),
		"iss":     config.JWTIssuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.Config.JWT.Secret))
}

// validateAndGetAnonID verifies signature, expiry and issuer and returns the anon_id claim.
func (h *Handler) validateAndGetAnonID(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return []byte(h.Config.JWT.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.JWTIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errMissingAnonID
	}
	anonID, _ := claims["anon_id"].(string)
	if anonID == "" {
		return "", errMissingAnonID
	}
	return anonID, nil
}

// GetAnonID creates an anonymous ID and returns it with its JWT.
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := uuid.New().String()

	token, err := h.generateJWT(anonID)
	if err != nil {
		logger := logging.Ctx(c.Request.Context())
		logger.Error().Err(err).Msg("failed to sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}
