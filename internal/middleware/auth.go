// Package middleware implements the gin-layer request gates that sit in
// front of the core: client-key authentication, the pre-flight quota
// check, and admin-session verification.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/gatewayerr"
	"github.com/relaygate/gateway/internal/logger"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/secret"
)

const (
	ctxKeyClientKey = "client_key"
	ctxKeyUser      = "client_user"
)

// AbortWithGatewayError renders the gateway's {error_id, kind, message}
// error envelope and stops the chain.
func AbortWithGatewayError(c *gin.Context, gerr *gatewayerr.Error) {
	logger.Warn("request aborted",
		zap.String("error_id", gerr.ErrorID),
		zap.String("kind", string(gerr.Kind)),
	)
	c.JSON(gerr.HTTPStatus, gin.H{
		"error": gin.H{
			"error_id": gerr.ErrorID,
			"kind":     gerr.Kind,
			"message":  gerr.Message,
		},
	})
	c.Abort()
}

// ClientKeyAuth extracts the bearer credential, resolves it to an ApiKey
// (and owning User, unless standalone), and rejects expired/inactive/
// quota-exhausted keys before the request reaches the planner.
func ClientKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.Request)
		if raw == "" {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindUnauthorized, nil, "missing bearer credential"))
			return
		}

		key, err := model.GetApiKeyByHash(secret.HashKey(raw))
		if err != nil {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindUnauthorized, err, "invalid api key"))
			return
		}
		if !key.IsActive {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindForbidden, nil, "api key disabled"))
			return
		}
		if key.IsExpired(time.Now()) {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindForbidden, nil, "api key expired"))
			return
		}

		var user *model.User
		if !key.IsStandalone {
			user, err = model.GetUserByID(key.UserID)
			if err != nil {
				AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindInternal, err, "load key owner"))
				return
			}
			if !user.HasRemainingQuota() {
				AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindQuotaExceeded, nil, "user quota exhausted"))
				return
			}
		} else if !key.HasRemainingBalance(0) {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindQuotaExceeded, nil, "standalone key balance exhausted"))
			return
		}

		c.Set(ctxKeyClientKey, key)
		c.Set(ctxKeyUser, user)
		c.Next()
	}
}

// ClientKeyFromContext returns the authenticated ApiKey set by
// ClientKeyAuth, or nil if the gate never ran (admin/health routes).
func ClientKeyFromContext(c *gin.Context) *model.ApiKey {
	v, ok := c.Get(ctxKeyClientKey)
	if !ok || v == nil {
		return nil
	}
	return v.(*model.ApiKey)
}

// UserFromContext returns the owning User set by ClientKeyAuth, or nil for
// a standalone key.
func UserFromContext(c *gin.Context) *model.User {
	v, ok := c.Get(ctxKeyUser)
	if !ok || v == nil {
		return nil
	}
	return v.(*model.User)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	if k := r.URL.Query().Get("key"); k != "" {
		return k // Gemini's query-parameter convention
	}
	return ""
}

// AdminAuth verifies a signed admin session token. The token is a plain HS256 JWT carrying no claims the gate
// needs beyond a valid signature and expiry, signed with config.SessionSecret.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.Request)
		if raw == "" {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindUnauthorized, nil, "missing admin token"))
			return
		}

		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(config.SessionSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindForbidden, err, "invalid admin token"))
			return
		}

		c.Next()
	}
}
