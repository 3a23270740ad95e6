// Package router mounts the core's external HTTP surface as nested gin
// Groups with per-group middleware chains, split into relay, admin, and
// health trees.
package router

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/corectx"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/tracing"
)

// New builds the gin engine and mounts every public route against cc.
// Liveness/readiness routes are registered first and outside any gate so
// they never touch the DB/Redis cc wraps.
func New(cc *corectx.CoreContext) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(tracing.ServiceName))

	engine.GET("/healthz", livez)
	engine.GET("/readyz", readyz)
	engine.GET("/v1/health", healthPayload)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	publicLimit := middleware.PublicAPIRateLimit(cc.Redis, config.PublicAPIRateLimit)

	// Catalog and admin responses are small JSON bodies served in full,
	// so they're gzip-wrapped and CORS-enabled for cross-origin dashboard
	// callers; relay routes below get neither (see notes there).
	browserSurface := cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	})

	catalogRoute := engine.Group("/v1")
	catalogRoute.Use(browserSurface, gzip.Gzip(gzip.DefaultCompression), publicLimit)
	{
		catalogRoute.GET("/models", listModels)
		catalogRoute.GET("/models/:id", getModel)
	}

	adminRoute := engine.Group("/admin")
	adminRoute.Use(browserSurface, gzip.Gzip(gzip.DefaultCompression), publicLimit, middleware.AdminAuth())
	{
		adminRoute.GET("/providers", listProvidersAdmin)
	}

	// Relay routes are never gzip-wrapped: streaming responses need to
	// flush incrementally, and gzip.Gzip buffers the whole body before
	// writing.
	relayRoute := engine.Group("/")
	relayRoute.Use(middleware.ClientKeyAuth())
	relayRoute.Use(middleware.LLMAPIRateLimit(cc.Redis, config.LLMAPIRateLimit))
	{
		relayRoute.POST("/v1/messages", relayHandler(cc, model.FormatClaude))
		relayRoute.POST("/v1/messages/count_tokens", countTokensHandler(cc))
		relayRoute.POST("/v1/chat/completions", relayHandler(cc, model.FormatOpenAI))
		relayRoute.POST("/v1/responses", responsesHandler(cc))

		// Gemini's model name and streaming-vs-not action both live in the
		// path segment, so the route itself is a wildcard and
		// the Gemini Format Adapter parses the tail at ExtractModel time.
		relayRoute.POST("/v1beta/models/*action", relayHandler(cc, model.FormatGemini))
	}

	return engine
}
