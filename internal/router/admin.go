package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/gatewayerr"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/model"
)

// providerSummary is the read-only shape exposed at `/admin/providers`; the
// admin app itself is an external collaborator, this
// is only enough to demo and smoke-test the core without it.
type providerSummary struct {
	ID              int     `json:"id"`
	Name            string  `json:"name"`
	Priority        int     `json:"priority"`
	BillingType     string  `json:"billing_type"`
	IsActive        bool    `json:"is_active"`
	MonthlyUsedUSD  float64 `json:"monthly_used_usd"`
}

func listProvidersAdmin(c *gin.Context) {
	providers, err := model.ListActiveProviders()
	if err != nil {
		middleware.AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindInternal, err, "list providers"))
		return
	}

	out := make([]providerSummary, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerSummary{
			ID:             p.ID,
			Name:           p.Name,
			Priority:       p.Priority,
			BillingType:    string(p.BillingType),
			IsActive:       p.IsActive,
			MonthlyUsedUSD: p.MonthlyUsedUSD,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
