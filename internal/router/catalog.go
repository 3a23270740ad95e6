package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/gatewayerr"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/model"
)

// modelObject is the OpenAI-shaped entry served by GET /v1/models.
type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func listModels(c *gin.Context) {
	models, err := model.ListGlobalModels()
	if err != nil {
		middleware.AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindInternal, err, "list models"))
		return
	}

	out := make([]modelObject, 0, len(models))
	for _, m := range models {
		out = append(out, modelObject{
			ID:      m.Name,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "relaygate",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": out})
}

func getModel(c *gin.Context) {
	id := c.Param("id")
	g, err := model.GetGlobalModelByName(id)
	if err != nil {
		middleware.AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindInvalidRequest, err, "unknown model %s", id))
		return
	}
	c.JSON(http.StatusOK, modelObject{
		ID:      g.Name,
		Object:  "model",
		Created: g.CreatedAt.Unix(),
		OwnedBy: "relaygate",
	})
}

// healthPayload backs both `/v1/health` and the plain liveness probes; kept
// free of any DB/Redis read so `/healthz`/`/readyz` never block on a
// degraded configuration store.
func healthPayload(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func livez(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func readyz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
