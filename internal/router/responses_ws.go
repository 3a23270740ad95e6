package router

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/relaygate/gateway/internal/corectx"
	"github.com/relaygate/gateway/internal/logger"
	"github.com/relaygate/gateway/internal/middleware"
	"github.com/relaygate/gateway/internal/model"
)

var responsesUpgrader = websocket.Upgrader{
	// The Responses CLI protocol variant is a same-origin desktop/CLI
	// client, not a browser page, so the usual cross-origin websocket
	// restriction doesn't apply the way it would for a public API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsResponseWriter adapts a single gorilla/websocket connection to
// http.ResponseWriter so runRelay's regular FormatAdapter.CopyResponse /
// executor.Run path can write to it unchanged: one upstream response
// becomes one outbound websocket text frame.
type wsResponseWriter struct {
	header http.Header
	buf    bytes.Buffer
	status int
}

func newWSResponseWriter() *wsResponseWriter {
	return &wsResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *wsResponseWriter) Header() http.Header { return w.header }

func (w *wsResponseWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *wsResponseWriter) WriteHeader(status int) { w.status = status }

// responsesHandler mounts `POST /v1/responses`, upgrading to a
// websocket bridge when the client requests one (the OpenAI Responses
// CLI protocol's streaming transport) and falling back to the plain
// relayHandler for a normal HTTP request otherwise.
func responsesHandler(cc *corectx.CoreContext) gin.HandlerFunc {
	plain := relayHandler(cc, model.FormatOpenAICLI)

	return func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			plain(c)
			return
		}

		conn, err := responsesUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		_, payload, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("websocket read failed", zap.Error(err))
			return
		}

		clientKey := middleware.ClientKeyFromContext(c)
		user := middleware.UserFromContext(c)

		w := newWSResponseWriter()
		_, gerr := runRelay(c.Request.Context(), cc, w, model.FormatOpenAICLI, c.Request, payload, clientKey, user)
		if gerr != nil {
			errBody, _ := json.Marshal(gin.H{"error": gin.H{"error_id": gerr.ErrorID, "kind": gerr.Kind, "message": gerr.Message}})
			if err := conn.WriteMessage(websocket.TextMessage, errBody); err != nil {
				logger.Warn("websocket error write failed", zap.Error(err))
			}
			return
		}

		if err := conn.WriteMessage(websocket.TextMessage, w.buf.Bytes()); err != nil {
			logger.Warn("websocket write failed", zap.Error(err))
		}
	}
}
