package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/engine"
)

const streamWriteTimeout = 5 * time.Second

// stream pushes every snapshot of the session to a websocket until the
// session is cancelled, the client goes away, or the session is superseded.
func (h *handler) stream(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")
	snapshots, unsubscribe, err := h.svc.Subscribe(sessionID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer unsubscribe()

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("failed to accept websocket", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer ws.CloseNow()

	// Reads only to notice the client closing; the stream is one way.
	ctx := ws.CloseRead(c.Request.Context())
	status, reason := h.pump(ctx, ws, snapshots)
	if err := ws.Close(status, reason); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("websocket close failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (h *handler) pump(ctx context.Context, ws *websocket.Conn, snapshots <-chan engine.Snapshot) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "client gone"
		case snap, ok := <-snapshots:
			if !ok {
				return websocket.StatusGoingAway, "server shutting down"
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, ws, snap)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", zap.String("session_id", snap.SessionID), zap.Error(err))
				return websocket.StatusInternalError, "write failed"
			}
			if snap.Step == engine.StepCancelled {
				return websocket.StatusNormalClosure, "session ended"
			}
		}
	}
}
