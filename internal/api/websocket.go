package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stratlab/internal/logger"
	"stratlab/internal/monitoring"
	"stratlab/internal/orchestrator"
	"stratlab/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamHandler pushes run events over WebSocket
type StreamHandler struct {
	upgrader websocket.Upgrader
	runs     RunService
	events   orchestrator.EventBus
	metrics  *monitoring.Metrics
	log      logger.Logger
}

// NewStreamHandler creates a stream handler. metrics may be nil.
func NewStreamHandler(runs RunService, events orchestrator.EventBus, metrics *monitoring.Metrics, log logger.Logger) *StreamHandler {
	return &StreamHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		runs:    runs,
		events:  events,
		metrics: metrics,
		log:     log,
	}
}

// RunStream sends the current status, then every event of the run until
// its final status event or the client goes away.
func (h *StreamHandler) RunStream(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.runs.GetStatus(c.Request.Context(), id); err != nil {
		handleError(c, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "run_id", id, "error", err)
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.StreamOpened()
		defer h.metrics.StreamClosed()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 先订阅再取快照, 避免漏掉快照与订阅之间的事件
	events, stop, err := h.events.Subscribe(ctx, id)
	if err != nil {
		h.log.Error("Failed to subscribe to run events", "run_id", id, "error", err)
		return
	}
	defer stop()

	go readPump(conn, cancel)

	view, err := h.runs.GetStatus(ctx, id)
	if err != nil {
		return
	}
	snapshot := types.RunEvent{
		Type:     types.RunEventStatus,
		RunID:    id,
		Status:   view.Status,
		Progress: view.Progress,
		Message:  view.Message,
		At:       view.Updated,
	}
	if err := writeEvent(conn, snapshot); err != nil || snapshot.Final() {
		closeStream(conn)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				closeStream(conn)
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Final() {
				closeStream(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev types.RunEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readPump drains client frames so pongs and close frames are processed
func readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
