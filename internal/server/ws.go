package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hearthlabs/hearth/internal/realtime"
	"go.uber.org/zap"
)

const (
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = (wsPongWait * 9) / 10
	wsPresencePeriod  = 2 * time.Second
	wsPollPeriod      = 30 * time.Second
	wsMaxMessageBytes = 4096
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST surface already allows any origin; the socket matches it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is the server-to-client message envelope.
type wsFrame struct {
	Type       string                    `json:"type"`
	Toast      *realtime.Toast           `json:"toast,omitempty"`
	Members    []realtime.PresenceRecord `json:"members,omitempty"`
	Activities map[string]string         `json:"activities,omitempty"`
}

// wsCommand is the client-to-server message envelope.
type wsCommand struct {
	Type       string `json:"type"`
	View       string `json:"view,omitempty"`
	Activity   string `json:"activity,omitempty"`
	TargetType string `json:"target_type,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	ItemTitle  string `json:"item_title,omitempty"`
	Date       string `json:"date,omitempty"`
}

// handleRealtimeWS upgrades the connection and binds it to a family channel
// session. Each socket owns exactly one session; closing either tears down
// the other.
func (h *httpHandler) handleRealtimeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token query parameter required"})
		return
	}
	scope, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("websocket token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	self := realtime.PresenceRecord{UserID: scope.UserID}
	if member, memberErr := h.families.Member(scope.FamilyID, scope.UserID); memberErr == nil {
		self.UserName = member.DisplayName
		self.AvatarURL = member.AvatarURL
	}

	session, err := realtime.NewSession(realtime.SessionConfig{
		Hub:          h.hub,
		Family:       scope.FamilyID,
		Self:         self,
		Fetcher:      h.schedules,
		Names:        h.families.ScopedNames(scope.FamilyID),
		Logger:       h.logger,
		ToastBuffer:  h.toastBuffer,
		PollInterval: wsPollPeriod,
	})
	if err != nil {
		h.logger.Error("failed to open realtime session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_open_failed"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		session.Close()
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:    conn,
		session: session,
		logger:  h.logger,
		done:    make(chan struct{}),
	}
	go client.writeLoop()
	client.readLoop()
}

type wsClient struct {
	conn    *websocket.Conn
	session *realtime.Session
	logger  *zap.Logger
	done    chan struct{}
}

// readLoop consumes client commands until the socket drops, then tears the
// session down so the channel broadcasts the leave.
func (w *wsClient) readLoop() {
	defer func() {
		close(w.done)
		w.session.Close()
		_ = w.conn.Close()
	}()

	w.conn.SetReadLimit(wsMaxMessageBytes)
	_ = w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var command wsCommand
		if err := w.conn.ReadJSON(&command); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		w.dispatch(command)
	}
}

func (w *wsClient) dispatch(command wsCommand) {
	switch command.Type {
	case "set_view":
		w.session.SetView(realtime.ViewName(command.View))
	case "set_activity":
		w.session.SetActivity(command.Activity)
	case "start_editing":
		w.session.StartEditing(realtime.EditingTargetType(command.TargetType), command.ItemID, command.ItemTitle)
	case "stop_editing":
		w.session.StopEditing(command.ItemID)
	case "load_day":
		if err := w.session.LoadDay(context.Background(), command.Date); err != nil {
			w.logger.Warn("day load over websocket failed", zap.String("date", command.Date), zap.Error(err))
		}
	case "load_templates":
		if err := w.session.LoadTemplates(context.Background()); err != nil {
			w.logger.Warn("template load over websocket failed", zap.Error(err))
		}
	default:
		w.logger.Debug("unknown websocket command", zap.String("command", command.Type))
	}
}

// writeLoop is the only goroutine writing to the socket: toasts as they
// arrive, a presence roster on a short cadence, and keepalive pings.
func (w *wsClient) writeLoop() {
	pingTicker := time.NewTicker(wsPingPeriod)
	presenceTicker := time.NewTicker(wsPresencePeriod)
	defer func() {
		pingTicker.Stop()
		presenceTicker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case toast, ok := <-w.session.Toasts():
			if !ok {
				return
			}
			if !w.writeFrame(wsFrame{Type: "toast", Toast: &toast}) {
				return
			}
		case <-presenceTicker.C:
			frame := wsFrame{
				Type:       "presence",
				Members:    w.session.OnlineMembers(),
				Activities: w.session.CurrentActivities(),
			}
			if !w.writeFrame(frame) {
				return
			}
		case <-pingTicker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *wsClient) writeFrame(frame wsFrame) bool {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteJSON(frame); err != nil {
		w.logger.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
