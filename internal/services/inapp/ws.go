package inapp

import (
	"net/http"
	"time"

	"github.com/NordCoder/Herald/internal/obs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// WSHandler streams a user's new entries over a websocket. A newer connection
// for the same user replaces the older one.
type WSHandler struct {
	mb       *Mailbox
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewWSHandler(mb *Mailbox, checkOrigin func(*http.Request) bool, log *zap.Logger) *WSHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WSHandler{
		mb:       mb,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		log:      obs.Component(log, "inapp.ws"),
	}
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	out := make(chan Entry, 64)
	gone := make(chan struct{})
	unsubscribe, err := h.mb.Subscribe(userID, func(e Entry) {
		select {
		case out <- e:
		default:
			mPushDropped.Inc()
		}
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
		return
	}
	defer unsubscribe()

	// reader: only control frames are expected; it ends when the client goes away
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	h.log.Debug("websocket subscribed", zap.String("user_id", userID))
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case e := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
