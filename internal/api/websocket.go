package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/events"
)

const (
	recentEventsCount = 50
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is enforced by RequireAnyRole on the route.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFilter narrows a live stream. ?prefix=reroute. keeps one event
// family, ?parcel_id=42 follows a single parcel. Both may be combined.
type streamFilter struct {
	prefix   string
	parcelID string
}

func parseStreamFilter(r *http.Request) streamFilter {
	q := r.URL.Query()
	return streamFilter{
		prefix:   strings.TrimSpace(q.Get("prefix")),
		parcelID: strings.TrimSpace(q.Get("parcel_id")),
	}
}

func (f streamFilter) match(e events.Event) bool {
	if f.prefix != "" && !strings.HasPrefix(e.Name, f.prefix) {
		return false
	}
	if f.parcelID != "" {
		id, ok := e.Fields["parcel_id"]
		if !ok || fmt.Sprint(id) != f.parcelID {
			return false
		}
	}
	return true
}

// wsEventsHandler streams events as JSON text frames: first the matching
// recent events, then live ones until either side closes.
func wsEventsHandler(w http.ResponseWriter, r *http.Request) {
	filter := parseStreamFilter(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := events.Subscribe()
	defer events.Unsubscribe(sub)

	for _, e := range events.RecentEvents(recentEventsCount) {
		if !filter.match(e) {
			continue
		}
		if err := writeEvent(conn, e); err != nil {
			zap.L().Debug("ws backlog write failed", zap.Error(err))
			return
		}
	}

	closed := make(chan struct{})
	go drainPeer(conn, closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "sorter shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if !filter.match(e) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				zap.L().Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(e)
}

// drainPeer reads until the peer goes away. Clients only send pongs and
// close frames; anything else is discarded.
func drainPeer(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
