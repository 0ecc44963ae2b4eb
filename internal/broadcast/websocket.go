package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong from the peer
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
)

// Upgrader upgrades andon board connections. Origins are not restricted;
// the API sits behind the same CORS policy as the REST routes.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebsocketSink writes hub events to a websocket connection
type WebsocketSink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebsocketSink wraps an upgraded connection
func NewWebsocketSink(conn *websocket.Conn) *WebsocketSink {
	return &WebsocketSink{conn: conn}
}

// Write sends one text frame
func (s *WebsocketSink) Write(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame and closes the connection
func (s *WebsocketSink) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

// ServeWebsocket registers conn with the hub and blocks until the client
// goes away. Text frames from the client are acknowledged with
// "Received: <text>".
func ServeWebsocket(hub *Hub, conn *websocket.Conn) {
	sink := NewWebsocketSink(conn)
	handle := hub.Register(sink)
	remote := conn.RemoteAddr().String()
	log.Info().Str("remote", remote).Uint64("subscriber", uint64(handle)).Msg("Websocket client connected")

	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		hub.Unregister(handle)
		log.Info().Str("remote", remote).Msg("Websocket client disconnected")
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("remote", remote).Msg("Websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if err := sink.Write([]byte("Received: " + string(message))); err != nil {
			return
		}
	}
}
