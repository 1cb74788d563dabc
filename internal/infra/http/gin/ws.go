package ginserver

import (
	"net/http"
	"net/url"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatsync/internal/app/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 30 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsReadLimit    = 4 * 1024
)

// StateStream pushes every published session state to a websocket.
type StateStream struct {
	Chat     ChatHandler
	Upgrader websocket.Upgrader
}

func NewStateStream(chat ChatHandler, allowedOrigins []string) StateStream {
	return StateStream{
		Chat: chat,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, allowedOrigins)
			},
		},
	}
}

// originAllowed accepts listed origins. With no list only same-host browser
// origins are accepted; non-browser clients send no Origin at all.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(allowed) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s StateStream) Serve(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	eng, release, err := s.Chat.Sessions.AcquireStream(c.Request.Context(), p.ID)
	if err != nil {
		s.Chat.respondError(c, err, "start session", "user_id", p.ID)
		return
	}
	defer release()
	conn, err := s.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.Chat.Logger != nil {
			s.Chat.Logger.Warn("websocket upgrade failed", "user_id", p.ID, "error", err)
		}
		return
	}
	defer conn.Close()

	// Only the latest state matters, so a slow client skips intermediate ones.
	updates := make(chan session.State, 1)
	cancel := eng.Subscribe(func(st session.State) {
		select {
		case updates <- st:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- st:
			default:
			}
		}
	})
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(wsReadLimit)
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

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	write := func(st session.State) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(toStateResponse(st, s.Chat.now())) == nil
	}
	last := eng.State()
	if !write(last) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case st := <-updates:
			if st.Version <= last.Version {
				continue
			}
			last = st
			if !write(st) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
