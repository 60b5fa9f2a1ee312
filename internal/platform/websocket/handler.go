package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// TopicAuthorizer decides whether actor may subscribe to topic.
type TopicAuthorizer func(ctx context.Context, actor, topic string) error

type HandlerConfig struct {
	Authorize   TopicAuthorizer
	Replayer    Replayer
	CheckOrigin func(r *http.Request) bool
	Logger      zerolog.Logger
}

// WebSocketHandler handles HTTP-to-WebSocket upgrades and message routing.
type WebSocketHandler struct {
	hub      *Hub
	cfg      HandlerConfig
	upgrader gorillawebsocket.Upgrader
}

func NewWebSocketHandler(hub *Hub, cfg HandlerConfig) *WebSocketHandler {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketHandler{
		hub: hub,
		cfg: cfg,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request, registers the authenticated actor as a
// client and starts the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	actor := auth.UserIDFromContext(c.Request().Context())
	if actor == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := wsh.hub.NewClient(uuid.New().String(), actor, sendBuffer)
	client.conn = &gorillaConnAdapter{ws}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

// Process applies one client frame. Topics the actor may not read are
// answered with an error event and skipped.
func (wsh *WebSocketHandler) Process(ctx context.Context, client *Client, msg ClientMessage) {
	if msg.Action != "subscribe" {
		wsh.hub.ProcessMessage(client, msg)
		return
	}
	for _, topic := range msg.Topics {
		if wsh.cfg.Authorize != nil {
			if err := wsh.cfg.Authorize(ctx, client.Actor, topic); err != nil {
				wsh.reject(ctx, client, topic, err)
				continue
			}
		}
		since, wantsReplay := msg.Since[topic]
		if !wantsReplay || wsh.cfg.Replayer == nil {
			wsh.hub.Subscribe(client, []string{topic})
			continue
		}
		if err := wsh.hub.SubscribeWithReplay(ctx, client, topic, since, wsh.cfg.Replayer); err != nil {
			if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
				return
			}
			wsh.cfg.Logger.Warn().Err(err).Str("client", client.ID).Str("topic", topic).Msg("replay incomplete")
			wsh.reject(ctx, client, topic, err)
		}
	}
}

// reject tells the client a subscription failed. The frame waits for buffer
// room like replayed events do.
func (wsh *WebSocketHandler) reject(ctx context.Context, client *Client, topic string, cause error) {
	data, _ := json.Marshal(map[string]string{"error": cause.Error()})
	_ = client.deliverWait(ctx, Event{
		Type:      "subscription.error",
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(64 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}

		wsh.Process(ctx, client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Releases a replay waiting on a buffer nobody drains any more.
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
