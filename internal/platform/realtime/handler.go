package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// TokenValidator checks a connection token beyond its signature, such as
// whether the impersonation session it belongs to is still open.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Claims, error)
}

// Handler upgrades authenticated HTTP requests to WebSocket sessions.
type Handler struct {
	hub       *Hub
	issuer    *auth.TokenIssuer
	validator TokenValidator
	upgrader  gorillawebsocket.Upgrader
	log       zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithValidator replaces plain signature checks with v.
func WithValidator(v TokenValidator) HandlerOption {
	return func(h *Handler) { h.validator = v }
}

// NewHandler creates a handler. An empty origins list, or one containing
// "*", accepts any Origin header.
func NewHandler(hub *Hub, issuer *auth.TokenIssuer, origins []string, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	allowed := make(map[string]bool, len(origins))
	anyOrigin := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = true
	}

	h := &Handler{
		hub:    hub,
		issuer: issuer,
		log:    logger.With().Str("component", "realtime").Logger(),
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || allowed[origin]
			},
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) validate(ctx context.Context, token string) (*auth.Claims, error) {
	if h.validator != nil {
		return h.validator.ValidateToken(ctx, token)
	}
	return h.issuer.Parse(token)
}

// RegisterRoutes registers the WebSocket endpoint.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.HandleConnect)
}

// HandleConnect authenticates the ?token= query parameter, upgrades the
// connection, and starts the read and write pumps. Browsers cannot set an
// Authorization header on WebSocket requests.
func (h *Handler) HandleConnect(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		if bearer, ok := auth.BearerToken(c.Request().Header.Get("Authorization")); ok {
			token = bearer
		}
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	claims, err := h.validate(c.Request().Context(), token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}
	id := auth.IdentityFromClaims(claims)

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(uuid.NewString(), id.UserID.String(), id.Practice)
	h.hub.Register(client)
	h.log.Debug().Str("client", client.ID).Str("user_id", client.UserID).Str("practice", client.Practice).Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client", client.ID).Msg("websocket closed unexpectedly")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
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
