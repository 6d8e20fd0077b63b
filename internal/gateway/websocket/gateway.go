package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// ServerVersion is reported in the welcome message.
const ServerVersion = "1.0.0"

var capabilities = []string{
	"ask",
	"stream",
	"permissions",
	"history",
	"queue",
	"commands",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts local tooling; origin enforcement is left to the
	// deployment (reverse proxy or auth token).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway owns the WebSocket endpoint: auth, upgrade, client registration.
type Gateway struct {
	cfg         *config.Config
	hub         *Hub
	handler     *Handler
	maxSessions int
	log         *logger.Logger
}

// NewGateway creates a Gateway around an existing hub and handler.
func NewGateway(cfg *config.Config, hub *Hub, handler *Handler, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	hub.SetHandler(handler)
	return &Gateway{
		cfg:         cfg,
		hub:         hub,
		handler:     handler,
		maxSessions: cfg.Session.MaxSessions,
		log:         log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Hub returns the gateway's client hub.
func (g *Gateway) Hub() *Hub { return g.hub }

// SetupRoutes registers the WebSocket endpoint on the router.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.ServeWS)
}

// ServeWS upgrades the connection and starts the client pumps. Failed auth
// still upgrades so the client receives a proper policy-violation close frame
// instead of a bare HTTP error.
func (g *Gateway) ServeWS(c *gin.Context) {
	authorized := g.authorize(c.Request)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if !authorized {
		g.log.Info("rejecting unauthorized websocket client",
			zap.String("remote", c.Request.RemoteAddr))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := NewClient(uuid.NewString(), conn, g.hub, g.log)
	g.hub.Register(client)

	go client.WritePump()

	welcome, err := protocol.NewMessage(protocol.TypeWelcome, "", protocol.Welcome{
		ClientID:      client.id,
		ServerVersion: ServerVersion,
		Capabilities:  capabilities,
		MaxSessions:   g.maxSessions,
	})
	if err == nil {
		_ = client.SendMessage(welcome)
	}

	g.log.Info("websocket client connected",
		zap.String("client_id", client.id),
		zap.String("remote", c.Request.RemoteAddr))

	client.ReadPump()
}

// authorize validates the shared token from the query string or the
// Authorization header. An empty configured token disables auth.
func (g *Gateway) authorize(r *http.Request) bool {
	expected := g.cfg.Auth.Token
	if expected == "" {
		return true
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token == expected
	}
	if header := r.Header.Get("Authorization"); header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		return token == expected
	}
	return false
}
