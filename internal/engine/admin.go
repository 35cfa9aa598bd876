package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peercall/internal/auth"
	"peercall/internal/call"
	"peercall/internal/firewall"
	"peercall/internal/media"
	"peercall/internal/models"
	"peercall/internal/registrar"
	"peercall/internal/signaling"
	"peercall/pkg/utils"
)

const (
	wsWriteTimeout = 5 * time.Second
	claimsKey      = "claims"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI may be served from a different local origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ControlAPIConfig configures the control API.
type ControlAPIConfig struct {
	Self models.Participant

	// RequireSecureContext refuses capture for requests that arrived
	// neither over TLS nor from loopback.
	RequireSecureContext bool

	// PublicConfig is served verbatim on /api/config.
	PublicConfig map[string]interface{}
}

// ControlAPI is the local HTTP surface of the call agent.
type ControlAPI struct {
	cc     *Coordinator
	dir    registrar.Directory
	tokens *auth.TokenAuthority
	fw     *firewall.Firewall
	cfg    ControlAPIConfig
	e      *echo.Echo
}

func NewControlAPI(cc *Coordinator, dir registrar.Directory, tokens *auth.TokenAuthority, fw *firewall.Firewall, cfg ControlAPIConfig) *ControlAPI {
	a := &ControlAPI{
		cc:     cc,
		dir:    dir,
		tokens: tokens,
		fw:     fw,
		cfg:    cfg,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// CORS for the web UI
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))

	// Metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api", a.firewallMiddleware, a.authMiddleware)

	// ─── Stats / Config ──────────────────────────────────
	api.GET("/stats", a.getStats)
	api.GET("/config", a.getConfig)

	// ─── Directory ───────────────────────────────────────
	api.GET("/participants/:id", a.getParticipant)

	// ─── Calls ───────────────────────────────────────────
	api.POST("/calls", a.startCall)
	api.GET("/calls/active", a.listActiveCalls)
	api.GET("/calls/incoming", a.getIncoming)
	api.POST("/calls/:id/accept", a.acceptCall)
	api.POST("/calls/:id/reject", a.rejectCall)
	api.POST("/calls/:id/hangup", a.hangupCall)
	api.POST("/calls/:id/mute", a.toggleMute)
	api.POST("/calls/:id/camera", a.toggleCamera)

	// ─── Event streams ───────────────────────────────────
	api.GET("/calls/:id/events", a.sessionEvents)
	api.GET("/events", a.incomingEvents)

	a.e = e
	return a
}

// Handler exposes the router, for tests and custom listeners.
func (a *ControlAPI) Handler() http.Handler {
	return a.e
}

func (a *ControlAPI) Start(addr string) error {
	return a.e.Start(addr)
}

func (a *ControlAPI) StartTLS(addr, certFile, keyFile string) error {
	return a.e.StartTLS(addr, certFile, keyFile)
}

func (a *ControlAPI) Shutdown(ctx context.Context) error {
	return a.e.Shutdown(ctx)
}

// ─── Middleware ──────────────────────────────────────────────────────────────
func (a *ControlAPI) firewallMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !a.fw.IsAllowed(remoteHost(c.Request())) {
			utils.FirewallBlocks.Inc()
			return c.JSON(http.StatusForbidden, map[string]string{"error": "blocked"})
		}
		return next(c)
	}
}

func (a *ControlAPI) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := remoteHost(c.Request())
		token := bearerToken(c.Request())
		if token == "" {
			a.fw.RecordFailedAuth(ip)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		}
		claims, err := a.tokens.ValidateToken(token)
		if err != nil || claims.UserID != a.cfg.Self.ID {
			a.fw.RecordFailedAuth(ip)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		}
		a.fw.RecordSuccess(ip)
		c.Set(claimsKey, claims)
		return next(c)
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter that browser WebSocket clients have to use.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// remoteHost is the peer address of the connection. Forwarding headers are
// ignored so they cannot unlock a secure context or dodge the firewall.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *ControlAPI) callOptions(c echo.Context) CallOptions {
	if !a.cfg.RequireSecureContext {
		return CallOptions{SecureContext: true}
	}
	r := c.Request()
	err := media.CheckSecureContext(r.TLS != nil, r.RemoteAddr)
	return CallOptions{SecureContext: err == nil}
}

// ─── Stats / Config ──────────────────────────────────────────────────────────
func (a *ControlAPI) getStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active_calls":  len(a.cc.ActiveCalls()),
		"incoming":      a.cc.Incoming() != nil,
		"participant":   a.cfg.Self.ID,
		"system_status": "operational",
	})
}

func (a *ControlAPI) getConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, a.cfg.PublicConfig)
}

// ─── Directory ───────────────────────────────────────────────────────────────
func (a *ControlAPI) getParticipant(c echo.Context) error {
	p, err := a.dir.Lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// ─── Calls ───────────────────────────────────────────────────────────────────
func (a *ControlAPI) startCall(c echo.Context) error {
	var req struct {
		ReceiverID string `json:"receiverId"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.ReceiverID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "receiverId is required"})
	}
	s, err := a.cc.StartCall(c.Request().Context(), req.ReceiverID, a.callOptions(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, s.Info())
}

func (a *ControlAPI) listActiveCalls(c echo.Context) error {
	return c.JSON(http.StatusOK, a.cc.ActiveCalls())
}

func (a *ControlAPI) getIncoming(c echo.Context) error {
	in := a.cc.Incoming()
	if in == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, in)
}

func (a *ControlAPI) acceptCall(c echo.Context) error {
	s, err := a.cc.AcceptIncoming(c.Request().Context(), c.Param("id"), a.callOptions(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, s.Info())
}

func (a *ControlAPI) rejectCall(c echo.Context) error {
	if err := a.cc.Reject(c.Request().Context(), c.Param("id")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *ControlAPI) hangupCall(c echo.Context) error {
	if err := a.cc.Hangup(c.Request().Context(), c.Param("id")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *ControlAPI) toggleMute(c echo.Context) error {
	muted, err := a.cc.ToggleMute(c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"muted": muted})
}

func (a *ControlAPI) toggleCamera(c echo.Context) error {
	off, err := a.cc.ToggleCamera(c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"cameraOff": off})
}

// ─── Event streams ───────────────────────────────────────────────────────────
func (a *ControlAPI) sessionEvents(c echo.Context) error {
	s, ok := a.cc.Session(c.Param("id"))
	if !ok {
		return errorJSON(c, ErrNoSession)
	}
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warnf("[%s] websocket upgrade: %v", s.CallID(), err)
		return nil
	}
	defer conn.Close()

	events, cancel := s.Subscribe()
	defer cancel()
	gone := drainClient(conn)

	for {
		select {
		case <-gone:
			return nil
		case ev, ok := <-events:
			if !ok {
				closeStream(conn, "session finished")
				return nil
			}
			if err := writeJSON(conn, ev); err != nil {
				return nil
			}
		}
	}
}

func (a *ControlAPI) incomingEvents(c echo.Context) error {
	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		return nil
	}
	defer conn.Close()

	updates, cancel := a.cc.SubscribeIncoming()
	defer cancel()
	gone := drainClient(conn)

	for {
		select {
		case <-gone:
			return nil
		case in, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeJSON(conn, map[string]interface{}{"incoming": in}); err != nil {
				return nil
			}
		}
	}
}

// drainClient reads (and discards) client frames so control frames are
// handled; the returned channel closes when the client goes away.
func drainClient(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

// errorJSON maps domain errors to HTTP status codes.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}
	switch {
	case errors.Is(err, ErrNoSession),
		errors.Is(err, registrar.ErrNotFound),
		errors.Is(err, signaling.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidReceiver):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, media.ErrInsecureContext),
		errors.Is(err, media.ErrPermissionDenied),
		errors.Is(err, media.ErrDeviceUnavailable),
		errors.Is(err, call.ErrNegotiationFailed):
		status = http.StatusUnprocessableEntity
		body["reason"] = string(call.ReasonFor(err))
	case errors.Is(err, signaling.ErrRecordTerminal):
		status = http.StatusGone
	case signaling.Refused(err):
		status = http.StatusConflict
	case errors.Is(err, signaling.ErrChannelIO):
		status = http.StatusBadGateway
	}
	return c.JSON(status, body)
}
