// Package websocket streams blood bank notices to ward dashboards in real
// time. Each client is subscribed to the branches it is allowed to see and
// receives every notice raised for those branches.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ClientMessage is an inbound request to change branch subscriptions.
type ClientMessage struct {
	Action   string      `json:"action"`
	Branches []uuid.UUID `json:"branches"`
}

// Client is one connected dashboard.
type Client struct {
	ID       string
	Send     chan []byte
	branches map[uuid.UUID]struct{}
	// allowed is nil for administrators, who may watch any branch.
	allowed map[uuid.UUID]struct{}
}

func newClient(p auth.Principal) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Send:     make(chan []byte, sendBuffer),
		branches: make(map[uuid.UUID]struct{}),
	}
	if !p.IsAdmin() {
		c.allowed = make(map[uuid.UUID]struct{}, len(p.BranchIDs))
		for _, b := range p.BranchIDs {
			c.allowed[b] = struct{}{}
		}
	}
	return c
}

func (c *Client) mayWatch(branchID uuid.UUID) bool {
	if c.allowed == nil {
		return true
	}
	_, ok := c.allowed[branchID]
	return ok
}

// Hub tracks connected clients by branch. It implements
// notification.Notifier so it can sit in the server's notifier fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
	all     map[*Client]struct{}
	dropped int
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to branches it may watch.
func (h *Hub) Register(client *Client, branches []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	h.subscribeLocked(client, branches)
}

// Unregister removes the client and closes its Send channel. It is safe to
// call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for b := range client.branches {
		h.removeLocked(client, b)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds branches to a registered client. Branches outside the
// client's grant are ignored.
func (h *Hub) Subscribe(client *Client, branches []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, branches)
}

func (h *Hub) subscribeLocked(client *Client, branches []uuid.UUID) {
	for _, b := range branches {
		if !client.mayWatch(b) {
			continue
		}
		if h.clients[b] == nil {
			h.clients[b] = make(map[*Client]struct{})
		}
		h.clients[b][client] = struct{}{}
		client.branches[b] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, branches []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range branches {
		h.removeLocked(client, b)
	}
}

func (h *Hub) removeLocked(client *Client, branchID uuid.UUID) {
	if subscribers, ok := h.clients[branchID]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, branchID)
		}
	}
	delete(client.branches, branchID)
}

// ProcessMessage dispatches a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Branches)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Branches)
	}
}

// Notify sends the notice to every client watching its branch. A client
// whose buffer is full misses the notice rather than stalling the sender.
func (h *Hub) Notify(_ context.Context, n notification.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var dropped int
	for client := range h.clients[n.BranchID] {
		select {
		case client.Send <- data:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.mu.Lock()
		h.dropped += dropped
		h.mu.Unlock()
		h.logger.Warn().Int("clients", dropped).Str("notice_id", n.ID.String()).Msg("websocket clients too slow, notice dropped")
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// BranchCount returns the number of clients watching a branch.
func (h *Hub) BranchCount(branchID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[branchID])
}

// Dropped is the number of deliveries skipped because a client was slow.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades GET /notices/stream to a websocket.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts upgrades from the given origins; an empty list accepts
// same-origin requests only.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	h := &Handler{hub: hub}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowed) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return h
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notices/stream", h.HandleConnect)
}

// HandleConnect subscribes the connection to the caller's branches, or to
// ?branch= when given, then pumps notices until either side hangs up.
func (h *Handler) HandleConnect(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p.UserID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	branches := p.BranchIDs
	if raw := c.QueryParam("branch"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid branch")
		}
		branchID, err := auth.ResolveBranchID(p, id)
		if err != nil {
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		}
		branches = []uuid.UUID{branchID}
	}
	if len(branches) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, auth.ErrBranchRequired.Error())
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := newClient(p)
	h.hub.Register(client, branches)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			var ce *gorillawebsocket.CloseError
			if !errors.As(err, &ce) {
				h.hub.logger.Debug().Err(err).Str("client_id", client.ID).Msg("websocket read ended")
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
