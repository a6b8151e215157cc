// Impostor Party Game
//
// Players join a room over a websocket, the host configures player
// capacity and impostor count, and the game deals secret roles: a
// configurable number of impostors, with everyone else sharing a single
// cover identity drawn from the footballer catalog. Players then vote
// in rounds to eliminate suspected impostors until one faction wins.
//
// Features:
// - One websocket per player at /impostor/ws; rooms addressed by ID in
//   each message, so a single connection can occupy several rooms
// - Room creator becomes host; host authority migrates on disconnect
// - Host-only configuration, game start and turn-order reshuffles
// - Secret role delivery: each player only ever sees their own role
// - Round voting with skip ballots, tie handling and win detection
// - Resync query for clients that missed earlier broadcasts
// - Random 6-char room IDs via crypto/rand, with collision check
// - Rooms auto-reaped after a configurable idle timeout
// - In-browser QR button to share a room link, backed by go-qrcode

package main

import (
	_ "embed"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// ClientMessage is the tagged union of inbound events. Fields beyond
// Type are populated per event and validated before any room state is
// touched.
type ClientMessage struct {
	Type      string `json:"type"`                // "create_room", "configure_room", "join_room", "start_game", "start_round", "cast_vote", "reshuffle_order", "resync"
	Name      string `json:"name,omitempty"`      // create_room / join_room
	RoomID    string `json:"room_id,omitempty"`   // everything except create_room
	Capacity  int    `json:"capacity,omitempty"`  // create_room / configure_room
	Impostors int    `json:"impostors,omitempty"` // create_room / configure_room
	Target    string `json:"target,omitempty"`    // cast_vote: a player ID or "skip"
}

// ConnectedMessage tells a client its gateway-assigned connection ID.
type ConnectedMessage struct {
	Type string `json:"type"` // "connected"
	ID   string `json:"id"`
}

// RoomCreatedMessage is sent to the creator only.
type RoomCreatedMessage struct {
	Type   string `json:"type"` // "room_created"
	RoomID string `json:"room_id"`
}

// LobbyUpdateMessage broadcasts the roster and current host.
type LobbyUpdateMessage struct {
	Type      string   `json:"type"` // "lobby_update"
	RoomID    string   `json:"room_id"`
	Players   []Player `json:"players"`
	Host      string   `json:"host"`
	Capacity  int      `json:"capacity"`
	Impostors int      `json:"impostors"`
	Phase     string   `json:"phase"`
}

// RoomErrorMessage is a user-visible failure, sent to the requester only.
type RoomErrorMessage struct {
	Type    string `json:"type"` // "room_error"
	RoomID  string `json:"room_id,omitempty"`
	Message string `json:"message"`
}

// GameStartedMessage broadcasts the initial turn order.
type GameStartedMessage struct {
	Type      string   `json:"type"` // "game_started"
	RoomID    string   `json:"room_id"`
	TurnOrder []Player `json:"turn_order"`
}

// RoleMessage delivers one player's own role, to that player only.
type RoleMessage struct {
	Type   string `json:"type"` // "role_assigned"
	RoomID string `json:"room_id"`
	Role   string `json:"role"`
}

// VotingPhaseMessage opens a round with the votable candidate set.
type VotingPhaseMessage struct {
	Type       string   `json:"type"` // "voting_phase"
	RoomID     string   `json:"room_id"`
	Candidates []Player `json:"candidates"`
}

// EliminatedMessage announces the eliminated player.
type EliminatedMessage struct {
	Type     string `json:"type"` // "player_eliminated"
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
}

// NoEliminationMessage announces a round that eliminated no one.
type NoEliminationMessage struct {
	Type   string `json:"type"` // "no_elimination"
	RoomID string `json:"room_id"`
}

// GameOverMessage announces the winning faction.
type GameOverMessage struct {
	Type   string `json:"type"` // "game_over"
	RoomID string `json:"room_id"`
	Winner string `json:"winner"` // "crew" or "impostors"
}

// TurnOrderMessage broadcasts a (re)generated turn order.
type TurnOrderMessage struct {
	Type      string   `json:"type"` // "turn_order"
	RoomID    string   `json:"room_id"`
	TurnOrder []Player `json:"turn_order"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

// Gateway tracks live connections and implements outbox for rooms.
type Gateway struct {
	mu    sync.Mutex
	conns map[string]*Client

	cfg      *Config
	registry *Registry
}

func newGateway(cfg *Config) *Gateway {
	g := &Gateway{
		conns:    make(map[string]*Client),
		cfg:      cfg,
		registry: newRegistry(cfg),
	}
	if cfg.sessionTimeout > 0 {
		go g.registry.reaperLoop(g)
	}
	return g
}

// send delivers a message to one connection without blocking. A client
// whose buffer is full is dropped; its pumps notice and clean up.
func (g *Gateway) send(connID string, msg any) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.conns[connID]
	if !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(g.conns, connID)
		close(c.send)
	}
}

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	g.send(c.id, ConnectedMessage{Type: "connected", ID: c.id})
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	if cur, ok := g.conns[c.id]; ok && cur == c {
		delete(g.conns, c.id)
		close(c.send)
	}
	g.mu.Unlock()

	g.registry.dropConnection(g, c.id)
}

const maxNameLength = 32

func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > maxNameLength {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := maxNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

// handle validates one inbound event and dispatches it to the room
// state machine. Malformed payloads are dropped; a missing room is
// answered with room_error only where the requester is entitled to
// learn that the room is gone.
func (g *Gateway) handle(c *Client, msg ClientMessage) {
	switch msg.Type {
	case "create_room":
		name := cleanName(msg.Name)
		if name == "" {
			return
		}
		g.registry.create(g, c.id, name, msg.Capacity, msg.Impostors)

	case "configure_room":
		room := g.registry.get(msg.RoomID)
		if room == nil {
			return
		}
		room.configure(g, g.registry, c.id, msg.Capacity, msg.Impostors)

	case "join_room":
		name := cleanName(msg.Name)
		if name == "" {
			return
		}
		room := g.registry.get(msg.RoomID)
		if room == nil {
			g.send(c.id, RoomErrorMessage{
				Type:    "room_error",
				RoomID:  msg.RoomID,
				Message: "Room does not exist or is full.",
			})
			return
		}
		room.join(g, g.cfg, c.id, name)

	case "start_game":
		room := g.registry.get(msg.RoomID)
		if room == nil {
			return
		}
		room.startGame(g, g.cfg, c.id)

	case "start_round":
		room := g.registry.get(msg.RoomID)
		if room == nil {
			return
		}
		room.startRound(g, c.id)

	case "cast_vote":
		room := g.registry.get(msg.RoomID)
		if room == nil || msg.Target == "" {
			return
		}
		room.castVote(g, c.id, msg.Target)

	case "reshuffle_order":
		room := g.registry.get(msg.RoomID)
		if room == nil {
			return
		}
		room.reshuffleOrder(g, c.id)

	case "resync":
		room := g.registry.get(msg.RoomID)
		if room == nil {
			g.send(c.id, RoomErrorMessage{
				Type:    "room_error",
				RoomID:  msg.RoomID,
				Message: "Room does not exist or is full.",
			})
			return
		}
		room.resync(g, c.id)

	default:
		// ignore unknown types
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and runs the read loop. Each
// connection gets a fresh unguessable ID for the session; votes, roles
// and host authority all key off it.
func serveWS(cfg *Config, g *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		g.register(client)
		logf(cfg, "GATEWAY: Connection %s opened from %s", client.id, realIP(r))

		go client.writePump()
		client.readPump(cfg, g)
	}
}

func (c *Client) readPump(cfg *Config, g *Gateway) {
	defer func() {
		g.unregister(c)
		_ = c.conn.Close()
		logf(cfg, "GATEWAY: Connection %s closed", c.id)
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		g.handle(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler generates a PNG QR code linking to a room join URL.
func qrHandler(cfg *Config, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + path + "#" + roomID

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// ---- Static file paths ----

//go:embed impostor/index.html
var indexHTML []byte

//go:embed impostor/app.css
var impostorCSS []byte

//go:embed impostor/app.js
var impostorJS []byte

func getIndexHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(impostorCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(impostorJS)
	}
}

// registerImpostorGame sets up routes so that:
//   - $path            → HTML client
//   - $path/ws         → the gateway websocket
//   - $path/qr/:roomid → PNG QR code linking to that room
func registerImpostorGame(cfg *Config, path string, mux *httprouter.Router) *Gateway {
	g := newGateway(cfg)

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets (no room ID in route)
	mux.GET(cfg.prefix+"/assets/impostor/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/impostor/app.js", getJsHandler(cfg))

	// One websocket per player; rooms are addressed per message
	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, g))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/qr/:roomid", qrHandler(cfg, path))

	return g
}
