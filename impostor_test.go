package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const readTimeout = 2 * time.Second

// serverMessage is the union of every outbound payload, for decoding in
// tests.
type serverMessage struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	RoomID     string   `json:"room_id"`
	Players    []Player `json:"players"`
	Host       string   `json:"host"`
	Capacity   int      `json:"capacity"`
	Impostors  int      `json:"impostors"`
	Phase      string   `json:"phase"`
	TurnOrder  []Player `json:"turn_order"`
	Candidates []Player `json:"candidates"`
	Role       string   `json:"role"`
	PlayerID   string   `json:"player_id"`
	Winner     string   `json:"winner"`
	Message    string   `json:"message"`
}

// startTestServer runs the impostor routes on an httptest server.
func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := testConfig()
	mux := httprouter.New()
	registerImpostorGame(cfg, "/impostor", mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// wsDial connects to the gateway websocket and returns the connection
// and its server-assigned ID.
func wsDial(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/impostor/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	msg := readMessage(t, conn)
	if msg.Type != "connected" || msg.ID == "" {
		t.Fatalf("expected connected message with an ID, got %+v", msg)
	}
	return conn, msg.ID
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

// readUntil discards messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) serverMessage {
	t.Helper()

	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message within %s", msgType, readTimeout)
	return serverMessage{}
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// createRoom creates a room via conn and returns its ID.
func createRoom(t *testing.T, conn *websocket.Conn, name string) string {
	t.Helper()

	sendMessage(t, conn, ClientMessage{Type: "create_room", Name: name})
	msg := readUntil(t, conn, "room_created")
	if len(msg.RoomID) != 6 {
		t.Fatalf("room ID = %q, want 6 characters", msg.RoomID)
	}
	return msg.RoomID
}

func TestCreateAndJoinFlow(t *testing.T) {
	srv := startTestServer(t)

	host, hostID := wsDial(t, srv)
	roomID := createRoom(t, host, "Ana")

	lobby := readUntil(t, host, "lobby_update")
	if lobby.Host != hostID || len(lobby.Players) != 1 {
		t.Fatalf("creator lobby = %+v, want sole member and host %s", lobby, hostID)
	}

	guest, guestID := wsDial(t, srv)
	sendMessage(t, guest, ClientMessage{Type: "join_room", Name: "Bruno", RoomID: roomID})

	for _, conn := range []*websocket.Conn{host, guest} {
		lobby := readUntil(t, conn, "lobby_update")
		if len(lobby.Players) != 2 {
			t.Fatalf("lobby players = %d, want 2", len(lobby.Players))
		}
		if lobby.Host != hostID {
			t.Errorf("host = %q, want creator %q", lobby.Host, hostID)
		}
		if lobby.Players[1].ID != guestID {
			t.Errorf("joiner appended out of order: %+v", lobby.Players)
		}
	}
}

func TestJoinMissingRoom(t *testing.T) {
	srv := startTestServer(t)

	conn, _ := wsDial(t, srv)
	sendMessage(t, conn, ClientMessage{Type: "join_room", Name: "Bruno", RoomID: "zzzzzz"})

	msg := readUntil(t, conn, "room_error")
	if msg.Message == "" {
		t.Error("room_error should carry a user-visible message")
	}
}

// startThreePlayerGame wires up a room of three and starts the game.
func startThreePlayerGame(t *testing.T, srv *httptest.Server) (conns []*websocket.Conn, ids []string, roomID string) {
	t.Helper()

	host, hostID := wsDial(t, srv)
	roomID = createRoom(t, host, "Ana")

	conns = []*websocket.Conn{host}
	ids = []string{hostID}
	for _, name := range []string{"Bruno", "Carla"} {
		conn, id := wsDial(t, srv)
		sendMessage(t, conn, ClientMessage{Type: "join_room", Name: name, RoomID: roomID})
		readUntil(t, conn, "lobby_update")
		conns = append(conns, conn)
		ids = append(ids, id)
	}

	sendMessage(t, host, ClientMessage{Type: "start_game", RoomID: roomID})
	return conns, ids, roomID
}

func TestGameStartDeliversPrivateRoles(t *testing.T) {
	srv := startTestServer(t)
	conns, ids, _ := startThreePlayerGame(t, srv)

	roles := make([]string, 0, len(conns))
	for _, conn := range conns {
		started := readUntil(t, conn, "game_started")
		if len(started.TurnOrder) != len(ids) {
			t.Fatalf("turn order size = %d, want %d", len(started.TurnOrder), len(ids))
		}

		role := readUntil(t, conn, "role_assigned")
		if role.Role == "" {
			t.Fatal("empty role payload")
		}
		roles = append(roles, role.Role)
	}

	impostors := 0
	covers := make(map[string]bool)
	for _, role := range roles {
		if role == roleImpostor {
			impostors++
		} else {
			covers[role] = true
		}
	}
	if impostors != 1 {
		t.Errorf("impostor count = %d, want exactly 1", impostors)
	}
	if len(covers) != 1 {
		t.Errorf("cover identities = %v, want one shared name", covers)
	}
}

func TestVoteRoundOverWebsocket(t *testing.T) {
	srv := startTestServer(t)
	conns, ids, roomID := startThreePlayerGame(t, srv)

	// Wait for the start_game broadcast so the round request cannot
	// overtake it on its separate connection.
	readUntil(t, conns[1], "game_started")

	sendMessage(t, conns[1], ClientMessage{Type: "start_round", RoomID: roomID})
	for _, conn := range conns {
		phase := readUntil(t, conn, "voting_phase")
		if len(phase.Candidates) != 3 {
			t.Fatalf("candidates = %d, want 3", len(phase.Candidates))
		}
	}

	victim := ids[2]
	for _, conn := range conns {
		sendMessage(t, conn, ClientMessage{Type: "cast_vote", RoomID: roomID, Target: victim})
	}

	for _, conn := range conns {
		elim := readUntil(t, conn, "player_eliminated")
		if elim.PlayerID != victim {
			t.Errorf("eliminated = %q, want %q", elim.PlayerID, victim)
		}

		// Three players and one impostor: any elimination decides the
		// game, either by removing the impostor or by reaching parity.
		over := readUntil(t, conn, "game_over")
		if over.Winner != outcomeCrew && over.Winner != outcomeImpostors {
			t.Errorf("winner = %q, want a faction", over.Winner)
		}
	}
}

func TestHostDisconnectMigratesHost(t *testing.T) {
	srv := startTestServer(t)

	host, _ := wsDial(t, srv)
	roomID := createRoom(t, host, "Ana")

	guest, guestID := wsDial(t, srv)
	sendMessage(t, guest, ClientMessage{Type: "join_room", Name: "Bruno", RoomID: roomID})
	readUntil(t, guest, "lobby_update")

	host.Close()

	lobby := readUntil(t, guest, "lobby_update")
	if lobby.Host != guestID {
		t.Errorf("host = %q, want migrated to %q", lobby.Host, guestID)
	}
	if len(lobby.Players) != 1 {
		t.Errorf("players = %d, want 1", len(lobby.Players))
	}
}

func TestResyncAfterMissedBroadcasts(t *testing.T) {
	srv := startTestServer(t)
	conns, _, roomID := startThreePlayerGame(t, srv)

	readUntil(t, conns[2], "role_assigned")

	sendMessage(t, conns[2], ClientMessage{Type: "resync", RoomID: roomID})

	order := readUntil(t, conns[2], "turn_order")
	if len(order.TurnOrder) != 3 {
		t.Errorf("resync turn order size = %d, want 3", len(order.TurnOrder))
	}
	role := readUntil(t, conns[2], "role_assigned")
	if role.Role == "" {
		t.Error("resync should replay the requester's role")
	}
	lobby := readUntil(t, conns[2], "lobby_update")
	if lobby.Phase != phasePlaying {
		t.Errorf("phase = %q, want %q", lobby.Phase, phasePlaying)
	}
}

func TestCleanName(t *testing.T) {
	if got := cleanName("  Ana  "); got != "Ana" {
		t.Errorf("cleanName trim = %q, want %q", got, "Ana")
	}

	long := strings.Repeat("a", maxNameLength+8)
	if got := cleanName(long); len(got) != maxNameLength {
		t.Errorf("cleanName length = %d, want %d", len(got), maxNameLength)
	}

	// A multibyte rune straddling the limit must be dropped whole, not
	// split into a dangling continuation byte.
	straddled := strings.Repeat("a", maxNameLength-1) + "é"
	got := cleanName(straddled)
	if !utf8.ValidString(got) {
		t.Errorf("cleanName produced invalid UTF-8: %q", got)
	}
	if len(got) > maxNameLength {
		t.Errorf("cleanName length = %d, want at most %d", len(got), maxNameLength)
	}
	if got != strings.Repeat("a", maxNameLength-1) {
		t.Errorf("cleanName = %q, want the rune before the limit dropped", got)
	}
}

func TestQRHandler(t *testing.T) {
	srv := startTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/impostor/qr/abc123")
	if err != nil {
		t.Fatalf("qr request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}
}
