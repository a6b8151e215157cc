package main

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"time"
)

const (
	phaseLobby   = "lobby"
	phasePlaying = "playing"
)

const (
	outcomeUndecided = ""
	outcomeCrew      = "crew"
	outcomeImpostors = "impostors"
)

// roleImpostor is the sentinel role label; every other label is the
// shared cover identity drawn at game start.
const roleImpostor = "IMPOSTOR"

// skipTarget is the ballot value meaning "eliminate no one".
const skipTarget = "skip"

// Player is a roster entry. ID is the player's connection ID, assigned
// by the gateway, and is the join key for votes, roles and eliminations.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ballot struct {
	voterID string
	target  string
}

// outbox delivers a message to a single connection. Implemented by the
// websocket gateway; tests substitute a recording double. Delivery is
// fire-and-forget and must never block.
type outbox interface {
	send(connID string, msg any)
}

// Room is one isolated game session. All fields are guarded by mu;
// every inbound event is handled read-modify-broadcast under it.
type Room struct {
	id string

	mu sync.Mutex

	hostID    string
	roster    []Player
	capacity  int
	impostors int
	phase     string

	roles       map[string]string
	turnOrder   []Player
	eliminated  map[string]bool
	ballots     []ballot
	roundActive bool
	outcome     string

	createdAt  time.Time
	lastActive time.Time
}

func (r *Room) broadcastLocked(out outbox, msg any) {
	for _, p := range r.roster {
		out.send(p.ID, msg)
	}
}

func (r *Room) lobbyUpdateLocked() LobbyUpdateMessage {
	players := make([]Player, len(r.roster))
	copy(players, r.roster)

	return LobbyUpdateMessage{
		Type:      "lobby_update",
		RoomID:    r.id,
		Players:   players,
		Host:      r.hostID,
		Capacity:  r.capacity,
		Impostors: r.impostors,
		Phase:     r.phase,
	}
}

func (r *Room) memberLocked(connID string) bool {
	for _, p := range r.roster {
		if p.ID == connID {
			return true
		}
	}
	return false
}

// livingLocked returns the roster members still eligible to vote and be
// voted for.
func (r *Room) livingLocked() []Player {
	living := make([]Player, 0, len(r.roster))
	for _, p := range r.roster {
		if r.eliminated[p.ID] {
			continue
		}
		living = append(living, p)
	}
	return living
}

func (r *Room) shuffledRosterLocked() []Player {
	order := make([]Player, len(r.roster))
	copy(order, r.roster)
	mrand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

// Registry owns the room table. Each room carries its own lock, so
// distinct rooms are processed concurrently; the registry lock covers
// only the table itself.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	cfg   *Config
}

func newRegistry(cfg *Config) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		cfg:   cfg,
	}
}

func (reg *Registry) get(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[id]
}

func (reg *Registry) remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, id)
}

func (reg *Registry) snapshot() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// newRoomID generates a short unguessable room ID, collision-checked
// against live rooms.
func (reg *Registry) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		reg.mu.Lock()
		_, exists := reg.rooms[id]
		reg.mu.Unlock()

		if !exists {
			return id
		}
	}
}

func (reg *Registry) clampCapacity(capacity int) int {
	if capacity < 2 {
		return reg.cfg.defaultCapacity
	}
	if capacity > reg.cfg.maxCapacity {
		return reg.cfg.maxCapacity
	}
	return capacity
}

// create allocates a room with the requester as host and sole member,
// then answers with room_created and the first lobby_update.
func (reg *Registry) create(out outbox, requesterID, name string, capacity, impostors int) *Room {
	now := time.Now()
	room := &Room{
		id:         reg.newRoomID(),
		hostID:     requesterID,
		roster:     []Player{{ID: requesterID, Name: name}},
		capacity:   reg.clampCapacity(capacity),
		impostors:  max(impostors, 1),
		phase:      phaseLobby,
		roles:      make(map[string]string),
		eliminated: make(map[string]bool),
		createdAt:  now,
		lastActive: now,
	}

	reg.mu.Lock()
	reg.rooms[room.id] = room
	reg.mu.Unlock()

	logf(reg.cfg, "ROOMS: %q created room %s", name, room.id)

	room.mu.Lock()
	defer room.mu.Unlock()

	out.send(requesterID, RoomCreatedMessage{Type: "room_created", RoomID: room.id})
	room.broadcastLocked(out, room.lobbyUpdateLocked())

	return room
}

// configure updates capacity and impostor count. Host-only; any other
// requester is silently ignored. Rejected once the game has started,
// since reconfiguring a running game has no meaning.
func (r *Room) configure(out outbox, reg *Registry, requesterID string, capacity, impostors int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requesterID != r.hostID {
		return
	}
	r.lastActive = time.Now()

	if r.phase != phaseLobby {
		out.send(requesterID, RoomErrorMessage{
			Type:    "room_error",
			RoomID:  r.id,
			Message: "The game has already started; the room can no longer be configured.",
		})
		return
	}

	capacity = reg.clampCapacity(capacity)
	if capacity < len(r.roster) {
		capacity = len(r.roster)
	}
	r.capacity = capacity
	r.impostors = max(impostors, 1)

	r.broadcastLocked(out, r.lobbyUpdateLocked())
}

// join appends a player to the roster. A full room is a user-visible
// failure delivered to the requester only.
func (r *Room) join(out outbox, cfg *Config, requesterID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	if len(r.roster) >= r.capacity {
		out.send(requesterID, RoomErrorMessage{
			Type:    "room_error",
			RoomID:  r.id,
			Message: "Room does not exist or is full.",
		})
		return
	}

	r.roster = append(r.roster, Player{ID: requesterID, Name: name})
	logf(cfg, "ROOMS: %q joined room %s", name, r.id)

	r.broadcastLocked(out, r.lobbyUpdateLocked())
}

// startGame deals roles and the initial turn order. Host-only, and only
// from the lobby: once play begins the room is committed to one game
// for its lifetime.
func (r *Room) startGame(out outbox, cfg *Config, requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requesterID != r.hostID || r.phase != phaseLobby {
		return
	}
	r.lastActive = time.Now()

	if r.impostors >= len(r.roster) {
		out.send(requesterID, RoomErrorMessage{
			Type:    "room_error",
			RoomID:  r.id,
			Message: fmt.Sprintf("Not enough players for %d impostor(s).", r.impostors),
		})
		return
	}

	r.phase = phasePlaying

	// Deal: shuffle a copy of the roster and take the first impostors
	// entries, guaranteeing exactly that many distinct impostors.
	deal := r.shuffledRosterLocked()
	cover := drawCoverIdentity()
	r.roles = make(map[string]string, len(r.roster))
	for i, p := range deal {
		if i < r.impostors {
			r.roles[p.ID] = roleImpostor
		} else {
			r.roles[p.ID] = cover
		}
	}

	r.turnOrder = r.shuffledRosterLocked()
	r.eliminated = make(map[string]bool)
	r.ballots = nil
	r.roundActive = false

	logf(cfg, "ROOMS: Game started in room %s with %d impostor(s)", r.id, r.impostors)

	r.broadcastLocked(out, GameStartedMessage{
		Type:      "game_started",
		RoomID:    r.id,
		TurnOrder: r.turnOrder,
	})

	// Roles go to each owner only, never room-wide.
	for _, p := range r.roster {
		out.send(p.ID, RoleMessage{
			Type:   "role_assigned",
			RoomID: r.id,
			Role:   r.roles[p.ID],
		})
	}
}

// reshuffleOrder regenerates the turn order on demand. Host-only,
// mid-game only; roles and eliminations are untouched.
func (r *Room) reshuffleOrder(out outbox, requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requesterID != r.hostID || r.phase != phasePlaying {
		return
	}
	r.lastActive = time.Now()

	r.turnOrder = r.shuffledRosterLocked()

	r.broadcastLocked(out, TurnOrderMessage{
		Type:      "turn_order",
		RoomID:    r.id,
		TurnOrder: r.turnOrder,
	})
}

// startRound opens a voting round. Any member may call it; the game
// must be running and undecided.
func (r *Room) startRound(out outbox, requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.memberLocked(requesterID) || r.phase != phasePlaying || r.outcome != outcomeUndecided {
		return
	}
	r.lastActive = time.Now()

	r.ballots = nil
	r.roundActive = true

	r.broadcastLocked(out, VotingPhaseMessage{
		Type:       "voting_phase",
		RoomID:     r.id,
		Candidates: r.livingLocked(),
	})
}

// castVote records one ballot per living voter; re-voting replaces the
// earlier ballot rather than stacking weight. The round resolves
// synchronously once every living player has voted.
func (r *Room) castVote(out outbox, voterID, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != phasePlaying || !r.roundActive || r.outcome != outcomeUndecided {
		return
	}
	if !r.memberLocked(voterID) || r.eliminated[voterID] {
		return
	}
	if target != skipTarget {
		valid := false
		for _, p := range r.livingLocked() {
			if p.ID == target {
				valid = true
				break
			}
		}
		if !valid {
			return
		}
	}
	r.lastActive = time.Now()

	replaced := false
	for i := range r.ballots {
		if r.ballots[i].voterID == voterID {
			r.ballots[i].target = target
			replaced = true
			break
		}
	}
	if !replaced {
		r.ballots = append(r.ballots, ballot{voterID: voterID, target: target})
	}

	if len(r.ballots) >= len(r.livingLocked()) {
		r.resolveRoundLocked(out)
	}
}

// resolveRoundLocked tallies the round. Ties between plurality targets
// eliminate no one, and skip supersedes any target it matches or beats.
func (r *Room) resolveRoundLocked(out outbox) {
	counts := make(map[string]int)
	for _, b := range r.ballots {
		counts[b.target]++
	}

	most := 0
	winner := ""
	for target, n := range counts {
		if target == skipTarget {
			continue
		}
		if n > most {
			most = n
			winner = target
		}
	}

	tied := 0
	for target, n := range counts {
		if target != skipTarget && n == most {
			tied++
		}
	}

	if counts[skipTarget] >= most || tied > 1 {
		winner = ""
	}

	if winner != "" {
		r.eliminated[winner] = true
		r.broadcastLocked(out, EliminatedMessage{
			Type:     "player_eliminated",
			RoomID:   r.id,
			PlayerID: winner,
		})
	} else {
		r.broadcastLocked(out, NoEliminationMessage{
			Type:   "no_elimination",
			RoomID: r.id,
		})
	}

	r.roundActive = false
	r.ballots = nil

	r.checkOutcomeLocked(out)
}

// checkOutcomeLocked evaluates the win condition over living players.
// The outcome is set at most once for the life of the room.
func (r *Room) checkOutcomeLocked(out outbox) {
	if r.outcome != outcomeUndecided {
		return
	}

	livingImpostors := 0
	livingCrew := 0
	for _, p := range r.livingLocked() {
		if r.roles[p.ID] == roleImpostor {
			livingImpostors++
		} else {
			livingCrew++
		}
	}

	switch {
	case livingImpostors == 0:
		r.outcome = outcomeCrew
	case livingImpostors >= livingCrew:
		r.outcome = outcomeImpostors
	default:
		return
	}

	r.broadcastLocked(out, GameOverMessage{
		Type:   "game_over",
		RoomID: r.id,
		Winner: r.outcome,
	})
}

// resync replays the current state to one requester, for clients that
// missed earlier broadcasts. Side-effect-free.
func (r *Room) resync(out outbox, requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == phasePlaying {
		order := make([]Player, len(r.turnOrder))
		copy(order, r.turnOrder)
		out.send(requesterID, TurnOrderMessage{
			Type:      "turn_order",
			RoomID:    r.id,
			TurnOrder: order,
		})
		if role, ok := r.roles[requesterID]; ok {
			out.send(requesterID, RoleMessage{
				Type:   "role_assigned",
				RoomID: r.id,
				Role:   role,
			})
		}
	}

	out.send(requesterID, r.lobbyUpdateLocked())
}

// dropConnection handles a closed connection: the player leaves every
// room they occupy, host authority migrates to the next member in join
// order, and emptied rooms are destroyed. A shrunken ballot denominator
// can resolve a stalled round, so resolution is re-checked.
func (reg *Registry) dropConnection(out outbox, connID string) {
	for _, room := range reg.snapshot() {
		if room.dropPlayer(out, connID) {
			reg.remove(room.id)
			logf(reg.cfg, "ROOMS: Removed empty room %s", room.id)
		}
	}
}

// dropPlayer removes the player from this room, if present. Returns
// true when the roster is now empty and the room should be destroyed.
func (r *Room) dropPlayer(out outbox, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.memberLocked(connID) {
		return false
	}
	r.lastActive = time.Now()

	roster := r.roster[:0]
	for _, p := range r.roster {
		if p.ID == connID {
			continue
		}
		roster = append(roster, p)
	}
	r.roster = roster

	if len(r.roster) == 0 {
		return true
	}

	if r.hostID == connID {
		r.hostID = r.roster[0].ID
	}

	// Ballots cast by or against the departed player die with them.
	ballots := r.ballots[:0]
	for _, b := range r.ballots {
		if b.voterID == connID || b.target == connID {
			continue
		}
		ballots = append(ballots, b)
	}
	r.ballots = ballots

	r.broadcastLocked(out, r.lobbyUpdateLocked())

	if r.phase == phasePlaying && r.roundActive && r.outcome == outcomeUndecided &&
		len(r.ballots) >= len(r.livingLocked()) {
		r.resolveRoundLocked(out)
	}

	return false
}

// reaperLoop periodically destroys rooms idle longer than the
// configured session timeout.
func (reg *Registry) reaperLoop(out outbox) {
	ticker := time.NewTicker(reg.cfg.sessionTimeout / 2)
	for range ticker.C {
		reg.reapIdle(out, time.Now().Add(-reg.cfg.sessionTimeout))
	}
}

// reapIdle removes every room whose last activity predates cutoff,
// telling its members the room is gone before it disappears.
func (reg *Registry) reapIdle(out outbox, cutoff time.Time) {
	var expired []*Room

	reg.mu.Lock()
	for id, room := range reg.rooms {
		room.mu.Lock()
		last := room.lastActive
		room.mu.Unlock()

		if last.Before(cutoff) {
			delete(reg.rooms, id)
			expired = append(expired, room)
		}
	}
	reg.mu.Unlock()

	for _, room := range expired {
		room.mu.Lock()
		room.broadcastLocked(out, RoomErrorMessage{
			Type:    "room_error",
			RoomID:  room.id,
			Message: "The room was closed after sitting idle too long.",
		})
		room.mu.Unlock()
		logf(reg.cfg, "ROOMS: Reaped idle room %s", room.id)
	}
}
