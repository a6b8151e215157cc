// Package games holds gameplay notes for the impostor party game.
package games

// Every player except the impostors receives the same footballer card
// The impostors receive only the word IMPOSTOR
// Players take turns (in the broadcast turn order) saying something about "their" footballer
// Impostors must bluff convincingly without knowing which footballer was drawn
// Anyone may call a vote; every living player casts one ballot, for a player or for skip
// A strict plurality eliminates that player; ties and skip-at-or-above-plurality eliminate no one
// Eliminated players stay in the room as spectators
// Crew wins when no impostor is left alive; impostors win at numeric parity

// How to play
// - One player creates a room and shares the room code (or the QR link)
// - The host sets capacity and impostor count, then starts the game
// - Roles are dealt secretly; each player sees only their own card
// - The host can reshuffle the speaking order between rounds
