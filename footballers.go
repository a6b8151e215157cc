package main

import (
	"math/rand/v2"
)

// footballers is the catalog of cover identities. One name is drawn per
// game and shared by every non-impostor, who must then talk about "their"
// player without knowing who else holds the same card.
var footballers = []string{
	"Pavon",
	"Calleri",
	"Orion",
	"Valzig",
	"Tobi Zabala",
	"Pelé",
	"Diego Maradona",
	"Johan Cruyff",
	"Alfredo Di Stéfano",
	"Franz Beckenbauer",
	"Michel Platini",
	"George Best",
	"Bobby Charlton",
	"Eusébio",
	"Paolo Maldini",
	"Roberto Baggio",
	"Marco van Basten",
	"Ruud Gullit",
	"Lev Yashin",
	"Garrincha",
	"Gerd Müller",
	"Lothar Matthäus",
	"Ronald Koeman",
	"Zico",
	"Sócrates",
	"Romário",
	"Rivaldo",
	"Cafú",
	"Hristo Stoichkov",
	"Fernando Hierro",
	"Ronaldo Nazário",
	"Ronaldinho",
	"Zinedine Zidane",
	"Thierry Henry",
	"Patrick Vieira",
	"Juan Román Riquelme",
	"Martín Palermo",
	"Carlos Tévez",
	"Hugo Ibarra",
	"Ariel Ortega",
	"Marcelo Gallardo",
	"Enzo Francescoli",
	"Norberto Alonso",
	"Leonardo Ponzio",
	"Ricardo Bochini",
	"Daniel Montenegro",
	"Gabriel Milito",
	"Sergio Agüero",
	"Arsenio Erico",
	"Diego Milito",
}

// drawCoverIdentity returns one catalog entry uniformly at random.
func drawCoverIdentity() string {
	return footballers[rand.IntN(len(footballers))]
}
