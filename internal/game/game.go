// Package game implements the memory board state machine for a single
// match: card layout, flip-pair resolution, turn rotation and scoring.
// It performs no I/O; the server layers messaging on top.
package game

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const (
	MinBoardSize = 4
	MaxBoardSize = 8
	MinPlayers   = 2
	MaxPlayers   = 4
)

var (
	ErrNotWaiting      = errors.New("game: not in waiting state")
	ErrNotPlaying      = errors.New("game: not in playing state")
	ErrNotYourTurn     = errors.New("game: not this player's turn")
	ErrTooManyFlips    = errors.New("game: already flipped two cards this turn")
	ErrIndexOutOfRange = errors.New("game: card index out of range")
	ErrCardUnavailable = errors.New("game: card already revealed or matched")
	ErrNotSeated       = errors.New("game: player not seated in this game")
)

type State uint8

const (
	StateWaiting State = iota
	StatePlaying
	StateFinished
)

type CardState uint8

const (
	CardHidden CardState = iota
	CardRevealed
	CardMatched
)

type Card struct {
	Value int
	State CardState
}

// Player is the engine's view of a seated client. The server's client
// record satisfies it; the engine never cares about transport state.
type Player interface {
	Nickname() string
}

type seat struct {
	player Player
	ready  bool
	score  int
}

// Standing is a final score line, in seating order.
type Standing struct {
	Player Player
	Score  int
}

type Game struct {
	boardSize  int
	cards      []Card
	seats      []seat
	current    int
	firstCard  int
	secondCard int
	flips      int
	matched    int
	state      State
}

// New deals a shuffled board for the given players. rng may be nil, in
// which case the shuffle is seeded from the wall clock; tests inject a
// fixed source for deterministic layouts.
func New(boardSize int, players []Player, rng *rand.Rand) (*Game, error) {
	if boardSize < MinBoardSize || boardSize > MaxBoardSize || boardSize%2 != 0 {
		return nil, fmt.Errorf("game: invalid board size %d (must be 4, 6 or 8)", boardSize)
	}
	if len(players) < MinPlayers || len(players) > MaxPlayers {
		return nil, fmt.Errorf("game: invalid player count %d (must be %d-%d)", len(players), MinPlayers, MaxPlayers)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	total := boardSize * boardSize
	values := make([]int, total)
	for i := 0; i < total/2; i++ {
		values[i*2] = i + 1
		values[i*2+1] = i + 1
	}
	// Fisher-Yates
	for i := total - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		values[i], values[j] = values[j], values[i]
	}

	g := &Game{
		boardSize:  boardSize,
		cards:      make([]Card, total),
		seats:      make([]seat, len(players)),
		firstCard:  -1,
		secondCard: -1,
		state:      StateWaiting,
	}
	for i, v := range values {
		g.cards[i] = Card{Value: v, State: CardHidden}
	}
	for i, p := range players {
		g.seats[i] = seat{player: p}
	}
	return g, nil
}

func (g *Game) State() State       { return g.state }
func (g *Game) BoardSize() int     { return g.boardSize }
func (g *Game) TotalCards() int    { return len(g.cards) }
func (g *Game) TotalPairs() int    { return len(g.cards) / 2 }
func (g *Game) MatchedPairs() int  { return g.matched }
func (g *Game) FlipsThisTurn() int { return g.flips }
func (g *Game) IsFinished() bool   { return g.state == StateFinished }

func (g *Game) CardValue(index int) int {
	return g.cards[index].Value
}

// Cards returns a copy of the board, for state inspection.
func (g *Game) Cards() []Card {
	out := make([]Card, len(g.cards))
	copy(out, g.cards)
	return out
}

// Players returns the seated players in seating order.
func (g *Game) Players() []Player {
	out := make([]Player, len(g.seats))
	for i, s := range g.seats {
		out[i] = s.player
	}
	return out
}

func (g *Game) seatOf(p Player) int {
	for i := range g.seats {
		if g.seats[i].player == p {
			return i
		}
	}
	return -1
}

// ScoreOf returns the player's score, or -1 if not seated.
func (g *Game) ScoreOf(p Player) int {
	i := g.seatOf(p)
	if i < 0 {
		return -1
	}
	return g.seats[i].score
}

func (g *Game) PlayerReady(p Player) error {
	if g.state != StateWaiting {
		return ErrNotWaiting
	}
	i := g.seatOf(p)
	if i < 0 {
		return ErrNotSeated
	}
	g.seats[i].ready = true
	return nil
}

func (g *Game) AllReady() bool {
	for i := range g.seats {
		if !g.seats[i].ready {
			return false
		}
	}
	return true
}

func (g *Game) Start() error {
	if g.state != StateWaiting {
		return ErrNotWaiting
	}
	g.state = StatePlaying
	g.current = 0
	return nil
}

// FlipCard reveals a hidden card for the current player. The caller
// checks FlipsThisTurn afterwards and runs CheckMatch on the second flip.
func (g *Game) FlipCard(p Player, index int) error {
	if g.state != StatePlaying {
		return ErrNotPlaying
	}
	if g.seats[g.current].player != p {
		return ErrNotYourTurn
	}
	if g.flips >= 2 {
		return ErrTooManyFlips
	}
	if index < 0 || index >= len(g.cards) {
		return ErrIndexOutOfRange
	}
	if g.cards[index].State != CardHidden {
		return ErrCardUnavailable
	}

	g.cards[index].State = CardRevealed
	g.flips++
	if g.flips == 1 {
		g.firstCard = index
	} else {
		g.secondCard = index
	}
	return nil
}

// CheckMatch resolves the two revealed cards. On a match the current
// player scores and keeps the turn; on a mismatch both cards hide again
// and the turn passes. Returns true on a match. Matching the final pair
// moves the game to StateFinished.
func (g *Game) CheckMatch() bool {
	if g.flips != 2 {
		return false
	}

	first, second := g.firstCard, g.secondCard
	g.firstCard, g.secondCard = -1, -1
	g.flips = 0

	if g.cards[first].Value == g.cards[second].Value {
		g.cards[first].State = CardMatched
		g.cards[second].State = CardMatched
		g.seats[g.current].score++
		g.matched++
		if g.matched == g.TotalPairs() {
			g.state = StateFinished
		}
		return true
	}

	g.cards[first].State = CardHidden
	g.cards[second].State = CardHidden
	g.current = (g.current + 1) % len(g.seats)
	return false
}

// CurrentPlayer returns the player on turn, or nil when not playing.
func (g *Game) CurrentPlayer() Player {
	if g.state != StatePlaying {
		return nil
	}
	return g.seats[g.current].player
}

// Winners returns every player tied at the maximum score, in seating
// order. Empty unless the game is finished.
func (g *Game) Winners() []Standing {
	if g.state != StateFinished {
		return nil
	}
	best := 0
	for i := range g.seats {
		if g.seats[i].score > best {
			best = g.seats[i].score
		}
	}
	var winners []Standing
	for i := range g.seats {
		if g.seats[i].score == best {
			winners = append(winners, Standing{Player: g.seats[i].player, Score: g.seats[i].score})
		}
	}
	return winners
}

// RemovePlayer collapses the seat out of the array mid-game. If the
// removed player was on turn, their partial flips are reverted and the
// turn lands on the player that would have followed them.
func (g *Game) RemovePlayer(p Player) error {
	i := g.seatOf(p)
	if i < 0 {
		return ErrNotSeated
	}

	if i == g.current {
		g.revertFlips()
	}
	g.seats = append(g.seats[:i], g.seats[i+1:]...)
	if len(g.seats) == 0 {
		g.current = 0
		return nil
	}
	switch {
	case i < g.current:
		g.current--
	case i == g.current:
		g.current %= len(g.seats)
	}
	return nil
}

func (g *Game) revertFlips() {
	if g.firstCard >= 0 && g.cards[g.firstCard].State == CardRevealed {
		g.cards[g.firstCard].State = CardHidden
	}
	if g.secondCard >= 0 && g.cards[g.secondCard].State == CardRevealed {
		g.cards[g.secondCard].State = CardHidden
	}
	g.firstCard, g.secondCard = -1, -1
	g.flips = 0
}

// Forfeit distributes the unmatched pairs among the highest-scoring
// survivors when the game cannot continue. The excluded player (the
// leaver; may be nil) gets nothing. Tied leaders split the remainder,
// earlier seats taking the odd pairs. Returns the final standings of the
// survivors in seating order and moves the game to StateFinished.
func (g *Game) Forfeit(excluded Player) []Standing {
	remaining := g.TotalPairs() - g.matched

	highest := -1
	winners := 0
	for i := range g.seats {
		if g.seats[i].player == excluded {
			continue
		}
		switch {
		case g.seats[i].score > highest:
			highest = g.seats[i].score
			winners = 1
		case g.seats[i].score == highest:
			winners++
		}
	}

	if winners > 0 && remaining > 0 {
		bonus := remaining / winners
		extra := remaining % winners
		for i := range g.seats {
			if g.seats[i].player == excluded || g.seats[i].score != highest {
				continue
			}
			g.seats[i].score += bonus
			if extra > 0 {
				g.seats[i].score++
				extra--
			}
		}
	}

	g.state = StateFinished

	var out []Standing
	for i := range g.seats {
		if g.seats[i].player == excluded {
			continue
		}
		out = append(out, Standing{Player: g.seats[i].player, Score: g.seats[i].score})
	}
	return out
}

// StartMessage formats "GAME_START <board_size> <nick>...".
func (g *Game) StartMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GAME_START %d", g.boardSize)
	for i := range g.seats {
		b.WriteByte(' ')
		b.WriteString(g.seats[i].player.Nickname())
	}
	return b.String()
}

// StateMessage formats the full board snapshot used on reconnect:
// "GAME_STATE <board_size> <current_nick> <nick> <score>... <slot>..."
// where a slot carries the card value if matched and 0 otherwise.
func (g *Game) StateMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GAME_STATE %d %s", g.boardSize, g.seats[g.current].player.Nickname())
	for i := range g.seats {
		fmt.Fprintf(&b, " %s %d", g.seats[i].player.Nickname(), g.seats[i].score)
	}
	for i := range g.cards {
		if g.cards[i].State == CardMatched {
			fmt.Fprintf(&b, " %d", g.cards[i].Value)
		} else {
			b.WriteString(" 0")
		}
	}
	return b.String()
}

// ReplacePlayer repoints every seat held by old to the replacement and
// returns how many seats were touched. More than one is an invariant
// violation the caller logs; the seats are repaired regardless.
func (g *Game) ReplacePlayer(old, replacement Player) int {
	n := 0
	for i := range g.seats {
		if g.seats[i].player == old {
			g.seats[i].player = replacement
			n++
		}
	}
	return n
}
