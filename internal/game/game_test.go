package game

import (
	"math/rand"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

type fakePlayer struct{ nick string }

func (p *fakePlayer) Nickname() string { return p.nick }

func newTestGame(t *testing.T, boardSize int, nicks ...string) (*Game, []*fakePlayer) {
	t.Helper()
	players := make([]*fakePlayer, len(nicks))
	seated := make([]Player, len(nicks))
	for i, n := range nicks {
		players[i] = &fakePlayer{nick: n}
		seated[i] = players[i]
	}
	g, err := New(boardSize, seated, rand.New(rand.NewSource(1)))
	assert.NilError(t, err)
	return g, players
}

func startGame(t *testing.T, g *Game, players []*fakePlayer) {
	t.Helper()
	for _, p := range players {
		assert.NilError(t, g.PlayerReady(p))
	}
	assert.Assert(t, g.AllReady())
	assert.NilError(t, g.Start())
}

// findPair locates two hidden cards sharing a value.
func findPair(t *testing.T, g *Game) (int, int) {
	t.Helper()
	cards := g.Cards()
	for i := range cards {
		if cards[i].State != CardHidden {
			continue
		}
		for j := i + 1; j < len(cards); j++ {
			if cards[j].State == CardHidden && cards[j].Value == cards[i].Value {
				return i, j
			}
		}
	}
	t.Fatal("no hidden pair left")
	return 0, 0
}

// findMismatch locates two hidden cards with different values.
func findMismatch(t *testing.T, g *Game) (int, int) {
	t.Helper()
	cards := g.Cards()
	for i := range cards {
		if cards[i].State != CardHidden {
			continue
		}
		for j := i + 1; j < len(cards); j++ {
			if cards[j].State == CardHidden && cards[j].Value != cards[i].Value {
				return i, j
			}
		}
	}
	t.Fatal("no hidden mismatch left")
	return 0, 0
}

func playPair(t *testing.T, g *Game) {
	t.Helper()
	p := g.CurrentPlayer()
	i, j := findPair(t, g)
	assert.NilError(t, g.FlipCard(p, i))
	assert.NilError(t, g.FlipCard(p, j))
	assert.Assert(t, g.CheckMatch())
}

func playMismatch(t *testing.T, g *Game) {
	t.Helper()
	p := g.CurrentPlayer()
	i, j := findMismatch(t, g)
	assert.NilError(t, g.FlipCard(p, i))
	assert.NilError(t, g.FlipCard(p, j))
	assert.Assert(t, !g.CheckMatch())
}

func TestNewValidation(t *testing.T) {
	a := &fakePlayer{nick: "A"}
	b := &fakePlayer{nick: "B"}

	for _, size := range []int{0, 2, 3, 5, 7, 10} {
		_, err := New(size, []Player{a, b}, nil)
		assert.Assert(t, err != nil, "size %d accepted", size)
	}

	_, err := New(4, []Player{a}, nil)
	assert.Assert(t, err != nil)

	_, err = New(4, []Player{a, b, a, b, a}, nil)
	assert.Assert(t, err != nil)
}

func TestCardConservation(t *testing.T) {
	for _, size := range []int{4, 6, 8} {
		g, _ := newTestGame(t, size, "A", "B")
		pairs := g.TotalPairs()
		counts := make(map[int]int)
		for _, c := range g.Cards() {
			counts[c.Value]++
		}
		assert.Equal(t, len(counts), pairs)
		for v := 1; v <= pairs; v++ {
			assert.Equal(t, counts[v], 2, "value %d on board size %d", v, size)
		}
	}
}

func TestReadyGate(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")

	assert.Assert(t, !g.AllReady())
	assert.NilError(t, g.PlayerReady(players[0]))
	assert.Assert(t, !g.AllReady())
	assert.NilError(t, g.PlayerReady(players[1]))
	assert.Assert(t, g.AllReady())

	stranger := &fakePlayer{nick: "X"}
	assert.ErrorIs(t, g.PlayerReady(stranger), ErrNotSeated)

	assert.NilError(t, g.Start())
	assert.Equal(t, g.State(), StatePlaying)
	assert.Equal(t, g.CurrentPlayer(), Player(players[0]))

	assert.ErrorIs(t, g.PlayerReady(players[0]), ErrNotWaiting)
	assert.ErrorIs(t, g.Start(), ErrNotWaiting)
}

func TestMatchKeepsTurn(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")
	startGame(t, g, players)

	playPair(t, g)
	assert.Equal(t, g.MatchedPairs(), 1)
	assert.Equal(t, g.ScoreOf(players[0]), 1)
	assert.Equal(t, g.CurrentPlayer(), Player(players[0]))
}

func TestMismatchPassesTurn(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B", "C")
	startGame(t, g, players)

	playMismatch(t, g)
	assert.Equal(t, g.CurrentPlayer(), Player(players[1]))
	// Both cards hidden again.
	for _, c := range g.Cards() {
		assert.Assert(t, c.State != CardRevealed)
	}

	playMismatch(t, g)
	assert.Equal(t, g.CurrentPlayer(), Player(players[2]))
	playMismatch(t, g)
	// Wraps around.
	assert.Equal(t, g.CurrentPlayer(), Player(players[0]))
}

func TestFlipRejections(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")

	assert.ErrorIs(t, g.FlipCard(players[0], 0), ErrNotPlaying)

	startGame(t, g, players)

	assert.ErrorIs(t, g.FlipCard(players[1], 0), ErrNotYourTurn)
	assert.ErrorIs(t, g.FlipCard(players[0], -1), ErrIndexOutOfRange)
	assert.ErrorIs(t, g.FlipCard(players[0], g.TotalCards()), ErrIndexOutOfRange)

	assert.NilError(t, g.FlipCard(players[0], 0))
	assert.ErrorIs(t, g.FlipCard(players[0], 0), ErrCardUnavailable)

	assert.NilError(t, g.FlipCard(players[0], 1))
	assert.ErrorIs(t, g.FlipCard(players[0], 2), ErrTooManyFlips)
}

func TestScoreMatchesConsistency(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")
	startGame(t, g, players)

	check := func() {
		t.Helper()
		sum := 0
		for _, p := range g.Players() {
			sum += g.ScoreOf(p)
		}
		assert.Equal(t, sum, g.MatchedPairs())
	}

	check()
	for !g.IsFinished() {
		if g.MatchedPairs()%3 == 1 && g.MatchedPairs() < g.TotalPairs()-1 {
			playMismatch(t, g)
		} else {
			playPair(t, g)
		}
		check()
	}
	assert.Equal(t, g.MatchedPairs(), g.TotalPairs())
}

func TestPlayToFinishAndWinners(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")
	startGame(t, g, players)

	// A takes one pair, passes; B takes the rest.
	playPair(t, g)
	playMismatch(t, g)
	for !g.IsFinished() {
		playPair(t, g)
	}

	assert.Equal(t, g.State(), StateFinished)
	assert.Equal(t, g.CurrentPlayer(), nil)

	winners := g.Winners()
	assert.Equal(t, len(winners), 1)
	assert.Equal(t, winners[0].Player, Player(players[1]))
	assert.Equal(t, winners[0].Score, g.TotalPairs()-1)
	// The printed score belongs to the named player.
	assert.Equal(t, winners[0].Score, g.ScoreOf(winners[0].Player))
}

func TestForfeitSoleSurvivorTakesAll(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")
	startGame(t, g, players)

	standings := g.Forfeit(players[1])
	assert.Equal(t, len(standings), 1)
	assert.Equal(t, standings[0].Player, Player(players[0]))
	assert.Equal(t, standings[0].Score, g.TotalPairs())
	assert.Equal(t, g.State(), StateFinished)
}

func TestForfeitTiedLeadersSplitRemainder(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B", "C", "D")
	startGame(t, g, players)

	// A scores one pair then passes the turn; B scores one pair.
	playPair(t, g)
	playMismatch(t, g)
	playPair(t, g)

	// D leaves. A and B are tied at 1; C trails with 0.
	remaining := g.TotalPairs() - g.MatchedPairs()
	standings := g.Forfeit(players[3])
	assert.Equal(t, len(standings), 3)

	bonus := remaining / 2
	extra := remaining % 2
	assert.Equal(t, standings[0].Score, 1+bonus+extra) // earlier seat takes the odd pair
	assert.Equal(t, standings[1].Score, 1+bonus)
	assert.Equal(t, standings[2].Score, 0)

	// Payout conservation.
	sum := 0
	for _, s := range standings {
		sum += s.Score
	}
	assert.Equal(t, sum, g.TotalPairs())
}

func TestRemovePlayerRebindsTurn(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B", "C")
	startGame(t, g, players)

	// Pass the turn to B.
	playMismatch(t, g)
	assert.Equal(t, g.CurrentPlayer(), Player(players[1]))

	// B flips one card then drops out; the flip reverts and C follows.
	i, _ := findPair(t, g)
	assert.NilError(t, g.FlipCard(players[1], i))
	assert.NilError(t, g.RemovePlayer(players[1]))
	assert.Equal(t, g.CurrentPlayer(), Player(players[2]))
	assert.Equal(t, g.FlipsThisTurn(), 0)
	assert.Equal(t, g.Cards()[i].State, CardHidden)
}

func TestRemoveEarlierSeatKeepsCurrentPlayer(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B", "C")
	startGame(t, g, players)

	playMismatch(t, g)
	assert.Equal(t, g.CurrentPlayer(), Player(players[1]))

	assert.NilError(t, g.RemovePlayer(players[0]))
	assert.Equal(t, g.CurrentPlayer(), Player(players[1]))
}

func TestRemoveLastSeatWrapsTurn(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B", "C")
	startGame(t, g, players)

	playMismatch(t, g)
	playMismatch(t, g)
	assert.Equal(t, g.CurrentPlayer(), Player(players[2]))

	assert.NilError(t, g.RemovePlayer(players[2]))
	assert.Equal(t, g.CurrentPlayer(), Player(players[0]))
}

func TestReplacePlayer(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")
	startGame(t, g, players)

	ghost := &fakePlayer{nick: "A"}
	n := g.ReplacePlayer(players[0], ghost)
	assert.Equal(t, n, 1)
	assert.Equal(t, g.CurrentPlayer(), Player(ghost))
	assert.Equal(t, g.ReplacePlayer(players[0], ghost), 0)
}

func TestStartMessage(t *testing.T) {
	g, _ := newTestGame(t, 4, "A", "B")
	assert.Equal(t, g.StartMessage(), "GAME_START 4 A B")
}

func TestStateMessage(t *testing.T) {
	g, players := newTestGame(t, 4, "A", "B")
	startGame(t, g, players)

	msg := g.StateMessage()
	assert.Assert(t, strings.HasPrefix(msg, "GAME_STATE 4 A A 0 B 0"), "got %q", msg)
	// 16 hidden slots.
	assert.Equal(t, msg, "GAME_STATE 4 A A 0 B 0"+strings.Repeat(" 0", 16))

	playPair(t, g)
	msg = g.StateMessage()
	assert.Assert(t, strings.HasPrefix(msg, "GAME_STATE 4 A A 1 B 0"), "got %q", msg)

	// Exactly two matched slots carry the pair value.
	fields := strings.Fields(msg)[6:]
	assert.Equal(t, len(fields), 16)
	nonZero := 0
	for _, f := range fields {
		if f != "0" {
			nonZero++
		}
	}
	assert.Equal(t, nonZero, 2)
}

func TestDeterministicShuffle(t *testing.T) {
	g1, _ := newTestGame(t, 6, "A", "B")
	g2, _ := newTestGame(t, 6, "A", "B")
	assert.DeepEqual(t, g1.Cards(), g2.Cards())
}
