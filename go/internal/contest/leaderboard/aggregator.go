package leaderboard

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Aggregator owns one Board per contest. Boards are independent, so scoring
// for different contests runs in parallel.
type Aggregator struct {
	mu     sync.RWMutex
	boards map[uuid.UUID]*Board
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		boards: make(map[uuid.UUID]*Board),
	}
}

// Board returns the board of a contest if one is open.
func (a *Aggregator) Board(contestID uuid.UUID) (*Board, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.boards[contestID]
	return b, ok
}

// Open returns the contest's board, creating it on first use. An existing
// board picks up the latest contest definition. The bool reports creation.
func (a *Aggregator) Open(c models.Contest) (*Board, bool) {
	if b, ok := a.Board(c.ID); ok {
		b.SetContest(c)
		return b, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.boards[c.ID]; ok {
		b.SetContest(c)
		return b, false
	}

	b := NewBoard(c)
	a.boards[c.ID] = b
	log.Info().Str("contest_id", c.ID.String()).Msg("leaderboard opened")
	return b, true
}

// Remove drops a board from memory.
func (a *Aggregator) Remove(contestID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.boards, contestID)
}

// Len returns the number of open boards.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.boards)
}
