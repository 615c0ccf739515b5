package leaderboard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/contest/lifecycle"
	"github.com/mcdev12/arena/go/internal/contest/scoring"
	"github.com/mcdev12/arena/go/internal/models"
)

var (
	ErrBoardClosed         = errors.New("leaderboard is closed")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrOutsideWindow       = errors.New("submission outside the contest window")
)

// Delta carries the entries that changed after a mutation.
type Delta struct {
	ContestID uuid.UUID
	// Public is what non-privileged sessions see; empty while frozen.
	Public []models.LeaderboardEntry
	// Removed lists users that left the public view (hidden participants).
	Removed []string
	// Private is the true view for privileged sessions.
	Private []models.LeaderboardEntry
	Frozen  bool
}

// Empty reports whether nobody needs to be told anything.
func (d Delta) Empty() bool {
	return len(d.Public) == 0 && len(d.Removed) == 0 && len(d.Private) == 0
}

// Board is the leaderboard of one contest. All methods are serialized by
// the board mutex so a contest never exposes a half-applied update.
type Board struct {
	mu sync.Mutex

	contest      models.Contest
	participants map[string]*models.Participant

	public  []models.LeaderboardEntry
	private []models.LeaderboardEntry
	frozen  []models.LeaderboardEntry // pinned public view, nil when not frozen
	closed  bool
}

// NewBoard creates an empty board for the contest.
func NewBoard(c models.Contest) *Board {
	return &Board{
		contest:      c,
		participants: make(map[string]*models.Participant),
	}
}

// Contest returns the contest snapshot the board scores against.
func (b *Board) Contest() models.Contest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contest
}

// SetContest replaces the contest definition, e.g. after an extension.
func (b *Board) SetContest(c models.Contest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contest = c
}

// Closed reports whether Finalize has run.
func (b *Board) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Restore loads a persisted participant without producing a delta.
func (b *Board) Restore(p *models.Participant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Problems == nil {
		p.Problems = make(map[uuid.UUID]*models.ProblemState)
	}
	scoring.Aggregate(p)
	b.participants[p.UserID] = p
	b.recompute(time.Time{})
}

// Join registers a participant. Joining twice keeps the first record.
func (b *Board) Join(userID string, now time.Time) (*models.Participant, Delta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, Delta{}, ErrBoardClosed
	}
	if p, ok := b.participants[userID]; ok {
		return copyParticipant(p), Delta{ContestID: b.contest.ID}, nil
	}

	p := scoring.NewParticipant(b.contest, userID, lifecycle.EffectiveStart(b.contest, now), now)
	b.participants[userID] = p
	return copyParticipant(p), b.recompute(now), nil
}

// Participant returns a copy of a participant record.
func (b *Board) Participant(userID string) (*models.Participant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.participants[userID]
	if !ok {
		return nil, false
	}
	return copyParticipant(p), true
}

// Count returns the number of registered participants.
func (b *Board) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.participants)
}

// Apply scores a judge result and returns what changed. Only submissions
// made inside the scoring window count. A verdict that arrives after the
// board closed still amends the final standings when the submission itself
// was made in time.
func (b *Board) Apply(ev events.SubmissionJudged, now time.Time) (*models.Participant, Delta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.ContestID != b.contest.ID {
		return nil, Delta{}, fmt.Errorf("contest %s: %w", ev.ContestID, scoring.ErrUnknownReference)
	}
	if !b.contest.InScoringWindow(ev.SubmittedAt) {
		return nil, Delta{}, fmt.Errorf("submitted at %s: %w", ev.SubmittedAt.Format(time.RFC3339Nano), ErrOutsideWindow)
	}

	p, ok := b.participants[ev.ParticipantID]
	if !ok {
		return nil, Delta{}, fmt.Errorf("participant %q: %w", ev.ParticipantID, scoring.ErrUnknownReference)
	}

	// Score on a copy so a rejected event leaves nothing behind.
	next := copyParticipant(p)
	if err := scoring.Apply(b.contest, next, ev); err != nil {
		return nil, Delta{}, err
	}
	b.participants[ev.ParticipantID] = next

	d := b.recompute(now)
	return copyParticipant(next), d, nil
}

// Adjust adds an administrative score delta to a participant.
func (b *Board) Adjust(userID string, delta float64, now time.Time) (Delta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Delta{}, ErrBoardClosed
	}
	p, ok := b.participants[userID]
	if !ok {
		return Delta{}, fmt.Errorf("%s: %w", userID, ErrParticipantNotFound)
	}
	p.Adjustment += delta
	scoring.Aggregate(p)
	return b.recompute(now), nil
}

// SetHidden removes a participant from, or returns them to, the public view.
func (b *Board) SetHidden(userID string, hidden bool, now time.Time) (Delta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Delta{}, ErrBoardClosed
	}
	p, ok := b.participants[userID]
	if !ok {
		return Delta{}, fmt.Errorf("%s: %w", userID, ErrParticipantNotFound)
	}
	p.Hidden = hidden
	return b.recompute(now), nil
}

// Snapshot returns the full leaderboard. Privileged viewers get the true
// ranks; everyone else gets the public view, which is pinned while frozen.
func (b *Board) Snapshot(privileged bool, now time.Time) []models.LeaderboardEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.syncFreeze(now)
	if privileged {
		return cloneEntries(b.private)
	}
	return cloneEntries(b.publicView())
}

// Frozen reports whether the public view is currently pinned.
func (b *Board) Frozen(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncFreeze(now)
	return b.frozen != nil
}

// Finalize lifts the freeze, closes the board and returns the final public
// standings in one step. Later joins and admin changes fail with
// ErrBoardClosed.
func (b *Board) Finalize(now time.Time) ([]models.LeaderboardEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBoardClosed
	}
	b.closed = true
	b.frozen = nil
	b.recompute(now)
	return cloneEntries(b.public), nil
}

// syncFreeze pins the public view on the first access inside the freeze
// window and unpins it if an extension moved the window back out.
func (b *Board) syncFreeze(now time.Time) {
	if b.closed || now.IsZero() {
		return
	}
	fs := b.contest.FreezeStart()
	inWindow := !fs.IsZero() && !now.Before(fs)
	switch {
	case inWindow && b.frozen == nil:
		b.frozen = cloneEntries(b.public)
		if b.frozen == nil {
			b.frozen = []models.LeaderboardEntry{}
		}
	case !inWindow && b.frozen != nil:
		b.frozen = nil
	}
}

func (b *Board) publicView() []models.LeaderboardEntry {
	if b.frozen != nil {
		return b.frozen
	}
	return b.public
}

// recompute re-ranks everyone and diffs both views against the last ones.
// Freeze is evaluated first so the pinned view is the pre-update one.
func (b *Board) recompute(now time.Time) Delta {
	b.syncFreeze(now)

	all := make([]*models.Participant, 0, len(b.participants))
	for _, p := range b.participants {
		all = append(all, p)
	}
	scoring.Rank(b.contest.RankingPolicy, all)

	trueRanks := make([]ranked, len(all))
	for i, p := range all {
		trueRanks[i] = ranked{p: p, rank: p.Rank}
	}
	private := b.project(trueRanks, b.private, now)

	visible := make([]*models.Participant, 0, len(all))
	for _, p := range all {
		if !p.Hidden {
			visible = append(visible, p)
		}
	}
	public := b.project(publicRanks(b.contest.RankingPolicy, visible), b.public, now)

	d := Delta{
		ContestID: b.contest.ID,
		Private:   changed(b.private, private),
		Frozen:    b.frozen != nil,
	}
	if b.frozen == nil {
		d.Public = changed(b.public, public)
		d.Removed = removed(b.public, public)
	}

	b.private = private
	b.public = public
	return d
}

type ranked struct {
	p    *models.Participant
	rank int
}

// publicRanks assigns competition ranks among visible participants only.
func publicRanks(policy models.RankingPolicy, visible []*models.Participant) []ranked {
	out := make([]ranked, len(visible))
	for i, p := range visible {
		out[i] = ranked{p: p, rank: i + 1}
		if i > 0 && scoring.Compare(policy, visible[i-1], p) == 0 {
			out[i].rank = out[i-1].rank
		}
	}
	return out
}

func (b *Board) project(list []ranked, prev []models.LeaderboardEntry, now time.Time) []models.LeaderboardEntry {
	prevByUser := make(map[string]models.LeaderboardEntry, len(prev))
	for _, e := range prev {
		prevByUser[e.UserID] = e
	}

	out := make([]models.LeaderboardEntry, 0, len(list))
	for _, r := range list {
		e := models.LeaderboardEntry{
			Rank:       r.rank,
			UserID:     r.p.UserID,
			Score:      r.p.Score,
			Penalty:    r.p.Penalty,
			Solved:     r.p.Solved,
			SolvedMask: scoring.SolvedMask(b.contest, r.p),
		}
		if old, ok := prevByUser[e.UserID]; ok && sameStanding(old, e) {
			e.UpdatedAt = old.UpdatedAt
		} else {
			e.UpdatedAt = now
		}
		out = append(out, e)
	}
	return out
}

func sameStanding(a, b models.LeaderboardEntry) bool {
	return a.Rank == b.Rank && a.Score == b.Score && a.Penalty == b.Penalty &&
		a.Solved == b.Solved && a.SolvedMask == b.SolvedMask
}

func changed(prev, next []models.LeaderboardEntry) []models.LeaderboardEntry {
	prevByUser := make(map[string]models.LeaderboardEntry, len(prev))
	for _, e := range prev {
		prevByUser[e.UserID] = e
	}
	var out []models.LeaderboardEntry
	for _, e := range next {
		if old, ok := prevByUser[e.UserID]; ok && sameStanding(old, e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func removed(prev, next []models.LeaderboardEntry) []string {
	present := make(map[string]struct{}, len(next))
	for _, e := range next {
		present[e.UserID] = struct{}{}
	}
	var out []string
	for _, e := range prev {
		if _, ok := present[e.UserID]; !ok {
			out = append(out, e.UserID)
		}
	}
	return out
}

func cloneEntries(es []models.LeaderboardEntry) []models.LeaderboardEntry {
	if es == nil {
		return nil
	}
	out := make([]models.LeaderboardEntry, len(es))
	copy(out, es)
	return out
}

func copyParticipant(p *models.Participant) *models.Participant {
	cp := *p
	cp.Problems = make(map[uuid.UUID]*models.ProblemState, len(p.Problems))
	for id, ps := range p.Problems {
		psCopy := *ps
		psCopy.Submissions = make(map[string]models.SubmissionRecord, len(ps.Submissions))
		for k, v := range ps.Submissions {
			psCopy.Submissions[k] = v
		}
		cp.Problems[id] = &psCopy
	}
	return &cp
}
