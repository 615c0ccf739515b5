package scoring

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/contest/events"
	"github.com/mcdev12/arena/go/internal/models"
)

// ErrUnknownReference is returned for a judge result naming a participant or
// problem the contest does not know. Nothing is scored in that case.
var ErrUnknownReference = errors.New("unknown participant or problem")

// SubmissionKey identifies a judged attempt. Replays with the same key
// overwrite the same slot instead of adding a new attempt.
func SubmissionKey(ev events.SubmissionJudged) string {
	if ev.SubmissionID != "" {
		return ev.SubmissionID
	}
	return "t:" + strconv.FormatInt(ev.SubmittedAt.UnixNano(), 10)
}

// NewParticipant builds an empty participant record.
func NewParticipant(c models.Contest, userID string, effectiveStart, registeredAt time.Time) *models.Participant {
	return &models.Participant{
		UserID:         userID,
		ContestID:      c.ID,
		RegisteredAt:   registeredAt,
		EffectiveStart: effectiveStart,
		Problems:       make(map[uuid.UUID]*models.ProblemState),
	}
}

// Apply records a judge result on the participant and recomputes the touched
// problem and the aggregate. It validates before mutating anything.
func Apply(c models.Contest, p *models.Participant, ev events.SubmissionJudged) error {
	if p == nil || p.UserID != ev.ParticipantID {
		return fmt.Errorf("participant %q: %w", ev.ParticipantID, ErrUnknownReference)
	}
	if _, _, ok := c.Problem(ev.ProblemID); !ok {
		return fmt.Errorf("problem %s: %w", ev.ProblemID, ErrUnknownReference)
	}

	ps, ok := p.Problems[ev.ProblemID]
	if !ok {
		ps = &models.ProblemState{
			ProblemID:   ev.ProblemID,
			Submissions: make(map[string]models.SubmissionRecord),
		}
		p.Problems[ev.ProblemID] = ps
	}
	if ps.Submissions == nil {
		ps.Submissions = make(map[string]models.SubmissionRecord)
	}

	key := SubmissionKey(ev)
	ps.Submissions[key] = models.SubmissionRecord{
		Key:            key,
		Verdict:        ev.Verdict,
		PassedFraction: ev.PassedFraction,
		SubmittedAt:    ev.SubmittedAt,
	}

	RecomputeProblem(c, p, ps)
	Aggregate(p)
	return nil
}

// RecomputeProblem derives a problem's state from every recorded submission.
func RecomputeProblem(c models.Contest, p *models.Participant, ps *models.ProblemState) {
	subs := make([]models.SubmissionRecord, 0, len(ps.Submissions))
	for _, s := range ps.Submissions {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].SubmittedAt.Equal(subs[j].SubmittedAt) {
			return subs[i].SubmittedAt.Before(subs[j].SubmittedAt)
		}
		return subs[i].Key < subs[j].Key
	})

	points := float64(c.PointsFor(ps.ProblemID))
	rule := c.Penalty

	ps.Attempts = 0
	ps.Solved = false
	ps.SolveTime = 0
	ps.AcceptedAt = nil
	ps.Score = 0
	ps.Penalty = 0

	bestFraction := 0.0
	for _, s := range subs {
		if s.Verdict == models.VerdictCompileError {
			continue
		}
		ps.Attempts++

		if s.Verdict == models.VerdictAccepted {
			at := s.SubmittedAt
			ps.Solved = true
			ps.AcceptedAt = &at
			ps.SolveTime = at.Sub(p.EffectiveStart)
			if ps.SolveTime < 0 {
				ps.SolveTime = 0
			}
			ps.Score = points
			if c.Scoring.PartialScoring {
				ps.Score = points * acceptedFraction(s.PassedFraction)
			}
			break
		}

		ps.Penalty += rule.WrongSubmissionPenalty
		if rule.MaxPenaltyPerProblem > 0 && ps.Penalty > rule.MaxPenaltyPerProblem {
			ps.Penalty = rule.MaxPenaltyPerProblem
		}
		if f := clampFraction(s.PassedFraction); f > bestFraction {
			bestFraction = f
		}
	}

	if !ps.Solved {
		if c.Scoring.PartialScoring {
			ps.Score = points * bestFraction
		}
		if rule.PenaltyOnlyAfterAC {
			ps.Penalty = 0
		}
	}

	if n := len(subs); n > 0 {
		last := subs[n-1].SubmittedAt
		if p.LastSubmissionAt == nil || last.After(*p.LastSubmissionAt) {
			p.LastSubmissionAt = &last
		}
	}
}

// Aggregate folds the per-problem states into the participant totals.
func Aggregate(p *models.Participant) {
	p.Score = p.Adjustment
	p.Penalty = 0
	p.Solved = 0
	p.LastAcceptedAt = nil
	for _, ps := range p.Problems {
		p.Score += ps.Score
		p.Penalty += ps.Penalty
		if ps.Solved {
			p.Solved++
			if p.LastAcceptedAt == nil || ps.AcceptedAt.After(*p.LastAcceptedAt) {
				at := *ps.AcceptedAt
				p.LastAcceptedAt = &at
			}
		}
	}
}

// SolvedMask sets bit i for the i-th contest problem in display order.
func SolvedMask(c models.Contest, p *models.Participant) uint16 {
	var mask uint16
	for i, cp := range c.Problems {
		if i >= 16 {
			break
		}
		if ps, ok := p.Problems[cp.ProblemID]; ok && ps.Solved {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// acceptedFraction treats a missing fraction on an accepted verdict as full.
func acceptedFraction(f float64) float64 {
	if f <= 0 {
		return 1
	}
	return clampFraction(f)
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
