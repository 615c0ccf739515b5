package contest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
)

// MemoryRepository keeps contests and participant registrations in process.
// It backs tests and single-node runs without Postgres.
type MemoryRepository struct {
	mu           sync.RWMutex
	contests     map[uuid.UUID]models.Contest
	participants map[uuid.UUID]map[string]models.Participant
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		contests:     make(map[uuid.UUID]models.Contest),
		participants: make(map[uuid.UUID]map[string]models.Participant),
	}
}

func (r *MemoryRepository) CreateContest(ctx context.Context, c models.Contest) (*models.Contest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contests[c.ID]; exists {
		return nil, fmt.Errorf("contest %s already exists", c.ID)
	}
	r.contests[c.ID] = cloneContest(c)
	out := cloneContest(c)
	return &out, nil
}

func (r *MemoryRepository) GetContest(ctx context.Context, id uuid.UUID) (*models.Contest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contests[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrContestNotFound)
	}
	out := cloneContest(c)
	return &out, nil
}

func (r *MemoryRepository) ListContests(ctx context.Context, statuses ...models.ContestStatus) ([]models.Contest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[models.ContestStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	out := make([]models.Contest, 0, len(r.contests))
	for _, c := range r.contests {
		if len(want) == 0 || want[c.Status] {
			out = append(out, cloneContest(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryRepository) ListPendingContests(ctx context.Context) ([]models.Contest, error) {
	return r.ListContests(ctx, models.ContestStatusScheduled, models.ContestStatusLive)
}

func (r *MemoryRepository) UpdateContest(ctx context.Context, c models.Contest, expected models.ContestStatus) (*models.Contest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.contests[c.ID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", c.ID, ErrContestNotFound)
	}
	if current.Status != expected {
		return nil, ErrStatusMismatch
	}
	c.Status = current.Status
	r.contests[c.ID] = cloneContest(c)
	out := cloneContest(c)
	return &out, nil
}

func (r *MemoryRepository) UpdateContestStatus(ctx context.Context, id uuid.UUID, from, to models.ContestStatus, at time.Time) (*models.Contest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contests[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrContestNotFound)
	}
	if c.Status != from {
		return nil, ErrStatusMismatch
	}
	c.Status = to
	c.UpdatedAt = at
	if to == models.ContestStatusEnded {
		endedAt := at
		c.EndedAt = &endedAt
	}
	r.contests[id] = c
	out := cloneContest(c)
	return &out, nil
}

// UpsertParticipant stores a registration. Registration time and effective
// start are kept from the first write.
func (r *MemoryRepository) UpsertParticipant(ctx context.Context, p models.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUser, ok := r.participants[p.ContestID]
	if !ok {
		byUser = make(map[string]models.Participant)
		r.participants[p.ContestID] = byUser
	}
	if existing, ok := byUser[p.UserID]; ok {
		p.RegisteredAt = existing.RegisteredAt
		p.EffectiveStart = existing.EffectiveStart
	}
	byUser[p.UserID] = models.Participant{
		UserID:         p.UserID,
		ContestID:      p.ContestID,
		RegisteredAt:   p.RegisteredAt,
		EffectiveStart: p.EffectiveStart,
		Adjustment:     p.Adjustment,
		Hidden:         p.Hidden,
	}
	return nil
}

func (r *MemoryRepository) ListParticipants(ctx context.Context, contestID uuid.UUID) ([]models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Participant, 0, len(r.participants[contestID]))
	for _, p := range r.participants[contestID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func cloneContest(c models.Contest) models.Contest {
	c.Problems = append([]models.ContestProblem(nil), c.Problems...)
	if c.EndedAt != nil {
		endedAt := *c.EndedAt
		c.EndedAt = &endedAt
	}
	if c.Scoring.PointOverrides != nil {
		overrides := make(map[uuid.UUID]int, len(c.Scoring.PointOverrides))
		for k, v := range c.Scoring.PointOverrides {
			overrides[k] = v
		}
		c.Scoring.PointOverrides = overrides
	}
	return c
}
