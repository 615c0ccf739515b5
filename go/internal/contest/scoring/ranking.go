package scoring

import (
	"sort"
	"time"

	"github.com/mcdev12/arena/go/internal/models"
)

// Compare orders two participants under a ranking policy. It returns a
// negative number when a ranks above b, zero when they tie on every policy key.
func Compare(policy models.RankingPolicy, a, b *models.Participant) int {
	switch policy {
	case models.RankingPolicyICPC:
		if c := cmpDesc(float64(a.Solved), float64(b.Solved)); c != 0 {
			return c
		}
		return cmpAsc(float64(a.Penalty), float64(b.Penalty))
	case models.RankingPolicyIOI:
		if c := cmpDesc(a.Score, b.Score); c != 0 {
			return c
		}
		return cmpEarlier(a.LastSubmissionAt, b.LastSubmissionAt)
	default:
		if c := cmpDesc(a.Score, b.Score); c != 0 {
			return c
		}
		if c := cmpAsc(float64(a.Penalty), float64(b.Penalty)); c != 0 {
			return c
		}
		return cmpEarlier(a.LastAcceptedAt, b.LastAcceptedAt)
	}
}

// Rank sorts participants in place and assigns competition ranks (1,1,3).
// User ID breaks remaining ties so the order is deterministic.
func Rank(policy models.RankingPolicy, ps []*models.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if c := Compare(policy, ps[i], ps[j]); c != 0 {
			return c < 0
		}
		return ps[i].UserID < ps[j].UserID
	})

	for i, p := range ps {
		if i > 0 && Compare(policy, ps[i-1], p) == 0 {
			p.Rank = ps[i-1].Rank
			continue
		}
		p.Rank = i + 1
	}
}

func cmpDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

func cmpAsc(a, b float64) int {
	return -cmpDesc(a, b)
}

// cmpEarlier puts the earlier time first; a missing time sorts last.
func cmpEarlier(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	}
	return 0
}
