package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/agromatch/internal/geo"
	"github.com/example/agromatch/internal/models"
	"github.com/example/agromatch/internal/observability"
)

const (
	distanceWeight   = 40.0
	orderWeight      = 30.0
	ratingWeight     = 20.0
	preferenceWeight = 10.0

	perOrderPoints = 3.0
	// defaultMaxKm scales the distance score when the caller sets no bound.
	defaultMaxKm = 50.0
)

// CandidateSource supplies counterpart profiles around a subject.
type CandidateSource interface {
	Candidates(ctx context.Context, subject models.UserProfile, radiusKm float64) ([]models.UserProfile, error)
}

type Service struct {
	Source CandidateSource
	Logger *slog.Logger
	// TopN caps results when the criteria carry no limit. Zero means unlimited.
	TopN int
	// FetchRadiusKm bounds the candidate fetch when the criteria carry no
	// MaxDistanceKm. It never filters or rescales the ranking. Zero fetches
	// without a bound.
	FetchRadiusKm float64
}

// RankFor fetches candidates for subject and ranks them.
// A cancelled context aborts the call and no results are returned.
func (s *Service) RankFor(ctx context.Context, subject models.UserProfile, criteria models.MatchingCriteria) ([]models.MatchResult, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	if subject.Location == nil {
		return nil, fmt.Errorf("rank for %s: %w", subject.ID, models.ErrLocationUnavailable)
	}
	radius := s.FetchRadiusKm
	if criteria.MaxDistanceKm != nil {
		radius = *criteria.MaxDistanceKm
	}
	cands, err := s.Source.Candidates(ctx, subject, radius)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates for %s: %w", subject.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if criteria.OrderHistoryWeight != nil && s.Logger != nil {
		s.Logger.Debug("order_history_weight is advisory and not applied", "subject_id", subject.ID, "weight", *criteria.OrderHistoryWeight)
	}
	if criteria.Limit == 0 && s.TopN > 0 {
		criteria.Limit = s.TopN
	}

	out, err := Rank(subject, cands, criteria)
	if err != nil {
		return nil, err
	}
	observability.MatchesTotal.Add(float64(len(out)))
	if s.Logger != nil {
		s.Logger.Info("rank_completed", "subject_id", subject.ID, "candidates", len(cands), "matches", len(out), "duration_ms", time.Since(start).Milliseconds())
	}
	return out, nil
}

// Rank scores candidates against subject and returns them sorted by score
// descending, then distance ascending, then candidate id.
func Rank(subject models.UserProfile, candidates []models.UserProfile, criteria models.MatchingCriteria) ([]models.MatchResult, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	if subject.Location == nil {
		return nil, fmt.Errorf("rank %s: %w", subject.ID, models.ErrLocationUnavailable)
	}

	maxKm := defaultMaxKm
	if criteria.MaxDistanceKm != nil {
		maxKm = *criteria.MaxDistanceKm
	}
	preferred := normalizeTags(criteria.PreferredCrops)

	out := make([]models.MatchResult, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == subject.ID || c.Role == subject.Role {
			observability.CandidatesExcluded.WithLabelValues("role").Inc()
			continue
		}
		if c.Location == nil {
			observability.CandidatesExcluded.WithLabelValues("no_location").Inc()
			continue
		}
		distM := geo.Distance(*subject.Location, *c.Location)
		distKm := distM / 1000
		if criteria.MaxDistanceKm != nil && distKm > *criteria.MaxDistanceKm {
			observability.CandidatesExcluded.WithLabelValues("distance").Inc()
			continue
		}
		avg := c.AverageRating()
		if criteria.MinRating != nil && avg < *criteria.MinRating {
			observability.CandidatesExcluded.WithLabelValues("rating").Inc()
			continue
		}

		b := breakdown{
			distanceKm: distKm,
			orders:     c.CompletedOrdersWith(subject.Role),
			avgRating:  avg,
			role:       c.Role,
		}
		b.overlap, b.preferred = overlap(preferred, c.PreferenceTags), len(preferred)

		out = append(out, models.MatchResult{
			SubjectID:      subject.ID,
			CandidateID:    c.ID,
			Role:           c.Role,
			Score:          b.score(maxKm),
			Reasons:        b.reasons(),
			DistanceMeters: distM,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	if criteria.Limit > 0 && len(out) > criteria.Limit {
		out = out[:criteria.Limit]
	}
	return out, nil
}

// breakdown holds the inputs of one candidate's composite score.
type breakdown struct {
	distanceKm float64
	orders     int
	avgRating  float64
	overlap    int
	preferred  int
	role       models.Role
}

func (b breakdown) score(maxKm float64) float64 {
	dist := clamp(distanceWeight*math.Max(0, 1-b.distanceKm/maxKm), 0, distanceWeight)
	orders := clamp(perOrderPoints*float64(b.orders), 0, orderWeight)
	rating := clamp(b.avgRating/5*ratingWeight, 0, ratingWeight)
	var pref float64
	if b.preferred > 0 {
		pref = clamp(preferenceWeight*float64(b.overlap)/float64(b.preferred), 0, preferenceWeight)
	}
	total := clamp(dist+orders+rating+pref, 0, 100)
	return math.Round(total*100) / 100
}

func (b breakdown) reasons() []string {
	reasons := make([]string, 0, 4)
	switch {
	case b.distanceKm < 10:
		reasons = append(reasons, "Very close proximity")
	case b.distanceKm < 25:
		reasons = append(reasons, "Nearby")
	}
	switch {
	case b.orders > 10 && b.role == models.RoleBuyer:
		reasons = append(reasons, "Frequent buyer")
	case b.orders > 10:
		reasons = append(reasons, "Frequent seller")
	case b.orders >= 3:
		reasons = append(reasons, "Repeat trading partner")
	}
	if b.avgRating >= 4.5 {
		reasons = append(reasons, "Highly rated")
	}
	if b.overlap > 0 {
		if b.role == models.RoleFarmer {
			reasons = append(reasons, "Grows your preferred crops")
		} else {
			reasons = append(reasons, "Buys your preferred crops")
		}
	}
	return reasons
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func overlap(preferred, tags []string) int {
	if len(preferred) == 0 {
		return 0
	}
	have := make(map[string]struct{}, len(tags))
	for _, t := range normalizeTags(tags) {
		have[t] = struct{}{}
	}
	n := 0
	for _, p := range preferred {
		if _, ok := have[p]; ok {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
